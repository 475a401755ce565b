package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerator(t *testing.T) {
	e := sliceEnumerator([]int{1, 2, 3, 4})

	v, ok := e.Next()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	for v := range e.All() {
		if v == 3 {
			break
		}
	}
	assert.Equal(t, []int{4}, e.Collect())

	_, ok = e.Next()
	assert.False(t, ok)
	_, ok = e.Next()
	assert.False(t, ok, "exhausted enumerators stay exhausted")
}

func TestEnumerator_Empty(t *testing.T) {
	e := emptyEnumerator[string]()
	_, ok := e.Next()
	assert.False(t, ok)
	assert.Empty(t, e.Collect())
	assert.Empty(t, sliceEnumerator[string](nil).Collect())
}

func TestEnumerator_Lazy(t *testing.T) {
	calls := 0
	e := lazyEnumerator(func() []string {
		calls++
		return []string{"a", "b"}
	})
	assert.Zero(t, calls)
	assert.Equal(t, []string{"a", "b"}, e.Collect())
	_, ok := e.Next()
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestEnumerator_Compose(t *testing.T) {
	e := concatEnumerators(
		sliceEnumerator([]int{1, 2}),
		emptyEnumerator[int](),
		sliceEnumerator([]int{3, 4, 5}),
	)
	odd := filterEnumerator(e, func(v int) bool { return v%2 == 1 })
	assert.Equal(t, []int{1, 3, 5}, odd.Collect())
	assert.Empty(t, concatEnumerators[int]().Collect())
}
