package native

import "iter"

// Enumerator is a lazy, forward-only sequence. Each item is produced when
// it is requested; an exhausted enumerator stays exhausted.
type Enumerator[T any] struct {
	next func() (T, bool)
	done bool
}

func newEnumerator[T any](next func() (T, bool)) *Enumerator[T] {
	return &Enumerator[T]{next: next}
}

func sliceEnumerator[T any](items []T) *Enumerator[T] {
	i := 0
	return newEnumerator(func() (T, bool) {
		if i >= len(items) {
			var zero T
			return zero, false
		}
		i++
		return items[i-1], true
	})
}

// lazyEnumerator defers fill until the first item is requested.
func lazyEnumerator[T any](fill func() []T) *Enumerator[T] {
	var items []T
	loaded := false
	i := 0
	return newEnumerator(func() (T, bool) {
		if !loaded {
			items, loaded = fill(), true
		}
		if i >= len(items) {
			var zero T
			return zero, false
		}
		i++
		return items[i-1], true
	})
}

func emptyEnumerator[T any]() *Enumerator[T] {
	return &Enumerator[T]{done: true}
}

// concatEnumerators yields the items of each enumerator in turn.
func concatEnumerators[T any](parts ...*Enumerator[T]) *Enumerator[T] {
	return newEnumerator(func() (T, bool) {
		for len(parts) > 0 {
			if v, ok := parts[0].Next(); ok {
				return v, true
			}
			parts = parts[1:]
		}
		var zero T
		return zero, false
	})
}

func filterEnumerator[T any](e *Enumerator[T], keep func(T) bool) *Enumerator[T] {
	return newEnumerator(func() (T, bool) {
		for {
			v, ok := e.Next()
			if !ok || keep(v) {
				return v, ok
			}
		}
	})
}

// Next returns the next item, or false once the sequence is exhausted.
func (e *Enumerator[T]) Next() (T, bool) {
	var zero T
	if e.done {
		return zero, false
	}
	v, ok := e.next()
	if !ok {
		e.done = true
		e.next = nil
		return zero, false
	}
	return v, true
}

// All yields the remaining items. Breaking out of the loop leaves the
// rest of the sequence available to Next.
func (e *Enumerator[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := e.Next()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Collect drains the enumerator into a slice.
func (e *Enumerator[T]) Collect() []T {
	var out []T
	for v := range e.All() {
		out = append(out, v)
	}
	return out
}
