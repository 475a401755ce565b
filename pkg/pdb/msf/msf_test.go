package msf_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/nativepdb/internal/pdbtest"
	"github.com/jtang613/nativepdb/pkg/pdb/msf"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// payload spans three 512-byte blocks.
func payload() []byte {
	data := make([]byte, 1300)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func image() []byte {
	b := pdbtest.New()
	b.DebugStreams[streams.DbgHeaderFPO] = payload()
	return b.Build()
}

func TestNew(t *testing.T) {
	m, err := msf.New(bytes.NewReader(image()))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, uint32(512), m.BlockSize())
	assert.Equal(t, uint32(1), m.SuperBlock().FreeBlockMapBlock)

	// old directory, PDB info, TPI, DBI, IPI, FPO, section headers, globals, /names
	assert.Equal(t, 9, m.NumStreams())

	old, err := m.ReadStream(0)
	require.NoError(t, err)
	assert.Empty(t, old)

	data, err := m.ReadStream(5)
	require.NoError(t, err)
	assert.Equal(t, payload(), data)

	s, err := m.Stream(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(1300), s.Size())
	assert.Len(t, s.Blocks(), 3)

	_, err = m.Stream(9)
	assert.Error(t, err)
	_, err = m.Stream(-1)
	assert.Error(t, err)
}

func TestStreamReader(t *testing.T) {
	m, err := msf.New(bytes.NewReader(image()))
	require.NoError(t, err)
	want := payload()

	sr, err := m.StreamReader(5)
	require.NoError(t, err)

	// Reads crossing a block boundary.
	buf := make([]byte, 40)
	n, err := sr.ReadAt(buf, 500)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, want[500:540], buf)

	pos, err := sr.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(1290), pos)
	n, err = sr.Read(buf)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, want[1290:], buf[:n])

	pos, err = sr.Seek(1024, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), pos)
	pos, err = sr.Seek(4, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(1028), pos)
	var word uint32
	require.NoError(t, binary.Read(sr, binary.LittleEndian, &word))
	assert.Equal(t, binary.LittleEndian.Uint32(want[1028:]), word)

	_, err = sr.Seek(-1, io.SeekStart)
	assert.Error(t, err)
	_, err = sr.ReadAt(buf, 2000)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNew_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name    string
		corrupt func([]byte) []byte
		wantErr error
	}{
		{
			name:    "bad magic",
			corrupt: func(b []byte) []byte { b[0] = 'X'; return b },
			wantErr: msf.ErrBadMagic,
		},
		{
			name: "block size",
			corrupt: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[32:], 100)
				return b
			},
		},
		{
			name: "block map outside the file",
			corrupt: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[40:], 3)
				return b
			},
			wantErr: msf.ErrCorrupt,
		},
		{
			name:    "truncated",
			corrupt: func(b []byte) []byte { return b[:20] },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := msf.New(bytes.NewReader(tc.corrupt(image())))
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}
