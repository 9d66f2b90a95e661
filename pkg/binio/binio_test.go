package binio

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferWriterAppendAndPatch(t *testing.T) {
	w := NewBufferWriter()

	pos, err := w.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	pos, err = w.Append([]byte{5, 6})
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)
	assert.Equal(t, int64(6), w.End())

	require.NoError(t, w.WriteAt([]byte{9, 9}, 1))
	assert.Equal(t, []byte{1, 9, 9, 4, 5, 6}, w.Bytes())

	err = w.WriteAt([]byte{1, 2, 3}, 5)
	assert.Error(t, err, "patch past end must fail")
}

func TestReaderSequentialAndRandom(t *testing.T) {
	w := NewBufferWriter()
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err := w.Append(data)
	require.NoError(t, err)

	// Small chunk to force window reloads.
	r := NewReaderSize(w, w.Size(), 64)

	got, err := r.Get(10)
	require.NoError(t, err)
	assert.Equal(t, data[:10], got)

	r.Go(500)
	got, err = r.Get(100)
	require.NoError(t, err)
	assert.Equal(t, data[500:600], got)
	assert.Equal(t, int64(600), r.Position())

	// A read larger than the chunk bypasses the window.
	r.Go(0)
	got, err = r.Get(900)
	require.NoError(t, err)
	assert.Equal(t, data[:900], got)
}

func TestReaderEOF(t *testing.T) {
	w := NewBufferWriter()
	_, err := w.Append([]byte{0, 0, 0, 7})
	require.NoError(t, err)

	r := NewReader(w, w.Size())
	v, err := r.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	// Exactly at end: any further read is EOF, not a wrapped error.
	_, err = r.GetByte()
	assert.Equal(t, io.EOF, err)

	r.Go(2)
	_, err = r.Get(10)
	assert.Equal(t, io.EOF, err)
}

func TestUint48RoundTrip(t *testing.T) {
	vals := []int64{0, 1, 4096, 1 << 40, (1 << 48) - 1}
	b := make([]byte, 6)
	for _, v := range vals {
		PutUint48(b, v)
		assert.Equal(t, v, Uint48(b))
	}
}
