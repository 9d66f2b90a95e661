package index

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchdb/birch/pkg/btree"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Info: IndexInfo{
			Type:          "fulltext",
			Version:       1,
			Path:          "users/*/posts",
			Key:           "text",
			Include:       []string{"title", "date"},
			CaseSensitive: false,
			Locale:        "en",
		},
		Trees: []TreeDescriptor{{
			Name:       "default",
			ByteLength: 12345,
			Info: TreeInfoMap(
				btree.Info{Root: 4096, ByteLength: 12345, Entries: 10, Values: 20},
				btree.Config{EntriesPerNode: 255, FillFactor: 95, MetadataKeys: []string{"title", "date", "_occurs_"}},
			),
		}},
	}
	data, err := h.Encode()
	require.NoError(t, err)
	assert.Equal(t, 0, len(data)%headerAlign, "header is block aligned")
	assert.Equal(t, uint32(len(data)), h.Length)
	assert.Equal(t, h.Length, h.Trees[0].FileIndex, "tree region starts at header end")

	got, err := ReadHeader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, h.Info, got.Info)
	require.Len(t, got.Trees, 1)
	assert.Equal(t, "default", got.Trees[0].Name)
	assert.Equal(t, uint32(12345), got.Trees[0].ByteLength)

	info, cfg := got.Trees[0].TreeInfo()
	assert.Equal(t, int64(4096), info.Root)
	assert.Equal(t, int64(10), info.Entries)
	assert.Equal(t, int64(20), info.Values)
	assert.Equal(t, 255, cfg.EntriesPerNode)
	assert.Equal(t, []string{"title", "date", "_occurs_"}, cfg.MetadataKeys)
}

func TestHeaderSizeStableAcrossPatch(t *testing.T) {
	// The build pipeline reserves the header before the tree exists
	// and patches it afterwards; both renderings must have the same
	// length.
	mk := func(info btree.Info) int {
		h := &Header{
			Info:  IndexInfo{Type: "normal", Version: 1, Path: "songs", Key: "year", Locale: "en"},
			Trees: []TreeDescriptor{{Name: "default", Info: TreeInfoMap(info, btree.Config{EntriesPerNode: 255, FillFactor: 95})}},
		}
		data, err := h.Encode()
		require.NoError(t, err)
		return len(data)
	}
	empty := mk(btree.Info{})
	full := mk(btree.Info{Root: 1 << 40, ByteLength: 1 << 31, Entries: 1_000_000, Values: 2_000_000})
	assert.Equal(t, empty, full)
}

func TestReadHeaderRejectsForeignFiles(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader(make([]byte, 64)))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	// Right signature, wrong layout version.
	data := append([]byte(signature), 99)
	data = append(data, 0, 0, 16, 0)
	data = append(data, make([]byte, 4096)...)
	_, err = ReadHeader(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
