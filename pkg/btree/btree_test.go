package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/codec"
)

func rp(key string) []byte {
	return codec.RecordPointer{Key: key}.EncodeBytes()
}

func intEntry(k int64, keys ...string) Entry {
	e := Entry{Key: codec.Int(k)}
	for _, key := range keys {
		e.Values = append(e.Values, LeafValue{RecordPointer: rp(key)})
	}
	if e.Values == nil {
		e.Values = []LeafValue{{RecordPointer: rp(fmt.Sprintf("r%d", k))}}
	}
	return e
}

// bufferStore adapts a BufferWriter to ReadWriterAt.
type bufferStore struct{ *binio.BufferWriter }

func (s bufferStore) WriteAt(p []byte, off int64) (int, error) {
	if err := s.BufferWriter.WriteAt(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// buildTree writes entries into a fresh in-memory tree with a
// reserved free tail for in-place growth.
func buildTree(t *testing.T, cfg Config, entries []Entry, reserve int64) *Tree {
	t.Helper()
	w := binio.NewBufferWriter()
	info, err := Build(w, cfg, &SliceStream{Entries: entries})
	require.NoError(t, err)
	if reserve > 0 {
		_, err = w.Append(make([]byte, reserve))
		require.NoError(t, err)
	}
	return Open(bufferStore{w}, 0, w.Size(), info, cfg)
}

func allEntries(t *testing.T, tree *Tree) []Entry {
	t.Helper()
	var out []Entry
	c := tree.NewCursor()
	for {
		e, err := c.Next()
		require.NoError(t, err)
		if e == nil {
			return out
		}
		out = append(out, *e)
	}
}

func TestBuildAndFind(t *testing.T) {
	cfg := Config{EntriesPerNode: 4, FillFactor: 95}
	var entries []Entry
	for i := int64(0); i < 100; i++ {
		entries = append(entries, intEntry(i*2))
	}
	tree := buildTree(t, cfg, entries, 0)

	info := tree.Info()
	assert.Equal(t, int64(100), info.Entries)
	assert.Equal(t, int64(100), info.Values)

	for i := int64(0); i < 100; i++ {
		vals, err := tree.Find(codec.Int(i * 2))
		require.NoError(t, err)
		require.Len(t, vals, 1, "key %d", i*2)
		got, _, err := codec.DecodeRecordPointer(vals[0].RecordPointer, 0)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("r%d", i*2), got.Key)
	}

	// Absent keys, including between existing ones.
	for _, k := range []int64{-1, 1, 99, 201} {
		vals, err := tree.Find(codec.Int(k))
		require.NoError(t, err)
		assert.Empty(t, vals)
	}
}

func TestCursorYieldsAscendingOrder(t *testing.T) {
	cfg := Config{EntriesPerNode: 4, FillFactor: 95}
	var entries []Entry
	for i := 0; i < 200; i++ {
		entries = append(entries, intEntry(int64(i)))
	}
	tree := buildTree(t, cfg, entries, 0)

	got := allEntries(t, tree)
	require.Len(t, got, 200)
	for i := 1; i < len(got); i++ {
		assert.Negative(t, codec.Compare(got[i-1].Key, got[i].Key), "entries ascending at %d", i)
	}
}

func TestSearchOperators(t *testing.T) {
	cfg := Config{EntriesPerNode: 4, FillFactor: 95}
	var entries []Entry
	for _, y := range []int64{1999, 2005, 2010} {
		entries = append(entries, intEntry(y))
	}
	tree := buildTree(t, cfg, entries, 0)

	keysOf := func(r *SearchResult) []int64 {
		var out []int64
		for _, k := range r.Keys {
			out = append(out, k.Int)
		}
		return out
	}

	r, err := tree.Search(OpBetween, [2]codec.Value{codec.Int(2000), codec.Int(2009)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2005}, keysOf(r))

	r, err = tree.Search(OpGTE, codec.Int(2005), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2005, 2010}, keysOf(r))

	r, err = tree.Search(OpLT, codec.Int(2005), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1999}, keysOf(r))

	r, err = tree.Search(OpNEQ, codec.Int(2005), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1999, 2010}, keysOf(r))

	r, err = tree.Search(OpIn, []codec.Value{codec.Int(1999), codec.Int(2010), codec.Int(1234)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1999, 2010}, keysOf(r))

	r, err = tree.Search(OpEQ, codec.Int(2005), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.KeyCount)
	assert.Equal(t, 1, r.ValueCount)

	_, err = tree.Search("~", codec.Int(1), nil)
	assert.Error(t, err)
}

func TestSearchLike(t *testing.T) {
	cfg := Config{EntriesPerNode: 16, FillFactor: 95}
	var entries []Entry
	for _, s := range []string{"apple", "apricot", "banana", "grape", "grapefruit"} {
		entries = append(entries, Entry{Key: codec.String(s), Values: []LeafValue{{RecordPointer: rp(s)}}})
	}
	tree := buildTree(t, cfg, entries, 0)

	r, err := tree.Search(OpLike, "ap*", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.KeyCount)

	r, err = tree.Search(OpLike, "grape?ruit", nil)
	require.NoError(t, err)
	require.Equal(t, 1, r.KeyCount)
	assert.Equal(t, "grapefruit", r.Keys[0].Str)

	r, err = tree.Search(OpNotLike, "*e", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, r.KeyCount) // apricot, banana, grapefruit

	r, err = tree.Search(OpLike, "*fruit", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.KeyCount)
}

func TestSearchFilterIntersects(t *testing.T) {
	cfg := Config{EntriesPerNode: 8, FillFactor: 95}
	entries := []Entry{
		intEntry(1, "a", "b"),
		intEntry(2, "c"),
	}
	tree := buildTree(t, cfg, entries, 0)

	r, err := tree.Search(OpGTE, codec.Int(0), &SearchOptions{Filter: [][]byte{rp("b"), rp("c")}})
	require.NoError(t, err)
	assert.Equal(t, 2, r.KeyCount)
	assert.Equal(t, 2, r.ValueCount)

	r, err = tree.Search(OpGTE, codec.Int(0), &SearchOptions{Filter: [][]byte{rp("zzz")}})
	require.NoError(t, err)
	assert.Equal(t, 0, r.KeyCount)
}

func TestAddInPlaceAndSplit(t *testing.T) {
	// Low fill factor leaves room in the root for separators pushed
	// up by leaf splits.
	cfg := Config{EntriesPerNode: 16, FillFactor: 25}
	var entries []Entry
	for i := int64(0); i < 40; i += 2 {
		entries = append(entries, intEntry(i))
	}
	tree := buildTree(t, cfg, entries, 64*1024)

	// Everything from 100 up lands in the last leaf, overflowing it
	// repeatedly.
	for i := int64(100); i < 130; i++ {
		require.NoError(t, tree.Add(codec.Int(i), rp(fmt.Sprintf("r%d", i)), nil))
	}

	got := allEntries(t, tree)
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.Negative(t, codec.Compare(got[i-1].Key, got[i].Key), "ascending after splits at %d", i)
	}
	assert.Equal(t, int64(50), tree.Info().Entries)

	for i := int64(100); i < 130; i++ {
		vals, err := tree.Find(codec.Int(i))
		require.NoError(t, err)
		assert.Len(t, vals, 1, "key %d", i)
	}
}

func TestAddDuplicatePointerRefreshesMetadata(t *testing.T) {
	cfg := Config{EntriesPerNode: 8, FillFactor: 95, MetadataKeys: []string{"title"}}
	entries := []Entry{{
		Key:    codec.Int(1),
		Values: []LeafValue{{RecordPointer: rp("a"), Metadata: []codec.Value{codec.String("old")}}},
	}}
	tree := buildTree(t, cfg, entries, 8*1024)

	require.NoError(t, tree.Add(codec.Int(1), rp("a"), []codec.Value{codec.String("new")}))
	vals, err := tree.Find(codec.Int(1))
	require.NoError(t, err)
	require.Len(t, vals, 1, "pointer stays unique within the entry")
	assert.Equal(t, "new", vals[0].Metadata[0].Str)
	assert.Equal(t, int64(1), tree.Info().Values)
}

func TestRootLeafSplitNeedsRebuild(t *testing.T) {
	cfg := Config{EntriesPerNode: 4, FillFactor: 95}
	tree := buildTree(t, cfg, []Entry{intEntry(1)}, 8*1024)

	var err error
	for i := int64(2); i < 20 && err == nil; i++ {
		err = tree.Add(codec.Int(i), rp(fmt.Sprintf("r%d", i)), nil)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTreeFull)
}

func TestTreeFullWithoutFreeSpace(t *testing.T) {
	cfg := Config{EntriesPerNode: 4, FillFactor: 95}
	var entries []Entry
	for i := int64(0); i < 20; i++ {
		entries = append(entries, intEntry(i*2))
	}
	// No reserved tail: the first relocation or split must fail.
	tree := buildTree(t, cfg, entries, 0)

	var err error
	for i := int64(0); i < 200 && err == nil; i++ {
		err = tree.Add(codec.Int(i*3+1), rp(fmt.Sprintf("x%d", i)), nil)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTreeFull)
}

func TestRemove(t *testing.T) {
	cfg := Config{EntriesPerNode: 4, FillFactor: 75}
	var entries []Entry
	for i := int64(0); i < 30; i++ {
		entries = append(entries, intEntry(i))
	}
	tree := buildTree(t, cfg, entries, 32*1024)

	// Removing an absent value is a no-op.
	require.NoError(t, tree.Remove(codec.Int(5), rp("nope")))
	vals, err := tree.Find(codec.Int(5))
	require.NoError(t, err)
	assert.Len(t, vals, 1)

	// Remove a whole run of entries, emptying at least one leaf.
	for i := int64(0); i < 10; i++ {
		require.NoError(t, tree.Remove(codec.Int(i), rp(fmt.Sprintf("r%d", i))))
	}
	got := allEntries(t, tree)
	require.Len(t, got, 20)
	assert.Equal(t, int64(10), got[0].Key.Int)
	assert.Equal(t, int64(20), tree.Info().Entries)

	for i := 1; i < len(got); i++ {
		assert.Negative(t, codec.Compare(got[i-1].Key, got[i].Key))
	}
}

func TestUpdateReplacesPointer(t *testing.T) {
	cfg := Config{EntriesPerNode: 8, FillFactor: 95}
	tree := buildTree(t, cfg, []Entry{intEntry(7, "old")}, 8*1024)

	require.NoError(t, tree.Update(codec.Int(7), rp("new"), rp("old"), nil))
	vals, err := tree.Find(codec.Int(7))
	require.NoError(t, err)
	require.Len(t, vals, 1)
	got, _, err := codec.DecodeRecordPointer(vals[0].RecordPointer, 0)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Key)
}

func TestTransactionReportsProgress(t *testing.T) {
	cfg := Config{EntriesPerNode: 4, FillFactor: 95}
	var entries []Entry
	for i := int64(0); i < 20; i++ {
		entries = append(entries, intEntry(i * 2))
	}
	tree := buildTree(t, cfg, entries, 0) // no slack: writes will fail eventually

	var ops []Op
	for i := int64(0); i < 100; i++ {
		ops = append(ops, Op{Type: OpAdd, Key: codec.Int(i*2 + 1), RecordPointer: rp(fmt.Sprintf("t%d", i))})
	}
	err := tree.Transaction(ops)
	require.Error(t, err)
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.ErrorIs(t, txErr.Err, ErrTreeFull)
	assert.GreaterOrEqual(t, txErr.Processed, 0)
	assert.Less(t, txErr.Processed, 100)
}

func TestRebuildPreservesContent(t *testing.T) {
	cfg := Config{EntriesPerNode: 4, FillFactor: 75, MetadataKeys: []string{"title"}}
	var entries []Entry
	for i := int64(0); i < 50; i++ {
		entries = append(entries, Entry{
			Key: codec.Int(i),
			Values: []LeafValue{{
				RecordPointer: rp(fmt.Sprintf("r%d", i)),
				Metadata:      []codec.Value{codec.String(fmt.Sprintf("title %d", i))},
			}},
		})
	}
	tree := buildTree(t, cfg, entries, 32*1024)

	for i := int64(0); i < 10; i++ {
		require.NoError(t, tree.Remove(codec.Int(i*5), rp(fmt.Sprintf("r%d", i*5))))
	}
	require.NoError(t, tree.Add(codec.Int(1000), rp("extra"), []codec.Value{codec.String("x")}))
	before := allEntries(t, tree)

	w := binio.NewBufferWriter()
	info, err := tree.Rebuild(w)
	require.NoError(t, err)
	assert.Equal(t, int64(len(before)), info.Entries)
	assert.Equal(t, w.Size(), info.ByteLength)

	rebuilt := Open(bufferStore{w}, 0, w.Size(), info, cfg)
	after := allEntries(t, rebuilt)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Zero(t, codec.Compare(before[i].Key, after[i].Key))
		require.Len(t, after[i].Values, len(before[i].Values))
		assert.Equal(t, before[i].Values[0].RecordPointer, after[i].Values[0].RecordPointer)
		assert.Equal(t, before[i].Values[0].Metadata[0].Str, after[i].Values[0].Metadata[0].Str)
	}
}

func TestExtDataValues(t *testing.T) {
	// One entry with enough values to overflow into an ext block.
	cfg := Config{EntriesPerNode: 8, FillFactor: 95}
	big := Entry{Key: codec.String("word")}
	for i := 0; i < 100; i++ {
		big.Values = append(big.Values, LeafValue{RecordPointer: rp(fmt.Sprintf("record-%03d", i))})
	}
	entries := []Entry{
		{Key: codec.String("small"), Values: []LeafValue{{RecordPointer: rp("s")}}},
		big,
	}
	tree := buildTree(t, cfg, entries, 32*1024)

	vals, err := tree.Find(codec.String("word"))
	require.NoError(t, err)
	assert.Len(t, vals, 100)

	vals, err = tree.Find(codec.String("small"))
	require.NoError(t, err)
	assert.Len(t, vals, 1)

	// Ext entries keep working through mutation.
	require.NoError(t, tree.Add(codec.String("word"), rp("record-new"), nil))
	vals, err = tree.Find(codec.String("word"))
	require.NoError(t, err)
	assert.Len(t, vals, 101)
}

func TestBuildRejectsUnorderedStream(t *testing.T) {
	w := binio.NewBufferWriter()
	_, err := Build(w, Config{EntriesPerNode: 4}, &SliceStream{Entries: []Entry{
		intEntry(5), intEntry(3),
	}})
	require.Error(t, err)
}
