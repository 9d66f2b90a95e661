// Package btree implements the on-disk B+ tree that backs every
// index: all records live in leaves, leaves are doubly linked in key
// order, and internal nodes route by separator keys. Mutations are
// in-place where node slack allows, relocate through the free-space
// tracker when it does not, and surface ErrTreeFull when neither
// works so the owner can rebuild.
package btree

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/codec"
)

var (
	// ErrTreeFull means a node could not grow in place and no free
	// extent could take it. The owning index rebuilds the tree.
	ErrTreeFull = errors.New("btree: tree is full")

	// ErrDuplicateKey is returned by unique trees when a key already
	// holds a value. Index trees are non-unique and never raise it.
	ErrDuplicateKey = errors.New("btree: duplicate key")
)

// MaxEntriesPerNode is fixed by the 1-byte entry count in the node
// format.
const MaxEntriesPerNode = 255

// NilPtr is the on-disk sentinel for "no leaf" in prev/next pointers.
// Offset 0 is a valid node position, so all-ones is used instead.
const NilPtr int64 = (1 << 48) - 1

// Config describes a tree's shape. EntriesPerNode and the fill factor
// are parameters here even though the on-disk format caps them; only
// the format constants are hardcoded.
type Config struct {
	EntriesPerNode int
	FillFactor     int // percent, used by rebuild and bulk build
	MetadataKeys   []string
	Unique         bool
}

func (c Config) normalized() Config {
	if c.EntriesPerNode <= 0 || c.EntriesPerNode > MaxEntriesPerNode {
		c.EntriesPerNode = MaxEntriesPerNode
	}
	if c.FillFactor <= 0 || c.FillFactor > 100 {
		c.FillFactor = 95
	}
	return c
}

// Info carries the mutable facts about a stored tree: where the root
// sits, how many bytes the tree occupies, and its entry/value counts.
// The index envelope persists it and patches it after mutations.
type Info struct {
	Root       int64
	ByteLength int64
	Entries    int64
	Values     int64
}

// LeafValue is one indexed record inside an entry: the encoded record
// pointer plus the fixed-schema metadata values, aligned with
// Config.MetadataKeys.
type LeafValue struct {
	RecordPointer []byte
	Metadata      []codec.Value
}

// Entry is a key with its values, the logical unit stored in leaves.
type Entry struct {
	Key    codec.Value
	Values []LeafValue
}

// ReadWriterAt is the storage a tree mutates in place. *os.File
// satisfies it; binio.BufferWriter does not, as its WriteAt returns
// only an error.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Tree is an open B+ tree over a byte region [start, start+total) of
// its storage. total exceeds Info.ByteLength by the reserved free
// tail; the free-space tracker hands that slack out for relocations
// and splits.
type Tree struct {
	mu    sync.Mutex
	src   ReadWriterAt
	start int64
	total int64
	info  Info
	cfg   Config
	fst   *FreeSpace
}

// Open attaches to a stored tree. The caller supplies the region
// bounds and Info read from the index header.
func Open(src ReadWriterAt, start, total int64, info Info, cfg Config) *Tree {
	t := &Tree{
		src:   src,
		start: start,
		total: total,
		info:  info,
		cfg:   cfg.normalized(),
		fst:   NewFreeSpace(),
	}
	if total > info.ByteLength {
		t.fst.Release(info.ByteLength, total-info.ByteLength)
	}
	return t
}

// Info returns the tree's current Info. The owner persists it to the
// header after mutations.
func (t *Tree) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Config returns the tree's configuration.
func (t *Tree) Config() Config { return t.cfg }

func (t *Tree) reader() *binio.Reader {
	return binio.NewReader(io.NewSectionReader(t.src, t.start, t.total), t.total)
}

func (t *Tree) writeAt(data []byte, rel int64) error {
	if _, err := t.src.WriteAt(data, t.start+rel); err != nil {
		return fmt.Errorf("btree: write %d bytes at %d: %w", len(data), rel, err)
	}
	return nil
}

// descendPath is the chain of internal nodes from the root down to a
// leaf, kept so mutations can patch child pointers and insert
// separators.
type descendPath struct {
	leaf      *leafNode
	ancestors []*internalNode // root first
	childIdx  []int           // child slot taken in each ancestor; len(entries) means gt
}

func (p *descendPath) parent() (*internalNode, int) {
	if len(p.ancestors) == 0 {
		return nil, 0
	}
	return p.ancestors[len(p.ancestors)-1], p.childIdx[len(p.childIdx)-1]
}

// descend walks from the root to the leaf that owns key.
func (t *Tree) descend(r *binio.Reader, key codec.Value) (*descendPath, error) {
	path := &descendPath{}
	off := t.info.Root
	for {
		lf, in, err := t.readNode(r, off)
		if err != nil {
			return nil, err
		}
		if lf != nil {
			path.leaf = lf
			return path, nil
		}
		idx := len(in.entries)
		next := in.gtChild
		for i, e := range in.entries {
			if codec.Compare(key, e.Key) < 0 {
				idx = i
				next = e.Child
				break
			}
		}
		path.ancestors = append(path.ancestors, in)
		path.childIdx = append(path.childIdx, idx)
		off = next
	}
}

// leftmostLeaf walks the first-child chain down to the first leaf.
func (t *Tree) leftmostLeaf(r *binio.Reader) (*leafNode, error) {
	off := t.info.Root
	for {
		lf, in, err := t.readNode(r, off)
		if err != nil {
			return nil, err
		}
		if lf != nil {
			return lf, nil
		}
		if len(in.entries) > 0 {
			off = in.entries[0].Child
		} else {
			off = in.gtChild
		}
	}
}

// Find returns the values stored under key, or an empty slice if the
// key is absent.
func (t *Tree) Find(key codec.Value) ([]LeafValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.reader()
	path, err := t.descend(r, key)
	if err != nil {
		return nil, err
	}
	for _, e := range path.leaf.entries {
		if codec.Equal(e.Key, key) {
			return e.Values, nil
		}
	}
	return []LeafValue{}, nil
}

// Count returns the number of values stored under key.
func (t *Tree) Count(key codec.Value) (int, error) {
	vals, err := t.Find(key)
	if err != nil {
		return 0, err
	}
	return len(vals), nil
}
