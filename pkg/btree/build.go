package btree

import (
	"fmt"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/codec"
)

// EntryStream supplies entries in ascending key order to Build. Next
// returns (nil, nil) when the stream is exhausted.
type EntryStream interface {
	Next() (*Entry, error)
}

// Build writes a fresh tree from an ordered entry stream, bottom-up:
// leaves first at the configured fill factor, then each internal
// level over the one below it, the root last. Child pointers always
// point at already-written nodes; only the leaf chain's next pointers
// are forward references, patched as each following leaf lands.
//
// Offsets in the emitted tree are relative to the writer's position
// when Build is called, so the caller can place the tree after a
// header.
func Build(w binio.Writer, cfg Config, stream EntryStream) (Info, error) {
	cfg = cfg.normalized()
	base := w.End()
	info := Info{Root: 0}

	perLeaf := cfg.EntriesPerNode * cfg.FillFactor / 100
	if perLeaf < 1 {
		perLeaf = 1
	}

	type childRef struct {
		off      int64
		firstKey codec.Value
	}

	var leaves []childRef
	prevOff := NilPtr
	writeLeaf := func(entries []Entry) error {
		enc, err := encodeLeafEntries(entries, cfg.Unique)
		if err != nil {
			return err
		}
		size := enc.recommendedSize()
		data, err := enc.serialize(size, prevOff, NilPtr)
		if err != nil {
			return err
		}
		abs, err := w.Append(data)
		if err != nil {
			return err
		}
		off := abs - base
		if prevOff != NilPtr {
			var p [6]byte
			binio.PutUint48(p[:], off)
			if err := w.WriteAt(p[:], base+leafNextPos(prevOff)); err != nil {
				return err
			}
		}
		var firstKey codec.Value
		if len(entries) > 0 {
			firstKey = entries[0].Key
		}
		leaves = append(leaves, childRef{off: off, firstKey: firstKey})
		prevOff = off
		return nil
	}

	batch := make([]Entry, 0, perLeaf)
	var lastKey codec.Value
	first := true
	for {
		e, err := stream.Next()
		if err != nil {
			return info, err
		}
		if e == nil {
			break
		}
		if !first && codec.Compare(e.Key, lastKey) <= 0 {
			return info, fmt.Errorf("btree: build stream out of order at key %v", e.Key.Native())
		}
		lastKey = e.Key
		first = false
		info.Entries++
		info.Values += int64(len(e.Values))
		batch = append(batch, *e)
		if len(batch) == perLeaf {
			if err := writeLeaf(batch); err != nil {
				return info, err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 || len(leaves) == 0 {
		if err := writeLeaf(batch); err != nil {
			return info, err
		}
	}

	// Build internal levels until one node remains. Internal nodes
	// honor the fill factor too, leaving separator slots for later
	// leaf splits.
	maxChildren := perLeaf + 1
	minChildren := perLeaf/2 + 1
	children := leaves
	for len(children) > 1 {
		var groups [][]childRef
		for i := 0; i < len(children); i += maxChildren {
			end := i + maxChildren
			if end > len(children) {
				end = len(children)
			}
			groups = append(groups, children[i:end])
		}
		// A trailing parent short of floor(max/2) entries borrows
		// children from its left sibling; routing keys are recomputed
		// from the moved subtrees' first keys below.
		if n := len(groups); n >= 2 && len(groups[n-1]) < minChildren {
			need := minChildren - len(groups[n-1])
			prev := groups[n-2]
			moved := append(append([]childRef{}, prev[len(prev)-need:]...), groups[n-1]...)
			groups[n-2] = prev[:len(prev)-need]
			groups[n-1] = moved
		}

		parents := make([]childRef, 0, len(groups))
		for _, g := range groups {
			entries := make([]internalEntry, 0, len(g)-1)
			for i := 0; i < len(g)-1; i++ {
				entries = append(entries, internalEntry{Key: g[i+1].firstKey, Child: g[i].off})
			}
			enc, err := encodeInternalEntries(entries, g[len(g)-1].off)
			if err != nil {
				return info, err
			}
			data, err := enc.serialize(enc.recommendedSize())
			if err != nil {
				return info, err
			}
			abs, err := w.Append(data)
			if err != nil {
				return info, err
			}
			parents = append(parents, childRef{off: abs - base, firstKey: g[0].firstKey})
		}
		children = parents
	}

	info.Root = children[0].off
	info.ByteLength = w.End() - base
	return info, nil
}

type cursorStream struct {
	c *Cursor
}

func (s cursorStream) Next() (*Entry, error) { return s.c.Next() }

// Rebuild streams every live entry in key order into a fresh tree on
// w. The caller owns swapping files and rewriting the header with the
// returned Info.
func (t *Tree) Rebuild(w binio.Writer) (Info, error) {
	return Build(w, t.cfg, cursorStream{c: t.NewCursor()})
}

// SliceStream adapts an in-memory sorted entry slice to an
// EntryStream. Used for first writes and by tests.
type SliceStream struct {
	Entries []Entry
	pos     int
}

func (s *SliceStream) Next() (*Entry, error) {
	if s.pos >= len(s.Entries) {
		return nil, nil
	}
	e := &s.Entries[s.pos]
	s.pos++
	return e, nil
}
