package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/btree"
	"github.com/birchdb/birch/pkg/codec"
)

// runEntry is one key's values as stored in run and merge files.
type runEntry struct {
	key      codec.Value
	keyBytes []byte
	values   [][]byte
}

// readRunEntry reads the next entry, returning io.EOF cleanly at the
// end of a run; the merge loop uses that as its termination signal.
func readRunEntry(r *binio.Reader) (*runEntry, error) {
	length, err := r.GetUint32()
	if err != nil {
		return nil, err // io.EOF terminates the run
	}
	rec, err := r.Get(int(length))
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("index: truncated run entry")
		}
		return nil, err
	}
	key, used, err := codec.DecodeValue(rec, 0)
	if err != nil {
		return nil, fmt.Errorf("index: run entry key: %w", err)
	}
	pos := used
	if pos+4 > len(rec) {
		return nil, fmt.Errorf("index: truncated run entry")
	}
	count := int(binary.BigEndian.Uint32(rec[pos:]))
	pos += 4
	values := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if pos+4 > len(rec) {
			return nil, fmt.Errorf("index: truncated run value")
		}
		vlen := int(binary.BigEndian.Uint32(rec[pos:]))
		pos += 4
		if pos+vlen > len(rec) {
			return nil, fmt.Errorf("index: truncated run value")
		}
		v := make([]byte, vlen)
		copy(v, rec[pos:pos+vlen])
		values = append(values, v)
		pos += vlen
	}
	keyBytes := make([]byte, used)
	copy(keyBytes, rec[:used])
	return &runEntry{key: key, keyBytes: keyBytes, values: values}, nil
}

// runCursor is one run file's read position during the merge.
type runCursor struct {
	f     *os.File
	r     *binio.Reader
	entry *runEntry
}

func (c *runCursor) advance() error {
	e, err := readRunEntry(c.r)
	if err == io.EOF {
		c.entry = nil
		return nil
	}
	if err != nil {
		return err
	}
	c.entry = e
	return nil
}

// mergeRuns is stage C: a k-way merge of the sorted run files into a
// single merge file of the same format. A sorted list of live run
// indexes is kept by insertion, the smallest-key run pops each round,
// and equal keys across runs concatenate their value lists.
func mergeRuns(runs []string, outPath string) error {
	if len(runs) == 0 {
		// An index over an empty path still gets a valid (empty)
		// merge file so stage D can run uniformly.
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		return f.Close()
	}

	cursors := make([]*runCursor, 0, len(runs))
	defer func() {
		for _, c := range cursors {
			c.f.Close()
		}
	}()
	for _, path := range runs {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("index: open run %s: %w", path, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		c := &runCursor{f: f, r: binio.NewReader(f, fi.Size())}
		if err := c.advance(); err != nil {
			return err
		}
		cursors = append(cursors, c)
	}

	// order holds live cursor indexes sorted by their current key.
	var order []int
	insert := func(ci int) {
		key := cursors[ci].entry.key
		at := len(order)
		for i, oi := range order {
			if codec.Compare(key, cursors[oi].entry.key) < 0 {
				at = i
				break
			}
		}
		order = append(order, 0)
		copy(order[at+1:], order[at:])
		order[at] = ci
	}
	for ci, c := range cursors {
		if c.entry != nil {
			insert(ci)
		}
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("index: create merge file: %w", err)
	}
	defer out.Close()
	w := bufio.NewWriterSize(out, 1<<20)

	for len(order) > 0 {
		first := cursors[order[0]]
		consumed := []int{order[0]}
		values := first.entry.values
		for len(consumed) < len(order) {
			next := cursors[order[len(consumed)]]
			if codec.Compare(next.entry.key, first.entry.key) != 0 {
				break
			}
			values = append(values, next.entry.values...)
			consumed = append(consumed, order[len(consumed)])
		}
		if err := writeRunEntry(w, first.entry.keyBytes, values); err != nil {
			return err
		}
		order = order[len(consumed):]
		for _, ci := range consumed {
			if err := cursors[ci].advance(); err != nil {
				return err
			}
			if cursors[ci].entry != nil {
				insert(ci)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return out.Sync()
}

// mergeStream adapts the merge file to the bulk builder's entry
// stream (stage D input).
type mergeStream struct {
	r         *binio.Reader
	metaCount int
}

func (s *mergeStream) Next() (*btree.Entry, error) {
	e, err := readRunEntry(s.r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &btree.Entry{Key: e.key, Values: make([]btree.LeafValue, 0, len(e.values))}
	for _, raw := range e.values {
		v, _, err := btree.DecodeLeafValue(raw, 0, s.metaCount)
		if err != nil {
			return nil, fmt.Errorf("index: merge value: %w", err)
		}
		entry.Values = append(entry.Values, v)
	}
	return entry, nil
}

// buildTreeFromMerge is stage D: stream the ordered merge file into
// the bulk tree builder behind a reserved, later patched, header.
func (idx *Index) buildTreeFromMerge(mergePath, tmpPath string) error {
	f, err := os.Open(mergePath)
	if err != nil {
		return fmt.Errorf("index: open merge file: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	stream := &mergeStream{
		r:         binio.NewReader(f, fi.Size()),
		metaCount: len(idx.treeCfg.MetadataKeys),
	}
	return idx.writeTreeFile(tmpPath, stream)
}
