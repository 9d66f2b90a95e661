package btree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/codec"
)

// OpType distinguishes transaction operations.
type OpType uint8

const (
	OpAdd OpType = iota
	OpRemove
	OpUpdate
)

// Op is one mutation inside a Transaction.
type Op struct {
	Type          OpType
	Key           codec.Value
	RecordPointer []byte
	OldPointer    []byte // OpUpdate: the pointer being replaced
	Metadata      []codec.Value
}

// TxError reports how far a transaction got before failing. The
// caller rebuilds the tree and re-applies ops[Processed:].
type TxError struct {
	Processed int
	Err       error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("btree: transaction failed after %d ops: %v", e.Processed, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Add inserts one value under key. The leaf grows in place when its
// slack allows, relocates through the free-space tracker when it does
// not, and splits when the entry count overflows. ErrTreeFull means
// the caller must rebuild.
func (t *Tree) Add(key codec.Value, recordPointer []byte, metadata []codec.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.add(key, recordPointer, metadata)
}

func (t *Tree) add(key codec.Value, recordPointer []byte, metadata []codec.Value) error {
	r := t.reader()
	path, err := t.descend(r, key)
	if err != nil {
		return err
	}
	lf := path.leaf

	idx := sort.Search(len(lf.entries), func(i int) bool {
		return codec.Compare(lf.entries[i].Key, key) >= 0
	})
	newEntry, newValue := false, false
	if idx < len(lf.entries) && codec.Equal(lf.entries[idx].Key, key) {
		e := &lf.entries[idx]
		if t.cfg.Unique {
			return fmt.Errorf("%w: %v", ErrDuplicateKey, key.Native())
		}
		if vi := findValue(e.Values, recordPointer); vi >= 0 {
			// Record pointers within an entry are unique; a re-add
			// refreshes the metadata.
			e.Values[vi].Metadata = metadata
		} else {
			e.Values = append(e.Values, LeafValue{RecordPointer: recordPointer, Metadata: metadata})
			newValue = true
			t.info.Values++
		}
	} else {
		lf.entries = append(lf.entries, Entry{})
		copy(lf.entries[idx+1:], lf.entries[idx:])
		lf.entries[idx] = Entry{Key: key, Values: []LeafValue{{RecordPointer: recordPointer, Metadata: metadata}}}
		newEntry, newValue = true, true
		t.info.Entries++
		t.info.Values++
	}

	if len(lf.entries) > t.cfg.EntriesPerNode {
		return t.splitLeaf(path)
	}
	if err := t.writeLeaf(path); err != nil {
		// Roll the counters back so a rebuild starts from the truth.
		if newEntry {
			t.info.Entries--
		}
		if newValue {
			t.info.Values--
		}
		return err
	}
	return nil
}

// Remove deletes the value with the given record pointer from key's
// entry. Removing an absent value is a no-op. Empty entries are
// dropped; an empty leaf is unlinked from the chain and released.
// Underfull leaves are never merged; rebuild reclaims them.
func (t *Tree) Remove(key codec.Value, recordPointer []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remove(key, recordPointer)
}

func (t *Tree) remove(key codec.Value, recordPointer []byte) error {
	r := t.reader()
	path, err := t.descend(r, key)
	if err != nil {
		return err
	}
	lf := path.leaf
	for i := range lf.entries {
		if !codec.Equal(lf.entries[i].Key, key) {
			continue
		}
		e := &lf.entries[i]
		vi := findValue(e.Values, recordPointer)
		if vi < 0 {
			return nil
		}
		e.Values = append(e.Values[:vi], e.Values[vi+1:]...)
		t.info.Values--
		if len(e.Values) == 0 {
			lf.entries = append(lf.entries[:i], lf.entries[i+1:]...)
			t.info.Entries--
		}
		if len(lf.entries) == 0 {
			parent, childIdx := path.parent()
			// A gt-only parent cannot lose its last child in place;
			// the empty leaf stays and rebuild reclaims it.
			if parent != nil && len(parent.entries) > 0 {
				return t.unlinkLeaf(lf, parent, childIdx)
			}
		}
		return t.writeLeaf(path)
	}
	return nil
}

// Update replaces oldPointer with newPointer (and fresh metadata) in
// key's entry, a remove+add on the same leaf.
func (t *Tree) Update(key codec.Value, newPointer, oldPointer []byte, metadata []codec.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.reader()
	path, err := t.descend(r, key)
	if err != nil {
		return err
	}
	for i := range path.leaf.entries {
		e := &path.leaf.entries[i]
		if !codec.Equal(e.Key, key) {
			continue
		}
		vi := findValue(e.Values, oldPointer)
		if vi < 0 {
			break
		}
		e.Values[vi] = LeafValue{RecordPointer: newPointer, Metadata: metadata}
		return t.writeLeaf(path)
	}
	// No old value to replace: fall back to a plain add.
	return t.add(key, newPointer, metadata)
}

// Transaction applies ops in order. The index layer orders removes
// before their matching adds. On the first unrecoverable failure a
// *TxError reports how many ops landed; the caller rebuilds and
// re-applies the rest.
func (t *Tree) Transaction(ops []Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, op := range ops {
		var err error
		switch op.Type {
		case OpAdd:
			err = t.add(op.Key, op.RecordPointer, op.Metadata)
		case OpRemove:
			err = t.remove(op.Key, op.RecordPointer)
		case OpUpdate:
			err = t.update(op)
		default:
			err = fmt.Errorf("btree: unknown op type %d", op.Type)
		}
		if err != nil {
			return &TxError{Processed: i, Err: err}
		}
	}
	return nil
}

func (t *Tree) update(op Op) error {
	r := t.reader()
	path, err := t.descend(r, op.Key)
	if err != nil {
		return err
	}
	for i := range path.leaf.entries {
		e := &path.leaf.entries[i]
		if !codec.Equal(e.Key, op.Key) {
			continue
		}
		if vi := findValue(e.Values, op.OldPointer); vi >= 0 {
			e.Values[vi] = LeafValue{RecordPointer: op.RecordPointer, Metadata: op.Metadata}
			return t.writeLeaf(path)
		}
		break
	}
	return t.add(op.Key, op.RecordPointer, op.Metadata)
}

// noteExtent extends the tree's recorded byte length when a claimed
// extent reaches past it, so a reopened tree's free-space tracker
// never hands out occupied bytes.
func (t *Tree) noteExtent(off, length int64) {
	if end := off + length; end > t.info.ByteLength {
		t.info.ByteLength = end
	}
}

func findValue(values []LeafValue, rp []byte) int {
	for i, v := range values {
		if bytes.Equal(v.RecordPointer, rp) {
			return i
		}
	}
	return -1
}

// writeLeaf rewrites the leaf into its extent, relocating it when it
// no longer fits.
func (t *Tree) writeLeaf(path *descendPath) error {
	lf := path.leaf
	enc, err := encodeLeafEntries(lf.entries, t.cfg.Unique)
	if err != nil {
		return err
	}
	if enc.minSize() <= int(lf.length) {
		data, err := enc.serialize(int(lf.length), lf.prev, lf.next)
		if err != nil {
			return err
		}
		return t.writeAt(data, lf.offset)
	}
	return t.relocateLeaf(path, enc)
}

// relocateLeaf moves a grown leaf into a fresh extent, patches the
// parent child pointer and both chain neighbors, and releases the old
// extent.
func (t *Tree) relocateLeaf(path *descendPath, enc *encodedLeaf) error {
	lf := path.leaf
	size := int64(enc.recommendedSize())
	newOff, ok := t.fst.Claim(size)
	if !ok {
		return fmt.Errorf("%w: no free extent of %d bytes", ErrTreeFull, size)
	}
	t.noteExtent(newOff, size)
	data, err := enc.serialize(int(size), lf.prev, lf.next)
	if err != nil {
		return err
	}
	if err := t.writeAt(data, newOff); err != nil {
		return err
	}
	if err := t.patchChildPointer(path, newOff); err != nil {
		return err
	}
	if err := t.patchNeighbors(lf, newOff); err != nil {
		return err
	}
	t.fst.Release(lf.offset, int64(lf.length))
	lf.offset = newOff
	lf.length = uint32(size)
	return nil
}

// patchChildPointer points the parent (or the root reference) at a
// node's new offset.
func (t *Tree) patchChildPointer(path *descendPath, newOff int64) error {
	parent, childIdx := path.parent()
	if parent == nil {
		t.info.Root = newOff
		return nil
	}
	var p [6]byte
	binio.PutUint48(p[:], newOff)
	pos := parent.gtPos
	if childIdx < len(parent.entries) {
		pos = parent.entries[childIdx].ptrPos
	}
	return t.writeAt(p[:], pos)
}

func (t *Tree) patchNeighbors(lf *leafNode, newOff int64) error {
	var p [6]byte
	binio.PutUint48(p[:], newOff)
	if lf.prev != NilPtr {
		if err := t.writeAt(p[:], leafNextPos(lf.prev)); err != nil {
			return err
		}
	}
	if lf.next != NilPtr {
		if err := t.writeAt(p[:], leafPrevPos(lf.next)); err != nil {
			return err
		}
	}
	return nil
}

// splitLeaf splits an overflowing leaf at the median and pushes the
// separator into the parent in place. A root split or a full parent
// cannot be handled in place and surfaces ErrTreeFull.
func (t *Tree) splitLeaf(path *descendPath) error {
	lf := path.leaf
	parent, childIdx := path.parent()
	if parent == nil {
		return fmt.Errorf("%w: root leaf split requires rebuild", ErrTreeFull)
	}
	if len(parent.entries) >= t.cfg.EntriesPerNode {
		return fmt.Errorf("%w: parent node is full", ErrTreeFull)
	}

	mid := len(lf.entries) / 2
	left := lf.entries[:mid]
	right := make([]Entry, len(lf.entries)-mid)
	copy(right, lf.entries[mid:])
	sepKey := right[0].Key

	rightEnc, err := encodeLeafEntries(right, t.cfg.Unique)
	if err != nil {
		return err
	}
	rightSize := int64(rightEnc.recommendedSize())
	rightOff, ok := t.fst.Claim(rightSize)
	if !ok {
		return fmt.Errorf("%w: no free extent of %d bytes for split", ErrTreeFull, rightSize)
	}
	t.noteExtent(rightOff, rightSize)
	rightData, err := rightEnc.serialize(int(rightSize), lf.offset, lf.next)
	if err != nil {
		return err
	}
	if err := t.writeAt(rightData, rightOff); err != nil {
		return err
	}
	if lf.next != NilPtr {
		var p [6]byte
		binio.PutUint48(p[:], rightOff)
		if err := t.writeAt(p[:], leafPrevPos(lf.next)); err != nil {
			return err
		}
	}

	oldNext := lf.next
	lf.entries = left
	lf.next = rightOff
	if err := t.writeLeaf(path); err != nil {
		lf.next = oldNext
		return err
	}

	// Insert the separator: the split leaf keeps its child slot for
	// keys below the separator, the new entry's lt points there and
	// the old slot moves to the right leaf.
	entries := make([]internalEntry, 0, len(parent.entries)+1)
	if childIdx < len(parent.entries) {
		entries = append(entries, parent.entries[:childIdx]...)
		entries = append(entries, internalEntry{Key: sepKey, Child: lf.offset})
		moved := parent.entries[childIdx]
		moved.Child = rightOff
		entries = append(entries, moved)
		entries = append(entries, parent.entries[childIdx+1:]...)
	} else {
		entries = append(entries, parent.entries...)
		entries = append(entries, internalEntry{Key: sepKey, Child: lf.offset})
		parent.gtChild = rightOff
	}
	parent.entries = entries
	return t.writeInternal(path, len(path.ancestors)-1)
}

// writeInternal rewrites ancestor i into its extent, relocating when
// it outgrew it.
func (t *Tree) writeInternal(path *descendPath, i int) error {
	in := path.ancestors[i]
	enc, err := encodeInternalEntries(in.entries, in.gtChild)
	if err != nil {
		return err
	}
	if enc.minSize() <= int(in.length) {
		data, err := enc.serialize(int(in.length))
		if err != nil {
			return err
		}
		return t.writeAt(data, in.offset)
	}
	size := int64(enc.recommendedSize())
	newOff, ok := t.fst.Claim(size)
	if !ok {
		return fmt.Errorf("%w: no free extent of %d bytes for node", ErrTreeFull, size)
	}
	t.noteExtent(newOff, size)
	data, err := enc.serialize(int(size))
	if err != nil {
		return err
	}
	if err := t.writeAt(data, newOff); err != nil {
		return err
	}
	sub := &descendPath{ancestors: path.ancestors[:i], childIdx: path.childIdx[:i]}
	if err := t.patchChildPointer(sub, newOff); err != nil {
		return err
	}
	t.fst.Release(in.offset, int64(in.length))
	in.offset = newOff
	in.length = uint32(size)
	return nil
}

// unlinkLeaf removes an empty leaf from the chain and its parent.
func (t *Tree) unlinkLeaf(lf *leafNode, parent *internalNode, childIdx int) error {
	var p [6]byte
	if lf.prev != NilPtr {
		binio.PutUint48(p[:], lf.next)
		if err := t.writeAt(p[:], leafNextPos(lf.prev)); err != nil {
			return err
		}
	}
	if lf.next != NilPtr {
		binio.PutUint48(p[:], lf.prev)
		if err := t.writeAt(p[:], leafPrevPos(lf.next)); err != nil {
			return err
		}
	}
	if childIdx < len(parent.entries) {
		parent.entries = append(parent.entries[:childIdx], parent.entries[childIdx+1:]...)
	} else {
		// The leaf was the gt child: the last entry's child takes its
		// place and the routing key for it disappears.
		last := len(parent.entries) - 1
		parent.gtChild = parent.entries[last].Child
		parent.entries = parent.entries[:last]
	}
	enc, err := encodeInternalEntries(parent.entries, parent.gtChild)
	if err != nil {
		return err
	}
	data, err := enc.serialize(int(parent.length))
	if err != nil {
		return err
	}
	if err := t.writeAt(data, parent.offset); err != nil {
		return err
	}
	t.fst.Release(lf.offset, int64(lf.length))
	return nil
}
