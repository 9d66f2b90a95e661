package btree

import "sort"

// FreeSpace tracks unused extents inside the tree region so leaves
// can relocate and splits can allocate without growing the file. It
// lives in memory only; a reopened tree starts from the reserved tail
// and rebuild reclaims whatever fragmented away.
type FreeSpace struct {
	extents []extent // sorted by offset, non-adjacent
}

type extent struct {
	off    int64
	length int64
}

// NewFreeSpace returns an empty tracker.
func NewFreeSpace() *FreeSpace { return &FreeSpace{} }

// Free returns the total tracked free bytes.
func (f *FreeSpace) Free() int64 {
	var n int64
	for _, e := range f.extents {
		n += e.length
	}
	return n
}

// Claim takes n bytes from the smallest extent that fits (best fit,
// to keep large extents intact for big relocations). Returns the
// claimed offset, or ok=false if nothing fits.
func (f *FreeSpace) Claim(n int64) (int64, bool) {
	best := -1
	for i, e := range f.extents {
		if e.length < n {
			continue
		}
		if best < 0 || e.length < f.extents[best].length {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	e := &f.extents[best]
	off := e.off
	e.off += n
	e.length -= n
	if e.length == 0 {
		f.extents = append(f.extents[:best], f.extents[best+1:]...)
	}
	return off, true
}

// Release returns an extent to the tracker, coalescing with adjacent
// extents.
func (f *FreeSpace) Release(off, length int64) {
	if length <= 0 {
		return
	}
	i := sort.Search(len(f.extents), func(i int) bool { return f.extents[i].off >= off })
	f.extents = append(f.extents, extent{})
	copy(f.extents[i+1:], f.extents[i:])
	f.extents[i] = extent{off: off, length: length}

	// Merge with the next extent, then with the previous one.
	if i+1 < len(f.extents) && f.extents[i].off+f.extents[i].length == f.extents[i+1].off {
		f.extents[i].length += f.extents[i+1].length
		f.extents = append(f.extents[:i+1], f.extents[i+2:]...)
	}
	if i > 0 && f.extents[i-1].off+f.extents[i-1].length == f.extents[i].off {
		f.extents[i-1].length += f.extents[i].length
		f.extents = append(f.extents[:i], f.extents[i+1:]...)
	}
}
