package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/codec"
)

// On-disk node layout. All offsets are relative to the tree region
// start; all integers big-endian.
//
//	node:      byte_length u32, flags u8, payload, free_space
//	internal:  entries_count u8,
//	           entry[count] { key, lt_child u48 },
//	           gt_child u48
//	leaf:      leaf_flags u8, free_byte_length u32,
//	           prev_leaf u48, next_leaf u48,
//	           [ ext_byte_length u32, ext_free_len u32 ]  if has_ext,
//	           entries_count u8,
//	           entry[count] { key, val_length u32, values | ext_ptr u32 },
//	           free_space,
//	           [ ext_data ]                               if has_ext
//
// byte_length covers the whole extent including free space and the
// ext region. val_length's top bit marks an ext entry: the values
// block then lives in the ext region at ext_ptr (relative to the ext
// region start, which is byte_length-ext_byte_length from node
// start). values block: values_count u32, then per value
// value_length u8 + record-pointer bytes + one encoded metadata value
// per configured metadata key.
const (
	flagIsLeaf   = 0x01
	leafFlagExt  = 0x01
	entryExtBit  = uint32(1) << 31
	leafHdrSize  = 22 // byte_length..next_leaf
	extHdrSize   = 8  // ext_byte_length + ext_free_len
	nodeSlackPct = 10 // free tail within nodes
	extSlackPct  = 20 // free tail within ext regions

	// extValueLimit is the small-leaf threshold: a values block larger
	// than this moves to the leaf's ext region.
	extValueLimit = 512
)

type internalEntry struct {
	Key    codec.Value
	Child  int64
	ptrPos int64 // region-relative position of the 6-byte pointer
}

type internalNode struct {
	offset  int64
	length  uint32
	entries []internalEntry
	gtChild int64
	gtPos   int64
}

type leafNode struct {
	offset    int64
	length    uint32
	extLength uint32
	extFree   uint32
	prev      int64
	next      int64
	entries   []Entry
}

func leafPrevPos(off int64) int64 { return off + 10 }
func leafNextPos(off int64) int64 { return off + 16 }

// readNode parses the node at off. Exactly one of the results is
// non-nil.
func (t *Tree) readNode(r *binio.Reader, off int64) (*leafNode, *internalNode, error) {
	r.Go(off)
	length, err := r.GetUint32()
	if err != nil {
		return nil, nil, fmt.Errorf("btree: node at %d: %w", off, err)
	}
	raw, err := r.Get(int(length) - 4)
	if err != nil {
		return nil, nil, fmt.Errorf("btree: node at %d (%d bytes): %w", off, length, err)
	}
	flags := raw[0]
	body := raw[1:]
	if flags&flagIsLeaf != 0 {
		lf, err := t.parseLeaf(off, length, body)
		return lf, nil, err
	}
	in, err := t.parseInternal(off, length, body)
	return nil, in, err
}

func (t *Tree) parseInternal(off int64, length uint32, body []byte) (*internalNode, error) {
	in := &internalNode{offset: off, length: length}
	count := int(body[0])
	pos := 1
	for i := 0; i < count; i++ {
		key, used, err := codec.DecodeValue(body, pos)
		if err != nil {
			return nil, fmt.Errorf("btree: internal at %d entry %d: %w", off, i, err)
		}
		pos += used
		if pos+6 > len(body) {
			return nil, fmt.Errorf("btree: internal at %d entry %d: truncated pointer", off, i)
		}
		in.entries = append(in.entries, internalEntry{
			Key:    key,
			Child:  binio.Uint48(body[pos : pos+6]),
			ptrPos: off + 5 + int64(pos),
		})
		pos += 6
	}
	if pos+6 > len(body) {
		return nil, fmt.Errorf("btree: internal at %d: truncated gt pointer", off)
	}
	in.gtChild = binio.Uint48(body[pos : pos+6])
	in.gtPos = off + 5 + int64(pos)
	return in, nil
}

func (t *Tree) parseLeaf(off int64, length uint32, body []byte) (*leafNode, error) {
	lf := &leafNode{offset: off, length: length}
	leafFlags := body[0]
	pos := 1
	pos += 4 // free_byte_length, recomputed on every rewrite
	lf.prev = binio.Uint48(body[pos : pos+6])
	pos += 6
	lf.next = binio.Uint48(body[pos : pos+6])
	pos += 6
	hasExt := leafFlags&leafFlagExt != 0
	if hasExt {
		lf.extLength = binary.BigEndian.Uint32(body[pos:])
		lf.extFree = binary.BigEndian.Uint32(body[pos+4:])
		pos += 8
	}
	// The ext region occupies the extent tail.
	extStart := int(length) - 5 - int(lf.extLength) // relative to body
	count := int(body[pos])
	pos++
	for i := 0; i < count; i++ {
		key, used, err := codec.DecodeValue(body, pos)
		if err != nil {
			return nil, fmt.Errorf("btree: leaf at %d entry %d: %w", off, i, err)
		}
		pos += used
		if pos+4 > len(body) {
			return nil, fmt.Errorf("btree: leaf at %d entry %d: truncated length", off, i)
		}
		rawLen := binary.BigEndian.Uint32(body[pos:])
		pos += 4
		blockLen := int(rawLen &^ entryExtBit)
		var block []byte
		if rawLen&entryExtBit != 0 {
			if !hasExt || pos+4 > len(body) {
				return nil, fmt.Errorf("btree: leaf at %d entry %d: bad ext reference", off, i)
			}
			extPtr := int(binary.BigEndian.Uint32(body[pos:]))
			pos += 4
			s := extStart + extPtr
			if s < 0 || s+blockLen > len(body) {
				return nil, fmt.Errorf("btree: leaf at %d entry %d: ext block out of range", off, i)
			}
			block = body[s : s+blockLen]
		} else {
			if pos+blockLen > len(body) {
				return nil, fmt.Errorf("btree: leaf at %d entry %d: truncated values", off, i)
			}
			block = body[pos : pos+blockLen]
			pos += blockLen
		}
		values, err := t.decodeValuesBlock(block)
		if err != nil {
			return nil, fmt.Errorf("btree: leaf at %d entry %d: %w", off, i, err)
		}
		lf.entries = append(lf.entries, Entry{Key: key, Values: values})
	}
	return lf, nil
}

func (t *Tree) decodeValuesBlock(block []byte) ([]LeafValue, error) {
	if t.cfg.Unique {
		v, _, err := t.decodeValue(block, 0)
		if err != nil {
			return nil, err
		}
		return []LeafValue{v}, nil
	}
	if len(block) < 4 {
		return nil, fmt.Errorf("truncated values block")
	}
	count := int(binary.BigEndian.Uint32(block))
	pos := 4
	values := make([]LeafValue, 0, count)
	for i := 0; i < count; i++ {
		v, used, err := t.decodeValue(block, pos)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		pos += used
	}
	return values, nil
}

func (t *Tree) decodeValue(b []byte, pos int) (LeafValue, int, error) {
	return DecodeLeafValue(b, pos, len(t.cfg.MetadataKeys))
}

// DecodeLeafValue decodes one serialized leaf value (record-pointer
// length, pointer bytes, metaCount metadata values) from b at pos.
// The build pipeline shares this form in its run files.
func DecodeLeafValue(b []byte, pos, metaCount int) (LeafValue, int, error) {
	start := pos
	if pos >= len(b) {
		return LeafValue{}, 0, fmt.Errorf("truncated value")
	}
	rpLen := int(b[pos])
	pos++
	if pos+rpLen > len(b) {
		return LeafValue{}, 0, fmt.Errorf("truncated record pointer")
	}
	rp := make([]byte, rpLen)
	copy(rp, b[pos:pos+rpLen])
	pos += rpLen
	meta := make([]codec.Value, 0, metaCount)
	for i := 0; i < metaCount; i++ {
		v, used, err := codec.DecodeValue(b, pos)
		if err != nil {
			return LeafValue{}, 0, err
		}
		meta = append(meta, v)
		pos += used
	}
	return LeafValue{RecordPointer: rp, Metadata: meta}, pos - start, nil
}

// EncodeLeafValue appends the serialized form read by DecodeLeafValue.
func EncodeLeafValue(buf *bytes.Buffer, v LeafValue) {
	buf.WriteByte(byte(len(v.RecordPointer)))
	buf.Write(v.RecordPointer)
	for _, m := range v.Metadata {
		m.Encode(buf)
	}
}

func encodeValue(buf *bytes.Buffer, v LeafValue) { EncodeLeafValue(buf, v) }

func encodeValuesBlock(e Entry, unique bool) []byte {
	var buf bytes.Buffer
	if !unique {
		var c [4]byte
		binary.BigEndian.PutUint32(c[:], uint32(len(e.Values)))
		buf.Write(c[:])
	}
	for _, v := range e.Values {
		encodeValue(&buf, v)
	}
	return buf.Bytes()
}

// encodedLeaf is a leaf laid out for writing, before the extent size
// is fixed.
type encodedLeaf struct {
	entryBytes []byte // entries_count + entries, ext ptrs pre-resolved
	extBytes   []byte // concatenated ext blocks
	hasExt     bool
}

func encodeLeafEntries(entries []Entry, unique bool) (*encodedLeaf, error) {
	if len(entries) > MaxEntriesPerNode {
		return nil, fmt.Errorf("btree: %d entries exceed node maximum", len(entries))
	}
	out := &encodedLeaf{}
	var buf bytes.Buffer
	buf.WriteByte(byte(len(entries)))
	for _, e := range entries {
		block := encodeValuesBlock(e, unique)
		e.Key.Encode(&buf)
		var l [4]byte
		if len(block) > extValueLimit {
			out.hasExt = true
			binary.BigEndian.PutUint32(l[:], uint32(len(block))|entryExtBit)
			buf.Write(l[:])
			var p [4]byte
			binary.BigEndian.PutUint32(p[:], uint32(len(out.extBytes)))
			buf.Write(p[:])
			out.extBytes = append(out.extBytes, block...)
		} else {
			binary.BigEndian.PutUint32(l[:], uint32(len(block)))
			buf.Write(l[:])
			buf.Write(block)
		}
	}
	out.entryBytes = buf.Bytes()
	return out, nil
}

func (e *encodedLeaf) minSize() int {
	n := leafHdrSize + len(e.entryBytes) + len(e.extBytes)
	if e.hasExt {
		n += extHdrSize
	}
	return n
}

// recommendedSize pads the minimal size with growth slack: ~10% of the
// node payload, ~20% of the ext payload.
func (e *encodedLeaf) recommendedSize() int {
	n := e.minSize()
	slack := len(e.entryBytes) * nodeSlackPct / 100
	if slack < 32 {
		slack = 32
	}
	n += slack
	if e.hasExt {
		extSlack := len(e.extBytes) * extSlackPct / 100
		if extSlack < 64 {
			extSlack = 64
		}
		n += extSlack
	}
	return n
}

// serialize lays the leaf out in an extent of exactly length bytes.
// Fails if the extent is too small.
func (e *encodedLeaf) serialize(length int, prev, next int64) ([]byte, error) {
	if length < e.minSize() {
		return nil, fmt.Errorf("btree: leaf needs %d bytes, extent holds %d", e.minSize(), length)
	}
	leftover := length - e.minSize()
	extFree := 0
	if e.hasExt {
		extFree = len(e.extBytes) * extSlackPct / 100
		if extFree > leftover {
			extFree = leftover
		}
	}
	free := leftover - extFree
	extRegion := len(e.extBytes) + extFree

	out := make([]byte, length)
	binary.BigEndian.PutUint32(out[0:], uint32(length))
	out[4] = flagIsLeaf
	if e.hasExt {
		out[5] = leafFlagExt
	}
	binary.BigEndian.PutUint32(out[6:], uint32(free))
	binio.PutUint48(out[10:], prev)
	binio.PutUint48(out[16:], next)
	pos := leafHdrSize
	if e.hasExt {
		binary.BigEndian.PutUint32(out[pos:], uint32(extRegion))
		binary.BigEndian.PutUint32(out[pos+4:], uint32(extFree))
		pos += extHdrSize
	}
	copy(out[pos:], e.entryBytes)
	if e.hasExt {
		copy(out[length-extRegion:], e.extBytes)
	}
	return out, nil
}

// encodedInternal is an internal node laid out for writing.
type encodedInternal struct {
	body []byte // entries_count + entries + gt pointer
}

func encodeInternalEntries(entries []internalEntry, gtChild int64) (*encodedInternal, error) {
	if len(entries) > MaxEntriesPerNode {
		return nil, fmt.Errorf("btree: %d entries exceed node maximum", len(entries))
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(len(entries)))
	var p [6]byte
	for _, e := range entries {
		e.Key.Encode(&buf)
		binio.PutUint48(p[:], e.Child)
		buf.Write(p[:])
	}
	binio.PutUint48(p[:], gtChild)
	buf.Write(p[:])
	return &encodedInternal{body: buf.Bytes()}, nil
}

func (e *encodedInternal) minSize() int { return 5 + len(e.body) }

func (e *encodedInternal) recommendedSize() int {
	slack := len(e.body) * nodeSlackPct / 100
	if slack < 32 {
		slack = 32
	}
	return e.minSize() + slack
}

func (e *encodedInternal) serialize(length int) ([]byte, error) {
	if length < e.minSize() {
		return nil, fmt.Errorf("btree: internal node needs %d bytes, extent holds %d", e.minSize(), length)
	}
	out := make([]byte, length)
	binary.BigEndian.PutUint32(out[0:], uint32(length))
	out[4] = 0
	copy(out[5:], e.body)
	return out, nil
}
