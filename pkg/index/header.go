package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/birchdb/birch/pkg/btree"
	"github.com/birchdb/birch/pkg/codec"
)

// Index file envelope. The header precedes the tree bytes and is
// block-aligned so the tree region starts on a 4096 boundary:
//
//	signature      10 bytes "ACEBASEIDX"
//	layout_version u8
//	header_length  u32  (offset of the tree region)
//	index_info     typed map {type, version, path, key, include, cs, locale}
//	trees_count    u8
//	per tree: name (u8 len + bytes), file_index u32, byte_length u32,
//	          tree_info typed map
//	padding to the next 4096 boundary
const (
	signature     = "ACEBASEIDX"
	layoutVersion = 1
	headerAlign   = 4096
)

// IndexInfo is the persisted identity of an index.
type IndexInfo struct {
	Type          string
	Version       int
	Path          string
	Key           string
	Include       []string
	CaseSensitive bool
	Locale        string
}

// TreeDescriptor locates and describes one tree in the file.
// FileIndex equals the header length for the single "default" tree.
type TreeDescriptor struct {
	Name       string
	FileIndex  uint32
	ByteLength uint32
	Info       codec.TypedMap
}

// Header is the decoded envelope.
type Header struct {
	Length uint32
	Info   IndexInfo
	Trees  []TreeDescriptor
}

// TreeInfoMap packages a tree's runtime facts and configuration into
// the descriptor's typed map.
func TreeInfoMap(info btree.Info, cfg btree.Config) codec.TypedMap {
	return codec.TypedMap{
		"class":    codec.String("BPlusTree"),
		"version":  codec.Int(1),
		"entries":  codec.Int(info.Entries),
		"values":   codec.Int(info.Values),
		"root":     codec.Int(info.Root),
		"epn":      codec.Int(int64(cfg.EntriesPerNode)),
		"ff":       codec.Int(int64(cfg.FillFactor)),
		"metadata": codec.StringArray(cfg.MetadataKeys),
		"unique":   codec.Bool(cfg.Unique),
	}
}

// TreeInfo unpacks what TreeInfoMap packed.
func (d TreeDescriptor) TreeInfo() (btree.Info, btree.Config) {
	info := btree.Info{
		Root:       d.Info.GetInt("root"),
		ByteLength: int64(d.ByteLength),
		Entries:    d.Info.GetInt("entries"),
		Values:     d.Info.GetInt("values"),
	}
	cfg := btree.Config{
		EntriesPerNode: int(d.Info.GetInt("epn")),
		FillFactor:     int(d.Info.GetInt("ff")),
		MetadataKeys:   d.Info.GetStrings("metadata"),
		Unique:         d.Info.GetBool("unique"),
	}
	return info, cfg
}

func (h *Header) infoMap() codec.TypedMap {
	return codec.TypedMap{
		"type":    codec.String(h.Info.Type),
		"version": codec.Int(int64(h.Info.Version)),
		"path":    codec.String(h.Info.Path),
		"key":     codec.String(h.Info.Key),
		"include": codec.StringArray(h.Info.Include),
		"cs":      codec.Bool(h.Info.CaseSensitive),
		"locale":  codec.String(h.Info.Locale),
	}
}

// Encode renders the header, padded to the alignment boundary, and
// fills in h.Length and each tree's FileIndex.
func (h *Header) Encode() ([]byte, error) {
	var body bytes.Buffer
	h.infoMap().Encode(&body)
	body.WriteByte(byte(len(h.Trees)))

	// The tree descriptors reference the final header length, which
	// depends on their own size; sizes are value-independent (ints
	// are fixed-width), so render once with placeholders to measure.
	measure := body.Len()
	for _, tr := range h.Trees {
		measure += 1 + len(tr.Name) + 4 + 4
		var tmp bytes.Buffer
		tr.Info.Encode(&tmp)
		measure += tmp.Len()
	}
	raw := len(signature) + 1 + 4 + measure
	length := (raw + headerAlign - 1) / headerAlign * headerAlign
	h.Length = uint32(length)

	var buf bytes.Buffer
	buf.WriteString(signature)
	buf.WriteByte(layoutVersion)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], h.Length)
	buf.Write(u32[:])
	buf.Write(body.Bytes())
	for i := range h.Trees {
		tr := &h.Trees[i]
		tr.FileIndex = h.Length
		if len(tr.Name) > 255 {
			return nil, fmt.Errorf("index: tree name %q too long", tr.Name)
		}
		buf.WriteByte(byte(len(tr.Name)))
		buf.WriteString(tr.Name)
		binary.BigEndian.PutUint32(u32[:], tr.FileIndex)
		buf.Write(u32[:])
		binary.BigEndian.PutUint32(u32[:], tr.ByteLength)
		buf.Write(u32[:])
		tr.Info.Encode(&buf)
	}
	out := make([]byte, length)
	copy(out, buf.Bytes())
	return out, nil
}

// ReadHeader parses the envelope from the start of an index file.
// Signature or version mismatches surface ErrUnsupportedFormat.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	fixed := make([]byte, len(signature)+1+4)
	if _, err := r.ReadAt(fixed, 0); err != nil {
		return nil, fmt.Errorf("index: read header: %w", err)
	}
	if string(fixed[:len(signature)]) != signature {
		return nil, fmt.Errorf("%w: bad signature", ErrUnsupportedFormat)
	}
	if fixed[len(signature)] != layoutVersion {
		return nil, fmt.Errorf("%w: layout version %d", ErrUnsupportedFormat, fixed[len(signature)])
	}
	h := &Header{Length: binary.BigEndian.Uint32(fixed[len(signature)+1:])}
	if h.Length < uint32(len(fixed)) {
		return nil, fmt.Errorf("%w: header length %d", ErrUnsupportedFormat, h.Length)
	}
	buf := make([]byte, h.Length)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("index: read header: %w", err)
	}
	pos := len(fixed)

	info, used, err := codec.DecodeTypedMap(buf, pos)
	if err != nil {
		return nil, fmt.Errorf("%w: index info: %v", ErrUnsupportedFormat, err)
	}
	pos += used
	h.Info = IndexInfo{
		Type:          info.GetString("type"),
		Version:       int(info.GetInt("version")),
		Path:          info.GetString("path"),
		Key:           info.GetString("key"),
		Include:       info.GetStrings("include"),
		CaseSensitive: info.GetBool("cs"),
		Locale:        info.GetString("locale"),
	}

	if pos >= len(buf) {
		return nil, fmt.Errorf("%w: truncated header", ErrUnsupportedFormat)
	}
	count := int(buf[pos])
	pos++
	for i := 0; i < count; i++ {
		if pos >= len(buf) {
			return nil, fmt.Errorf("%w: truncated tree list", ErrUnsupportedFormat)
		}
		nameLen := int(buf[pos])
		pos++
		if pos+nameLen+8 > len(buf) {
			return nil, fmt.Errorf("%w: truncated tree descriptor", ErrUnsupportedFormat)
		}
		name := string(buf[pos : pos+nameLen])
		pos += nameLen
		fileIndex := binary.BigEndian.Uint32(buf[pos:])
		byteLength := binary.BigEndian.Uint32(buf[pos+4:])
		pos += 8
		treeInfo, used, err := codec.DecodeTypedMap(buf, pos)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %q info: %v", ErrUnsupportedFormat, name, err)
		}
		pos += used
		h.Trees = append(h.Trees, TreeDescriptor{
			Name:       name,
			FileIndex:  fileIndex,
			ByteLength: byteLength,
			Info:       treeInfo,
		})
	}
	return h, nil
}
