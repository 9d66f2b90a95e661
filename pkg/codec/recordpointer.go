package codec

import (
	"bytes"
	"fmt"

	"github.com/birchdb/birch/pkg/pathutil"
)

// RecordPointer locates a record in the primary store from inside a
// tree value: the concrete values bound to each * in the index path,
// plus the child key of the record itself.
type RecordPointer struct {
	Wildcards []string
	Key       string
}

// Encode appends the pointer's on-disk form:
// wildcards_len u8, (len u8 + bytes) per wildcard, key_len u8 + key.
func (rp RecordPointer) Encode(buf *bytes.Buffer) {
	buf.WriteByte(byte(len(rp.Wildcards)))
	for _, w := range rp.Wildcards {
		buf.WriteByte(byte(len(w)))
		buf.WriteString(w)
	}
	buf.WriteByte(byte(len(rp.Key)))
	buf.WriteString(rp.Key)
}

// EncodeBytes returns the pointer's on-disk form as a fresh slice.
func (rp RecordPointer) EncodeBytes() []byte {
	var buf bytes.Buffer
	rp.Encode(&buf)
	return buf.Bytes()
}

// DecodeRecordPointer decodes one record pointer from b starting at
// off, returning it and the number of bytes consumed.
func DecodeRecordPointer(b []byte, off int) (RecordPointer, int, error) {
	start := off
	if off >= len(b) {
		return RecordPointer{}, 0, fmt.Errorf("codec: record pointer at %d: truncated", start)
	}
	n := int(b[off])
	off++
	wildcards := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if off >= len(b) {
			return RecordPointer{}, 0, fmt.Errorf("codec: record pointer wildcard %d: truncated", i)
		}
		l := int(b[off])
		off++
		if off+l > len(b) {
			return RecordPointer{}, 0, fmt.Errorf("codec: record pointer wildcard %d: truncated", i)
		}
		wildcards = append(wildcards, string(b[off:off+l]))
		off += l
	}
	if off >= len(b) {
		return RecordPointer{}, 0, fmt.Errorf("codec: record pointer key: truncated")
	}
	l := int(b[off])
	off++
	if off+l > len(b) {
		return RecordPointer{}, 0, fmt.Errorf("codec: record pointer key: truncated")
	}
	rp := RecordPointer{Wildcards: wildcards, Key: string(b[off : off+l])}
	return rp, off + l - start, nil
}

// Path substitutes the pointer's wildcard bindings into indexPath and
// appends the child key, yielding the record's absolute path.
func (rp RecordPointer) Path(indexPath string) string {
	filled := pathutil.Parse(indexPath).Fill(rp.Wildcards)
	return pathutil.ChildPath(filled, rp.Key)
}

// Equal reports whether two pointers identify the same record.
func (rp RecordPointer) Equal(other RecordPointer) bool {
	if rp.Key != other.Key || len(rp.Wildcards) != len(other.Wildcards) {
		return false
	}
	for i := range rp.Wildcards {
		if rp.Wildcards[i] != other.Wildcards[i] {
			return false
		}
	}
	return true
}
