package codec

import (
	"bytes"
	"fmt"
	"sort"
)

// TypedMap is the string-keyed map of Values used by the index header
// for index info and per-tree descriptors.
//
// Layout: count u8, then per entry key_len u8 + key bytes followed by
// an encoded Value. Entries are written in sorted key order so the
// header bytes are deterministic.
type TypedMap map[string]Value

// Encode appends the map's on-disk form.
func (m TypedMap) Encode(buf *bytes.Buffer) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte(byte(len(keys)))
	for _, k := range keys {
		buf.WriteByte(byte(len(k)))
		buf.WriteString(k)
		m[k].Encode(buf)
	}
}

// DecodeTypedMap decodes one map from b starting at off, returning it
// and the number of bytes consumed.
func DecodeTypedMap(b []byte, off int) (TypedMap, int, error) {
	start := off
	if off >= len(b) {
		return nil, 0, fmt.Errorf("codec: typed map at %d: truncated", start)
	}
	n := int(b[off])
	off++
	m := make(TypedMap, n)
	for i := 0; i < n; i++ {
		if off >= len(b) {
			return nil, 0, fmt.Errorf("codec: typed map key %d: truncated", i)
		}
		l := int(b[off])
		off++
		if off+l > len(b) {
			return nil, 0, fmt.Errorf("codec: typed map key %d: truncated", i)
		}
		k := string(b[off : off+l])
		off += l
		v, used, err := DecodeValue(b, off)
		if err != nil {
			return nil, 0, fmt.Errorf("codec: typed map value %q: %w", k, err)
		}
		m[k] = v
		off += used
	}
	return m, off - start, nil
}

// GetString returns the string value for key, or "" if absent or not
// a string.
func (m TypedMap) GetString(key string) string {
	if v, ok := m[key]; ok && v.Type == TypeString {
		return v.Str
	}
	return ""
}

// GetInt returns the integer value for key, or 0.
func (m TypedMap) GetInt(key string) int64 {
	if v, ok := m[key]; ok {
		switch v.Type {
		case TypeInteger:
			return v.Int
		case TypeFloat:
			return int64(v.Float)
		}
	}
	return 0
}

// GetBool returns the boolean value for key, or false.
func (m TypedMap) GetBool(key string) bool {
	if v, ok := m[key]; ok && v.Type == TypeBoolean {
		return v.Bool
	}
	return false
}

// GetStrings returns the array value for key as strings.
func (m TypedMap) GetStrings(key string) []string {
	v, ok := m[key]
	if !ok || v.Type != TypeArray {
		return nil
	}
	out := make([]string, 0, len(v.Arr))
	for _, e := range v.Arr {
		if e.Type == TypeString {
			out = append(out, e.Str)
		}
	}
	return out
}

// StringArray builds an array Value from strings.
func StringArray(ss []string) Value {
	arr := make([]Value, 0, len(ss))
	for _, s := range ss {
		arr = append(arr, String(s))
	}
	return Value{Type: TypeArray, Arr: arr}
}
