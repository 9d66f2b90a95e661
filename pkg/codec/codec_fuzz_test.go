//go:build fuzz
// +build fuzz

package codec

import (
	"testing"
)

// FuzzDecodeValue checks that arbitrary bytes never panic the value
// decoder and that whatever decodes re-encodes losslessly.
func FuzzDecodeValue(f *testing.F) {
	f.Add(Int(42).EncodeBytes())
	f.Add(String("hello").EncodeBytes())
	f.Add(Array(Int(1), Bool(true)).EncodeBytes())
	f.Add([]byte{0xFF, 0x00, 0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		v, used, err := DecodeValue(data, 0)
		if err != nil {
			return
		}
		if used <= 0 || used > len(data) {
			t.Fatalf("decoded %d bytes from %d", used, len(data))
		}
		again, used2, err := DecodeValue(v.EncodeBytes(), 0)
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if used2 != len(v.EncodeBytes()) || Compare(v, again) != 0 {
			t.Fatalf("round trip mismatch for %v", v)
		}
	})
}

// FuzzDecodeRecordPointer checks the pointer decoder against
// arbitrary input.
func FuzzDecodeRecordPointer(f *testing.F) {
	f.Add(RecordPointer{Wildcards: []string{"u1"}, Key: "p1"}.EncodeBytes())
	f.Add([]byte{3, 1})

	f.Fuzz(func(t *testing.T, data []byte) {
		rp, used, err := DecodeRecordPointer(data, 0)
		if err != nil {
			return
		}
		if used <= 0 || used > len(data) {
			t.Fatalf("decoded %d bytes from %d", used, len(data))
		}
		if !rp.Equal(rp) {
			t.Fatal("pointer not equal to itself")
		}
	})
}
