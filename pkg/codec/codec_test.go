package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	vals := []Value{
		Undefined,
		String(""),
		String("hello"),
		Int(0),
		Int(-42),
		Int(1 << 40),
		Float(3.14159),
		Float(-0.5),
		Bool(true),
		Bool(false),
		Date(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		Binary([]byte{0, 1, 2, 255}),
		Array(Int(1), String("two"), Bool(true)),
	}
	for _, v := range vals {
		b := v.EncodeBytes()
		got, used, err := DecodeValue(b, 0)
		require.NoError(t, err, "decode %v", v.Type)
		assert.Equal(t, len(b), used, "bytes consumed for %v", v.Type)
		assert.Equal(t, 0, Compare(v, got), "round trip %v", v.Type)
		assert.Equal(t, v.Type, got.Type)
	}
}

func TestStringTruncation(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	v := String(string(long))
	assert.Len(t, v.Str, MaxStringBytes)

	b := v.EncodeBytes()
	got, _, err := DecodeValue(b, 0)
	require.NoError(t, err)
	assert.Len(t, got.Str, MaxStringBytes)
}

func TestTotalOrder(t *testing.T) {
	// Ascending under the total order:
	// undefined < boolean < number/date < string < binary.
	ordered := []Value{
		Undefined,
		Bool(false),
		Bool(true),
		Int(-10),
		Float(-1.5),
		Int(0),
		Float(0.5),
		Int(1),
		Date(time.UnixMilli(2000).UTC()),
		Int(3000),
		String(""),
		String("Able"),
		String("able"),
		String("baker"),
		Binary([]byte{0}),
		Binary([]byte{0, 1}),
	}
	for i := 0; i < len(ordered); i++ {
		for j := 0; j < len(ordered); j++ {
			c := Compare(ordered[i], ordered[j])
			switch {
			case i < j:
				assert.Equal(t, -1, c, "%d < %d", i, j)
			case i > j:
				assert.Equal(t, 1, c, "%d > %d", i, j)
			default:
				assert.Equal(t, 0, c)
			}
		}
	}
}

func TestOrderPreservingEncoding(t *testing.T) {
	// For fixed-type, same-sign, equal-length keys the encoded form
	// sorts like the value.
	pairs := [][2]Value{
		{Int(1), Int(2)},
		{Int(100), Int(3000)},
		{String("abc"), String("abd")},
		{Bool(false), Bool(true)},
	}
	for _, p := range pairs {
		assert.Negative(t, Compare(p[0], p[1]))
		assert.Negative(t, bytes.Compare(p[0].EncodeBytes(), p[1].EncodeBytes()))
	}
}

func TestFromAny(t *testing.T) {
	assert.Equal(t, TypeInteger, FromAny(float64(5)).Type, "integral float64 becomes integer")
	assert.Equal(t, int64(5), FromAny(float64(5)).Int)
	assert.Equal(t, TypeFloat, FromAny(5.5).Type)
	assert.Equal(t, TypeString, FromAny("x").Type)
	assert.Equal(t, TypeBoolean, FromAny(true).Type)
	assert.Equal(t, TypeUndefined, FromAny(nil).Type)
	assert.Equal(t, TypeUndefined, FromAny(map[string]any{}).Type)
}

func TestRecordPointerRoundTrip(t *testing.T) {
	cases := []RecordPointer{
		{Wildcards: []string{}, Key: "song1"},
		{Wildcards: []string{"u1"}, Key: "p2"},
		{Wildcards: []string{"a", "b", "c"}, Key: "k"},
	}
	for _, rp := range cases {
		b := rp.EncodeBytes()
		got, used, err := DecodeRecordPointer(b, 0)
		require.NoError(t, err)
		assert.Equal(t, len(b), used)
		assert.True(t, rp.Equal(got))
	}
}

func TestRecordPointerPath(t *testing.T) {
	rp := RecordPointer{Wildcards: []string{"u2"}, Key: "p2"}
	assert.Equal(t, "users/u2/posts/p2", rp.Path("users/*/posts"))

	flat := RecordPointer{Key: "s1"}
	assert.Equal(t, "songs/s1", flat.Path("songs"))
}

func TestTypedMapRoundTrip(t *testing.T) {
	m := TypedMap{
		"type":    String("fulltext"),
		"version": Int(1),
		"cs":      Bool(false),
		"include": StringArray([]string{"title", "year"}),
	}
	var buf bytes.Buffer
	m.Encode(&buf)
	b := buf.Bytes()
	got, used, err := DecodeTypedMap(b, 0)
	require.NoError(t, err)
	assert.Equal(t, len(b), used)
	assert.Equal(t, "fulltext", got.GetString("type"))
	assert.Equal(t, int64(1), got.GetInt("version"))
	assert.False(t, got.GetBool("cs"))
	assert.Equal(t, []string{"title", "year"}, got.GetStrings("include"))
}

func TestFolder(t *testing.T) {
	f := NewFolder("en-US")
	assert.Equal(t, "hello world", f.Fold("Hello WORLD"))

	// Turkish dotless i: locale-aware folding differs from ASCII.
	tr := NewFolder("tr")
	assert.Equal(t, "ı", tr.Fold("I"))

	// Unknown locales fall back instead of failing.
	und := NewFolder("not-a-locale")
	assert.Equal(t, "abc", und.Fold("ABC"))
}
