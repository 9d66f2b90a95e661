// Package codec encodes and decodes the typed scalar values, record
// pointers, and typed maps that make up tree keys, tree values, and
// the index header.
//
// # Value encoding
//
// A value is a type tag followed by a type-specific payload. All
// multi-byte integers are big-endian:
//
//	UNDEFINED  0  no payload
//	STRING     1  u16 length + UTF-8 bytes (keys truncate to 255 bytes)
//	INTEGER    2  8 bytes two's complement
//	FLOAT      3  8 bytes IEEE-754
//	BOOLEAN    4  1 byte
//	DATE       5  8 bytes, milliseconds since epoch
//	BINARY     6  u16 length + bytes
//	ARRAY      7  u16 count + encoded elements
//
// # Total key order
//
// Compare orders values as the tree does:
//
//	undefined < boolean < number/date < string < binary
//
// Numbers and dates compare numerically across their three encodings.
// Strings compare byte-wise; case-insensitive indexes fold keys with
// a Folder before they reach the tree, so the codec never folds.
//
// # Record pointers
//
// A record pointer locates a record in the primary store from a tree
// value: the concrete values bound to each * of the index path, plus
// the record's own key:
//
//	wildcards_len u8,
//	(wildcard_len u8 + wildcard bytes) per wildcard,
//	key_len u8 + key bytes
package codec
