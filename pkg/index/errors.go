package index

import "errors"

var (
	// ErrUnsupportedFormat means the index file's signature or layout
	// version is not one this code reads. The caller rebuilds the
	// index from the primary store.
	ErrUnsupportedFormat = errors.New("index: unsupported file format")

	// ErrInvalidArgument covers operators an index type does not
	// support and malformed query values.
	ErrInvalidArgument = errors.New("index: invalid argument")

	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("index: closed")
)
