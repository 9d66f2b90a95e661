// Package store is the primary record store the index layer reads
// from and listens to. Indexes only depend on the Store interface;
// PebbleStore is the shipped implementation.
package store

import (
	"context"
	"errors"

	"github.com/segmentio/ksuid"
)

// ErrNotFound is returned when a path holds no record. The build
// pipeline logs and skips records whose path vanished mid-build.
var ErrNotFound = errors.New("store: path not found")

// NodeType classifies a child node.
type NodeType uint8

const (
	TypeUnknown NodeType = iota
	TypeObject           // record with a stored value
	TypeBranch           // intermediate path level without its own value
)

// ChildInfo describes one child of a path.
type ChildInfo struct {
	Key   string
	Type  NodeType
	Value any // decoded record value for TypeObject, nil for branches
}

// ChildrenOptions filters a GetChildren enumeration.
type ChildrenOptions struct {
	// KeyFilter restricts enumeration to these child keys.
	KeyFilter []string
}

// Store is the read interface the index layer consumes. Enumeration
// is callback-driven so implementations can stream children without
// materializing them; returning an error from fn stops the walk.
type Store interface {
	GetChildren(ctx context.Context, path string, opts ChildrenOptions, fn func(ChildInfo) error) error
	GetValue(ctx context.Context, path string, tid ksuid.KSUID) (any, error)
}

// ChangeEvent notifies indexes of a record mutation. Indexes
// re-derive their projection from both values.
type ChangeEvent struct {
	Path     string
	OldValue any
	NewValue any
}

// Subscriber receives change events.
type Subscriber func(ChangeEvent)

// Watchable is implemented by stores that can push change events.
type Watchable interface {
	Subscribe(Subscriber)
}
