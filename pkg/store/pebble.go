package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"github.com/segmentio/ksuid"
)

// PebbleStore keeps records in a pebble keyspace, one key per record
// path, values JSON-encoded. Paths nest by "/": a record at
// users/u1/posts/p1 makes u1 a branch child of users.
type PebbleStore struct {
	db *pebble.DB

	mu   sync.RWMutex
	subs []Subscriber
}

// OpenPebble opens (or creates) a store at dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error { return s.db.Close() }

// Subscribe registers fn for change events from SetValue. Events fire
// synchronously in call order so indexes observe a record's changes
// in sequence.
func (s *PebbleStore) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// SetValue writes (or, with a nil value, deletes) the record at path
// and notifies subscribers with the old and new values.
func (s *PebbleStore) SetValue(ctx context.Context, path string, value any) error {
	path = strings.Trim(path, "/")
	if path == "" {
		return fmt.Errorf("store: cannot set the root path")
	}
	old, err := s.GetValue(ctx, path, ksuid.Nil)
	if err != nil && err != ErrNotFound {
		return err
	}
	if value == nil {
		if err := s.db.Delete([]byte(path), pebble.NoSync); err != nil {
			return fmt.Errorf("store: delete %s: %w", path, err)
		}
	} else {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("store: encode %s: %w", path, err)
		}
		if err := s.db.Set([]byte(path), data, pebble.NoSync); err != nil {
			return fmt.Errorf("store: set %s: %w", path, err)
		}
	}

	ev := ChangeEvent{Path: path, OldValue: old, NewValue: value}
	s.mu.RLock()
	subs := append([]Subscriber(nil), s.subs...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

// GetValue fetches the record stored exactly at path. The tid is the
// caller's read-transaction id; pebble snapshots per read, so it is
// accepted for interface fidelity and not consulted.
func (s *PebbleStore) GetValue(ctx context.Context, path string, tid ksuid.KSUID) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = strings.Trim(path, "/")
	data, closer, err := s.db.Get([]byte(path))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", path, err)
	}
	defer closer.Close()
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", path, err)
	}
	return out, nil
}

// GetChildren enumerates the direct children of path in key order.
// Records one level down are yielded with their decoded value; deeper
// records surface their first path segment once, as a branch.
func (s *PebbleStore) GetChildren(ctx context.Context, path string, opts ChildrenOptions, fn func(ChildInfo) error) error {
	path = strings.Trim(path, "/")
	prefix := ""
	if path != "" {
		prefix = path + "/"
	}
	var filter map[string]struct{}
	if opts.KeyFilter != nil {
		filter = make(map[string]struct{}, len(opts.KeyFilter))
		for _, k := range opts.KeyFilter {
			filter[k] = struct{}{}
		}
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return fmt.Errorf("store: iterate %s: %w", path, err)
	}
	defer iter.Close()

	lastSeg := ""
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rest := strings.TrimPrefix(string(iter.Key()), prefix)
		seg, deeper := rest, false
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			seg, deeper = rest[:i], true
		}
		if filter != nil {
			if _, ok := filter[seg]; !ok {
				continue
			}
		}
		if deeper {
			// A path that is both a record and a branch counts once.
			if seg == lastSeg {
				continue
			}
			lastSeg = seg
			if err := fn(ChildInfo{Key: seg, Type: TypeBranch}); err != nil {
				return err
			}
			continue
		}
		lastSeg = seg
		var val any
		if err := json.Unmarshal(iter.Value(), &val); err != nil {
			return fmt.Errorf("store: decode %s: %w", iter.Key(), err)
		}
		if err := fn(ChildInfo{Key: seg, Type: TypeObject, Value: val}); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("store: iterate %s: %w", path, err)
	}
	return nil
}
