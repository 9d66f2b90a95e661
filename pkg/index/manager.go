package index

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/birchdb/birch/pkg/pathutil"
	"github.com/birchdb/birch/pkg/store"
)

// Manager tracks the live indexes of a data directory, routes change
// events from the primary store to them, and owns create/open/drop.
type Manager struct {
	store   store.Store
	dataDir string

	mu      sync.RWMutex
	indexes []*Index
}

// NewManager creates a manager over dataDir. If the store pushes
// change events, every managed index receives them.
func NewManager(s store.Store, dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("index: create data dir: %w", err)
	}
	m := &Manager{store: s, dataDir: dataDir}
	if w, ok := s.(store.Watchable); ok {
		w.Subscribe(m.handleChange)
	}
	return m, nil
}

func (m *Manager) handleChange(ev store.ChangeEvent) {
	m.mu.RLock()
	indexes := append([]*Index(nil), m.indexes...)
	m.mu.RUnlock()
	for _, idx := range indexes {
		if err := idx.HandleRecordUpdate(ev.Path, ev.OldValue, ev.NewValue); err != nil {
			log.Printf("index: %s: apply change at %s: %v", idx.Description(), ev.Path, err)
		}
	}
}

// CreateIndex creates and builds a new index.
func (m *Manager) CreateIndex(ctx context.Context, path, key string, opts Options) (*Index, error) {
	if existing := m.Find(path, key); existing != nil {
		return existing, nil
	}
	idx, err := NewIndex(m.store, m.dataDir, path, key, opts)
	if err != nil {
		return nil, err
	}
	if err := idx.Build(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.indexes = append(m.indexes, idx)
	m.mu.Unlock()
	return idx, nil
}

// OpenAll attaches every index file found in the data directory.
func (m *Manager) OpenAll() error {
	matches, err := filepath.Glob(filepath.Join(m.dataDir, "*.idx"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		idx, err := OpenIndex(m.store, m.dataDir, filepath.Base(path))
		if err != nil {
			log.Printf("index: skip %s: %v", filepath.Base(path), err)
			continue
		}
		m.mu.Lock()
		m.indexes = append(m.indexes, idx)
		m.mu.Unlock()
	}
	return nil
}

// List returns the managed indexes.
func (m *Manager) List() []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Index(nil), m.indexes...)
}

// Find returns the index on (path, key), or nil.
func (m *Manager) Find(path, key string) *Index {
	normalized := pathutil.Parse(path).Path()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.indexes {
		if idx.info.Path == normalized && idx.info.Key == key {
			return idx
		}
	}
	return nil
}

// FindFor returns all indexes whose path matches path, whatever key
// they index.
func (m *Manager) FindFor(path string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Index
	for _, idx := range m.indexes {
		if idx.path.Matches(pathutil.Parse(path).Path()) {
			out = append(out, idx)
		}
	}
	return out
}

// DropIndex removes an index and its files.
func (m *Manager) DropIndex(path, key string) error {
	idx := m.Find(path, key)
	if idx == nil {
		return fmt.Errorf("index: no index on %s/%s", path, key)
	}
	if err := idx.Drop(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.indexes {
		if cur == idx {
			m.indexes = append(m.indexes[:i], m.indexes[i+1:]...)
			break
		}
	}
	return nil
}

// Close closes every index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, idx := range m.indexes {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.indexes = nil
	return first
}
