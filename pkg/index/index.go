// Package index implements persistent secondary indexes over the
// primary record store: one on-disk B+ tree per index, wrapped in a
// signed header, kept current through change events and built from
// scratch by an external merge-sort pipeline.
package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/btree"
	"github.com/birchdb/birch/pkg/codec"
	"github.com/birchdb/birch/pkg/pathutil"
	"github.com/birchdb/birch/pkg/store"
)

// SelfKey is the key sentinel meaning "index the child's own name"
// instead of one of its fields.
const SelfKey = "{key}"

// Options configures a new index.
type Options struct {
	Type          string // "normal" (default), "array", "fulltext", "geo"
	Include       []string
	CaseSensitive bool
	Locale        string

	EntriesPerNode int
	FillFactor     int
	CacheTTL       time.Duration
	CacheCapacity  int
	// BuildBatchSize caps how many records stage B of the build
	// pipeline holds in memory before spilling a run file.
	BuildBatchSize int
}

func (o Options) normalized() Options {
	if o.Type == "" {
		o.Type = "normal"
	}
	if o.Locale == "" {
		o.Locale = "en"
	}
	if o.FillFactor <= 0 {
		o.FillFactor = 95
	}
	if o.BuildBatchSize <= 0 {
		o.BuildBatchSize = DefaultBuildBatchSize
	}
	return o
}

// QueryOptions tunes a single query.
type QueryOptions struct {
	// Filter intersects results with a previous result set by record
	// pointer, without changing how the tree is read.
	Filter []QueryResult
}

// QueryResult is one matched record.
type QueryResult struct {
	Key      string         // child key of the record
	Path     string         // absolute record path
	Value    any            // indexed value that matched
	Metadata map[string]any // include fields (and index-specific meta)

	rp []byte // encoded record pointer, for filter intersection
}

// Index is one persisted secondary index.
type Index struct {
	store   store.Store
	dataDir string
	info    IndexInfo
	path    *pathutil.PathInfo
	strat   strategy
	folder  *codec.Folder
	opts    Options
	treeCfg btree.Config

	locks *queueLock
	cache *queryCache

	mu     sync.Mutex // guards file handle, tree, closed
	file   *os.File
	tree   *btree.Tree
	closed bool
}

// NewIndex describes an index on path/key. The index file is not
// touched until Build or the first query; use OpenIndex for an
// existing file.
func NewIndex(s store.Store, dataDir, path, key string, opts Options) (*Index, error) {
	opts = opts.normalized()
	strat, err := strategyFor(opts.Type)
	if err != nil {
		return nil, err
	}
	info := IndexInfo{
		Type:          opts.Type,
		Version:       1,
		Path:          pathutil.Parse(path).Path(),
		Key:           key,
		Include:       opts.Include,
		CaseSensitive: opts.CaseSensitive,
		Locale:        opts.Locale,
	}
	return newIndex(s, dataDir, info, strat, opts)
}

// OpenIndex opens an existing index file and validates its envelope.
func OpenIndex(s store.Store, dataDir, fileName string) (*Index, error) {
	f, err := os.Open(filepath.Join(dataDir, fileName))
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", fileName, err)
	}
	h, err := ReadHeader(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	strat, err := strategyFor(h.Info.Type)
	if err != nil {
		return nil, err
	}
	opts := Options{
		Type:          h.Info.Type,
		Include:       h.Info.Include,
		CaseSensitive: h.Info.CaseSensitive,
		Locale:        h.Info.Locale,
	}.normalized()
	return newIndex(s, dataDir, h.Info, strat, opts)
}

func newIndex(s store.Store, dataDir string, info IndexInfo, strat strategy, opts Options) (*Index, error) {
	idx := &Index{
		store:   s,
		dataDir: dataDir,
		info:    info,
		path:    pathutil.Parse(info.Path),
		strat:   strat,
		folder:  codec.NewFolder(info.Locale),
		opts:    opts,
		locks:   newQueueLock(),
		cache:   newQueryCache(opts.CacheTTL, opts.CacheCapacity),
	}
	idx.treeCfg = btree.Config{
		EntriesPerNode: opts.EntriesPerNode,
		FillFactor:     opts.FillFactor,
		MetadataKeys:   strat.metadataKeys(info.Include),
	}
	return idx, nil
}

// Description renders the index for log and error messages.
func (idx *Index) Description() string {
	return fmt.Sprintf("%s index on %s/%s", idx.info.Type, idx.info.Path, idx.info.Key)
}

// Type returns the index type name.
func (idx *Index) Type() string { return idx.info.Type }

// Path returns the indexed path (possibly with wildcards).
func (idx *Index) Path() string { return idx.info.Path }

// Key returns the indexed key, or the SelfKey sentinel.
func (idx *Index) Key() string { return idx.info.Key }

// FileName returns the index file's base name.
func (idx *Index) FileName() string {
	p := strings.ReplaceAll(idx.info.Path, "/", "-")
	p = strings.ReplaceAll(p, "*", "#")
	return fmt.Sprintf("%s-%s.idx", p, idx.info.Key)
}

func (idx *Index) filePath() string {
	return filepath.Join(idx.dataDir, idx.FileName())
}

// Exists reports whether the index file is on disk.
func (idx *Index) Exists() bool {
	_, err := os.Stat(idx.filePath())
	return err == nil
}

// Close releases the tree handle. Further operations fail with
// ErrClosed.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.closed = true
	return idx.closeFileLocked()
}

func (idx *Index) closeFileLocked() error {
	idx.tree = nil
	if idx.file != nil {
		err := idx.file.Close()
		idx.file = nil
		return err
	}
	return nil
}

// Drop closes the index and deletes its file and any scratch files.
func (idx *Index) Drop() error {
	if err := idx.Close(); err != nil {
		return err
	}
	base := idx.filePath()
	for _, name := range []string{base, base + ".tmp", base + ".build", base + ".build.merge"} {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	matches, _ := filepath.Glob(base + ".build.*")
	for _, m := range matches {
		os.Remove(m)
	}
	return nil
}

// ensureOpen opens the index file and attaches the tree. Callers hold
// the appropriate index lock.
func (idx *Index) ensureOpen() (*btree.Tree, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil, ErrClosed
	}
	if idx.tree != nil {
		return idx.tree, nil
	}
	f, err := os.OpenFile(idx.filePath(), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("index: open %s (build it first?): %w", idx.FileName(), err)
	}
	h, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if len(h.Trees) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: no tree descriptors", ErrUnsupportedFormat)
	}
	info, cfg := h.Trees[0].TreeInfo()
	idx.treeCfg = cfg
	idx.file = f
	idx.tree = btree.Open(f, int64(h.Length), fi.Size()-int64(h.Length), info, cfg)
	return idx.tree, nil
}

// toKey converts a native value into a tree key, folding strings for
// case-insensitive indexes.
func (idx *Index) toKey(v any) codec.Value {
	kv := codec.FromAny(v)
	if kv.Type == codec.TypeString && !idx.info.CaseSensitive {
		kv = codec.String(idx.folder.Fold(kv.Str))
	}
	return kv
}

// metaValues extracts the include fields from a record value, in
// include order.
func (idx *Index) metaValues(value any) []codec.Value {
	out := make([]codec.Value, 0, len(idx.info.Include))
	m, _ := value.(map[string]any)
	for _, k := range idx.info.Include {
		if m == nil {
			out = append(out, codec.Undefined)
			continue
		}
		out = append(out, codec.FromAny(m[k]))
	}
	return out
}

// Query runs op against the index and returns matching records in
// key order. Results come from the per-index cache when the same
// query ran within the TTL and no mutation intervened.
func (idx *Index) Query(ctx context.Context, op string, val any, qopts *QueryOptions) ([]QueryResult, error) {
	if qopts == nil {
		qopts = &QueryOptions{}
	}
	if !idx.strat.supports(op) {
		return nil, fmt.Errorf("%w: operator %q not supported by %s", ErrInvalidArgument, op, idx.Description())
	}
	metricQueries.WithLabelValues(idx.info.Type, op).Inc()

	var key uint64
	cacheable := qopts.Filter == nil
	if cacheable {
		key = cacheKey(op, val)
		if results, ok := idx.cache.Get(key); ok {
			metricCacheHits.Inc()
			return results, nil
		}
		metricCacheMisses.Inc()
	}

	idx.locks.RLock()
	defer idx.locks.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := idx.ensureOpen(); err != nil {
		return nil, err
	}

	filter := filterPointers(qopts.Filter)
	results, handled, err := idx.strat.query(ctx, idx, op, val, filter)
	if err != nil {
		return nil, err
	}
	if !handled {
		results, err = idx.searchTree(op, val, filter)
		if err != nil {
			return nil, err
		}
	}
	if cacheable {
		idx.cache.Put(key, results)
	}
	return results, nil
}

// Count returns how many record values match op.
func (idx *Index) Count(ctx context.Context, op string, val any) (int64, error) {
	results, err := idx.Query(ctx, op, val, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(results)), nil
}

// Take paginates the index in key order: skip values, then collect up
// to take.
func (idx *Index) Take(ctx context.Context, skip, take int, ascending bool) ([]QueryResult, error) {
	idx.locks.RLock()
	defer idx.locks.RUnlock()
	tree, err := idx.ensureOpen()
	if err != nil {
		return nil, err
	}
	var next func() (*btree.Entry, error)
	if ascending {
		c := tree.NewCursor()
		next = c.Next
	} else {
		c := tree.NewReverseCursor()
		next = c.Next
	}
	results := make([]QueryResult, 0, take)
	for len(results) < take {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		for _, v := range e.Values {
			if skip > 0 {
				skip--
				continue
			}
			if len(results) == take {
				break
			}
			qr, err := idx.toResult(e.Key, v)
			if err != nil {
				return nil, err
			}
			results = append(results, qr)
		}
	}
	return results, nil
}

// searchTree is the generic operator path: translate the query value,
// search the tree, decode matches.
func (idx *Index) searchTree(op string, val any, filter [][]byte) ([]QueryResult, error) {
	tree, err := idx.ensureOpen()
	if err != nil {
		return nil, err
	}
	translated, err := idx.translateValue(op, val)
	if err != nil {
		return nil, err
	}
	var sopts *btree.SearchOptions
	if filter != nil {
		sopts = &btree.SearchOptions{Filter: filter}
	}
	sr, err := tree.Search(op, translated, sopts)
	if err != nil {
		return nil, err
	}
	return idx.decodeResults(sr)
}

func (idx *Index) translateValue(op string, val any) (any, error) {
	switch op {
	case btree.OpBetween, btree.OpNotBetween:
		bounds, ok := val.([]any)
		if !ok || len(bounds) != 2 {
			return nil, fmt.Errorf("%w: %s expects two boundary values", ErrInvalidArgument, op)
		}
		return [2]codec.Value{idx.toKey(bounds[0]), idx.toKey(bounds[1])}, nil
	case btree.OpIn, btree.OpNotIn:
		vals, ok := val.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a value list", ErrInvalidArgument, op)
		}
		keys := make([]codec.Value, 0, len(vals))
		for _, v := range vals {
			keys = append(keys, idx.toKey(v))
		}
		return keys, nil
	case btree.OpLike, btree.OpNotLike:
		pattern, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a string pattern", ErrInvalidArgument, op)
		}
		if !idx.info.CaseSensitive {
			pattern = idx.folder.Fold(pattern)
		}
		return pattern, nil
	case btree.OpMatches, btree.OpNotMatches:
		return compileRegex(val)
	case btree.OpExists, btree.OpNotExists:
		return nil, nil
	default:
		return idx.toKey(val), nil
	}
}

func (idx *Index) decodeResults(sr *btree.SearchResult) ([]QueryResult, error) {
	results := make([]QueryResult, 0, sr.ValueCount)
	for _, e := range sr.Entries {
		for _, v := range e.Values {
			qr, err := idx.toResult(e.Key, v)
			if err != nil {
				return nil, err
			}
			results = append(results, qr)
		}
	}
	return results, nil
}

func (idx *Index) toResult(key codec.Value, v btree.LeafValue) (QueryResult, error) {
	rp, _, err := codec.DecodeRecordPointer(v.RecordPointer, 0)
	if err != nil {
		return QueryResult{}, fmt.Errorf("index: decode record pointer: %w", err)
	}
	meta := make(map[string]any, len(v.Metadata))
	for i, k := range idx.treeCfg.MetadataKeys {
		if i < len(v.Metadata) && !v.Metadata[i].IsUndefined() {
			meta[k] = v.Metadata[i].Native()
		}
	}
	return QueryResult{
		Key:      rp.Key,
		Path:     rp.Path(idx.info.Path),
		Value:    key.Native(),
		Metadata: meta,
		rp:       v.RecordPointer,
	}, nil
}

func filterPointers(results []QueryResult) [][]byte {
	if results == nil {
		return nil
	}
	out := make([][]byte, 0, len(results))
	for _, r := range results {
		if r.rp != nil {
			out = append(out, r.rp)
		}
	}
	return out
}

// HandleRecordUpdate applies a change event from the primary store:
// both values are projected, the projections diffed, and the tree
// mutated under the write lock with removes before adds. The cache is
// cleared before the lock is released.
func (idx *Index) HandleRecordUpdate(recordPath string, oldValue, newValue any) error {
	parsed := pathutil.Parse(recordPath)
	if !idx.path.Matches(parsed.Parent()) {
		return nil
	}
	rp := codec.RecordPointer{
		Wildcards: idx.path.WildcardValues(parsed.Parent()),
		Key:       parsed.Key(),
	}
	rpBytes := rp.EncodeBytes()

	oldProj := idx.strat.project(idx, rp.Key, oldValue)
	newProj := idx.strat.project(idx, rp.Key, newValue)
	removes, adds := diffProjections(oldProj, newProj)
	if len(removes) == 0 && len(adds) == 0 {
		return nil
	}

	ops := make([]btree.Op, 0, len(removes)+len(adds))
	for _, p := range removes {
		ops = append(ops, btree.Op{Type: btree.OpRemove, Key: p.key, RecordPointer: rpBytes})
	}
	for _, p := range adds {
		ops = append(ops, btree.Op{Type: btree.OpAdd, Key: p.key, RecordPointer: rpBytes, Metadata: p.meta})
	}

	idx.locks.Lock()
	defer idx.locks.Unlock()
	defer idx.cache.Clear()
	if _, err := idx.ensureOpen(); err != nil {
		return err
	}
	metricUpdates.WithLabelValues(idx.info.Type).Inc()
	if err := idx.applyOps(ops); err != nil {
		return err
	}
	return idx.persistHeader()
}

// applyOps runs a tree transaction; an overflow triggers a full
// rebuild and the remaining ops are re-applied.
func (idx *Index) applyOps(ops []btree.Op) error {
	tree, err := idx.ensureOpen()
	if err != nil {
		return err
	}
	err = tree.Transaction(ops)
	if err == nil {
		return nil
	}
	var txErr *btree.TxError
	if !errors.As(err, &txErr) || !errors.Is(txErr.Err, btree.ErrTreeFull) {
		return err
	}
	log.Printf("index: %s: tree full, rebuilding", idx.Description())
	metricRebuilds.Inc()
	if err := idx.rebuild(); err != nil {
		return err
	}
	if rest := ops[txErr.Processed:]; len(rest) > 0 {
		tree, err = idx.ensureOpen()
		if err != nil {
			return err
		}
		if err := tree.Transaction(rest); err != nil {
			return fmt.Errorf("index: re-apply after rebuild: %w", err)
		}
	}
	return nil
}

// Rebuild rewrites the tree file from its own live entries. Callers
// that suspect corruption should use Build instead, which re-reads
// the primary store.
func (idx *Index) Rebuild() error {
	idx.locks.Lock()
	defer idx.locks.Unlock()
	defer idx.cache.Clear()
	if _, err := idx.ensureOpen(); err != nil {
		return err
	}
	metricRebuilds.Inc()
	return idx.rebuild()
}

// rebuild streams the current tree into <file>.tmp and swaps it in.
// Caller holds the index write lock and the tree is open.
func (idx *Index) rebuild() error {
	tmpPath := idx.filePath() + ".tmp"
	stream := &treeStream{c: idx.tree.NewCursor()}
	if err := idx.writeTreeFile(tmpPath, stream); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return idx.swapTreeFile(tmpPath)
}

type treeStream struct{ c *btree.Cursor }

func (s *treeStream) Next() (*btree.Entry, error) { return s.c.Next() }

// writeTreeFile creates an index file at path: a reserved header, the
// bulk-built tree, a free tail sized for in-place growth, and finally
// the patched header.
func (idx *Index) writeTreeFile(path string, stream btree.EntryStream) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("index: create %s: %w", path, err)
	}
	defer f.Close()

	h := &Header{
		Info: idx.info,
		Trees: []TreeDescriptor{{
			Name: "default",
			Info: TreeInfoMap(btree.Info{}, idx.treeCfg),
		}},
	}
	placeholder, err := h.Encode()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(placeholder, 0); err != nil {
		return fmt.Errorf("index: reserve header: %w", err)
	}

	w, err := binio.NewFileWriter(f)
	if err != nil {
		return err
	}
	info, err := btree.Build(w, idx.treeCfg, stream)
	if err != nil {
		return fmt.Errorf("index: bulk build: %w", err)
	}
	reserve := info.ByteLength / 10
	if reserve < headerAlign {
		reserve = headerAlign
	}
	if _, err := w.Append(make([]byte, reserve)); err != nil {
		return err
	}

	h.Trees[0].ByteLength = uint32(info.ByteLength)
	h.Trees[0].Info = TreeInfoMap(info, idx.treeCfg)
	final, err := h.Encode()
	if err != nil {
		return err
	}
	if len(final) != len(placeholder) {
		return fmt.Errorf("index: header length changed during build (%d != %d)", len(final), len(placeholder))
	}
	if _, err := f.WriteAt(final, 0); err != nil {
		return fmt.Errorf("index: patch header: %w", err)
	}
	return f.Sync()
}

// swapTreeFile closes the open tree handle and renames a staged file
// over the live index; the next ensureOpen reopens the tree. Caller
// holds the index write lock.
func (idx *Index) swapTreeFile(tmpPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.closeFileLocked(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, idx.filePath()); err != nil {
		return fmt.Errorf("index: swap tree file: %w", err)
	}
	return nil
}

// persistHeader rewrites the header with the tree's current Info and
// syncs, the transaction-end durability point.
func (idx *Index) persistHeader() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.tree == nil || idx.file == nil {
		return nil
	}
	h := &Header{
		Info: idx.info,
		Trees: []TreeDescriptor{{
			Name:       "default",
			ByteLength: uint32(idx.tree.Info().ByteLength),
			Info:       TreeInfoMap(idx.tree.Info(), idx.treeCfg),
		}},
	}
	data, err := h.Encode()
	if err != nil {
		return err
	}
	if _, err := idx.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("index: write header: %w", err)
	}
	return idx.file.Sync()
}

// CacheStats exposes the query cache's hit/miss counters.
func (idx *Index) CacheStats() (hits, misses int64) {
	return idx.cache.Stats()
}

// Verify walks the tree in key order, checks that entries ascend, and
// compares what the leaves hold against the envelope's counts.
func (idx *Index) Verify(ctx context.Context) (entries, values int64, err error) {
	idx.locks.RLock()
	defer idx.locks.RUnlock()
	tree, err := idx.ensureOpen()
	if err != nil {
		return 0, 0, err
	}
	c := tree.NewCursor()
	var prev *codec.Value
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		e, err := c.Next()
		if err != nil {
			return 0, 0, err
		}
		if e == nil {
			break
		}
		if prev != nil && codec.Compare(*prev, e.Key) >= 0 {
			return 0, 0, fmt.Errorf("index: keys out of order at %v", e.Key.Native())
		}
		k := e.Key
		prev = &k
		entries++
		values += int64(len(e.Values))
	}
	info := tree.Info()
	if entries != info.Entries || values != info.Values {
		return entries, values, fmt.Errorf("index: header records %d entries / %d values, tree holds %d / %d",
			info.Entries, info.Values, entries, values)
	}
	return entries, values, nil
}
