package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	gbtree "github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/codec"
	"github.com/birchdb/birch/pkg/pathutil"
	"github.com/birchdb/birch/pkg/store"
)

// DefaultBuildBatchSize is how many records stage B accumulates
// before spilling a sorted run file.
const DefaultBuildBatchSize = 100_000

// Build constructs the index from scratch by walking the primary
// store through the external merge-sort pipeline:
//
//	A: enumerate matching records into <file>.build
//	B: group and sort batches into run files <file>.build.<n>
//	C: k-way merge the runs into <file>.build.merge
//	D: bulk-build the tree from the merge file into <file>.tmp
//
// The pipeline resumes after a crash: an existing merge file skips
// straight to stage D, an existing build file to stage B (records
// already spilled are flagged processed and skipped).
func (idx *Index) Build(ctx context.Context) error {
	idx.locks.Lock()
	defer idx.locks.Unlock()
	defer idx.cache.Clear()

	base := idx.filePath()
	buildPath := base + ".build"
	mergePath := base + ".build.merge"
	tmpPath := base + ".tmp"

	haveMerge := fileExists(mergePath)
	haveBuild := fileExists(buildPath)

	if !haveMerge {
		if !haveBuild {
			start := time.Now()
			if err := idx.enumerate(ctx, buildPath); err != nil {
				os.Remove(buildPath)
				return err
			}
			metricBuildStage.WithLabelValues("enumerate").Observe(time.Since(start).Seconds())
		} else {
			log.Printf("index: %s: resuming build from %s", idx.Description(), buildPath)
		}

		start := time.Now()
		runs, err := idx.sortRuns(buildPath)
		if err != nil {
			return err
		}
		metricBuildStage.WithLabelValues("sort").Observe(time.Since(start).Seconds())

		start = time.Now()
		if err := mergeRuns(runs, mergePath); err != nil {
			os.Remove(mergePath)
			return err
		}
		metricBuildStage.WithLabelValues("merge").Observe(time.Since(start).Seconds())

		// The merge file is self-sufficient from here on.
		os.Remove(buildPath)
		for _, r := range runs {
			os.Remove(r)
		}
	} else {
		log.Printf("index: %s: resuming build from %s", idx.Description(), mergePath)
	}

	start := time.Now()
	if err := idx.buildTreeFromMerge(mergePath, tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := idx.swapTreeFile(tmpPath); err != nil {
		return err
	}
	os.Remove(mergePath)
	// Sweep any scratch a resumed build skipped past.
	os.Remove(buildPath)
	if leftovers, err := filepath.Glob(buildPath + ".*"); err == nil {
		for _, path := range leftovers {
			os.Remove(path)
		}
	}
	metricBuildStage.WithLabelValues("build").Observe(time.Since(start).Seconds())
	log.Printf("index: %s: build complete", idx.Description())
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// maxBatch caps the per-level fanout while enumerating wildcard
// paths: round(500^(0.5^wildcards)).
func maxBatch(wildcards int) int {
	return int(math.Round(math.Pow(500, math.Pow(0.5, float64(wildcards)))))
}

// buildRecordWriter appends stage-A records to the build file:
//
//	entry_length u32, processed u8, key, rp_len u8 + rp bytes,
//	metadata values
//
// The processed byte is the file's only mutable byte; stage B flags
// records as it consumes them so a retry resumes instead of
// restarting.
type buildRecordWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func (bw *buildRecordWriter) write(key codec.Value, rp []byte, meta []codec.Value) error {
	var rec bytes.Buffer
	rec.WriteByte(0) // processed
	key.Encode(&rec)
	rec.WriteByte(byte(len(rp)))
	rec.Write(rp)
	for _, m := range meta {
		m.Encode(&rec)
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(rec.Len()))
	if _, err := bw.w.Write(l[:]); err != nil {
		return err
	}
	_, err := bw.w.Write(rec.Bytes())
	return err
}

// enumerate is stage A: walk the index path level by level, honoring
// wildcards with the fanout cap, and spill one record per projection
// of every matching child.
func (idx *Index) enumerate(ctx context.Context, buildPath string) error {
	f, err := os.Create(buildPath)
	if err != nil {
		return fmt.Errorf("index: create build file: %w", err)
	}
	defer f.Close()
	bw := &buildRecordWriter{f: f, w: bufio.NewWriterSize(f, 1<<20)}

	if err := idx.walkLevel(ctx, bw, "", idx.path.Keys(), nil); err != nil {
		return err
	}
	if err := bw.w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// walkLevel descends one segment of the index path. Wildcard levels
// fan out over child branches in bounded batches; the final level
// projects record values into build records.
func (idx *Index) walkLevel(ctx context.Context, bw *buildRecordWriter, current string, remaining []string, wildcards []string) error {
	if len(remaining) == 0 {
		return idx.emitChildren(ctx, bw, current, wildcards)
	}
	seg := remaining[0]
	if seg != "*" {
		return idx.walkLevel(ctx, bw, pathutil.ChildPath(current, seg), remaining[1:], wildcards)
	}

	var keys []string
	err := idx.store.GetChildren(ctx, current, store.ChildrenOptions{}, func(c store.ChildInfo) error {
		keys = append(keys, c.Key)
		return nil
	})
	if err == store.ErrNotFound {
		log.Printf("index: %s: path %q vanished during build, skipping", idx.Description(), current)
		return nil
	}
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatch(idx.path.WildcardCount()))
	for _, key := range keys {
		key := key
		g.Go(func() error {
			sub := append(append([]string{}, wildcards...), key)
			return idx.walkLevel(gctx, bw, pathutil.ChildPath(current, key), remaining[1:], sub)
		})
	}
	return g.Wait()
}

func (idx *Index) emitChildren(ctx context.Context, bw *buildRecordWriter, parent string, wildcards []string) error {
	err := idx.store.GetChildren(ctx, parent, store.ChildrenOptions{}, func(c store.ChildInfo) error {
		if c.Type != store.TypeObject || c.Value == nil {
			return nil
		}
		rp := codec.RecordPointer{Wildcards: wildcards, Key: c.Key}
		rpBytes := rp.EncodeBytes()
		for _, p := range idx.strat.project(idx, c.Key, c.Value) {
			if err := bw.write(p.key, rpBytes, p.meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err == store.ErrNotFound {
		log.Printf("index: %s: path %q vanished during build, skipping", idx.Description(), parent)
		return nil
	}
	return err
}

// batchItem is one key's accumulated values in a stage-B batch.
type batchItem struct {
	key      codec.Value
	keyBytes []byte
	values   [][]byte
}

func batchLess(a, b *batchItem) bool { return codec.Compare(a.key, b.key) < 0 }

// sortRuns is stage B: re-read the build file, group records by key
// in memory up to the batch budget, and spill each batch as a sorted
// run file. Records already flagged processed are skipped, and each
// spilled batch flags its records so a crash resumes mid-file.
// Records whose key is already in the current batch merge into it
// even when the batch is full, keeping equal keys together.
func (idx *Index) sortRuns(buildPath string) ([]string, error) {
	f, err := os.OpenFile(buildPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("index: open build file: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r := binio.NewReader(f, fi.Size())

	batch := gbtree.NewG[*batchItem](16, batchLess)
	var flagOffsets []int64
	records := 0
	var runs []string

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		runPath := fmt.Sprintf("%s.%d", buildPath, len(runs))
		if err := writeRunFile(runPath, batch); err != nil {
			return err
		}
		// Flag the spilled records in the build file.
		for _, off := range flagOffsets {
			if _, err := f.WriteAt([]byte{1}, off); err != nil {
				return fmt.Errorf("index: flag build record: %w", err)
			}
		}
		runs = append(runs, runPath)
		batch.Clear(false)
		flagOffsets = flagOffsets[:0]
		records = 0
		return nil
	}

	for {
		off := r.Position()
		length, err := r.GetUint32()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rec, err := r.Get(int(length))
		if err != nil {
			return nil, fmt.Errorf("index: truncated build record at %d: %w", off, err)
		}
		if rec[0] != 0 {
			continue // already spilled by an earlier attempt
		}
		key, used, err := codec.DecodeValue(rec, 1)
		if err != nil {
			return nil, fmt.Errorf("index: build record key at %d: %w", off, err)
		}
		value := make([]byte, len(rec)-1-used)
		copy(value, rec[1+used:])

		probe := &batchItem{key: key}
		existing, ok := batch.Get(probe)
		if !ok && records >= idx.opts.BuildBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
			existing, ok = nil, false
		}
		if ok {
			existing.values = append(existing.values, value)
		} else {
			batch.ReplaceOrInsert(&batchItem{key: key, keyBytes: key.EncodeBytes(), values: [][]byte{value}})
		}
		flagOffsets = append(flagOffsets, off+4) // the processed byte
		records++
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return runs, nil
}

// writeRunFile spills one sorted batch:
//
//	entry: entry_length u32, key, values_count u32,
//	       value[count] { value_length u32, bytes }
func writeRunFile(path string, batch *gbtree.BTreeG[*batchItem]) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("index: create run file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 1<<20)

	var fail error
	batch.Ascend(func(item *batchItem) bool {
		fail = writeRunEntry(w, item.keyBytes, item.values)
		return fail == nil
	})
	if fail != nil {
		return fail
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func writeRunEntry(w io.Writer, keyBytes []byte, values [][]byte) error {
	size := len(keyBytes) + 4
	for _, v := range values {
		size += 4 + len(v)
	}
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(size))
	if _, err := w.Write(u32[:]); err != nil {
		return err
	}
	if _, err := w.Write(keyBytes); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(u32[:], uint32(len(values)))
	if _, err := w.Write(u32[:]); err != nil {
		return err
	}
	for _, v := range values {
		binary.BigEndian.PutUint32(u32[:], uint32(len(v)))
		if _, err := w.Write(u32[:]); err != nil {
			return err
		}
		if _, err := w.Write(v); err != nil {
			return err
		}
	}
	return nil
}
