package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchdb/birch/pkg/store"
)

func TestMaxBatchFanoutCap(t *testing.T) {
	assert.Equal(t, 500, maxBatch(0))
	assert.Equal(t, 22, maxBatch(1))
	assert.Equal(t, 5, maxBatch(2))
}

func TestSortRunsResumesFromProcessedFlags(t *testing.T) {
	s, err := store.OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, s.SetValue(ctx, fmt.Sprintf("items/i%03d", i), map[string]any{"n": i}))
	}

	dataDir := t.TempDir()
	idx, err := NewIndex(s, dataDir, "items", "n", Options{BuildBatchSize: 30})
	require.NoError(t, err)

	buildPath := idx.filePath() + ".build"
	require.NoError(t, idx.enumerate(ctx, buildPath))

	runs, err := idx.sortRuns(buildPath)
	require.NoError(t, err)
	assert.Len(t, runs, 4, "100 records at batch size 30")

	// Every record was flagged processed, so a resumed stage B has
	// nothing left to spill.
	again, err := idx.sortRuns(buildPath)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMergeRunsConcatenatesEqualKeys(t *testing.T) {
	s, err := store.OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	// Three values per key, interleaved so the same key lands in
	// different runs (batches of 10 distinct keys, six runs).
	for i := 0; i < 60; i++ {
		require.NoError(t, s.SetValue(ctx, fmt.Sprintf("items/a%03d", i), map[string]any{"n": i % 20}))
	}

	dataDir := t.TempDir()
	idx, err := NewIndex(s, dataDir, "items", "n", Options{BuildBatchSize: 10})
	require.NoError(t, err)
	require.NoError(t, idx.Build(ctx))

	for k := 0; k < 20; k++ {
		n, err := idx.Count(ctx, "==", k)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n, "key %d", k)
	}
	require.NoError(t, idx.Close())
}

func TestBuildResumesFromMergeFile(t *testing.T) {
	s, err := store.OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.SetValue(ctx, fmt.Sprintf("items/i%02d", i), map[string]any{"n": i}))
	}

	dataDir := t.TempDir()
	idx, err := NewIndex(s, dataDir, "items", "n", Options{BuildBatchSize: 20})
	require.NoError(t, err)

	// Run stages A-C by hand, leaving the merge file behind as if
	// the process died before stage D.
	buildPath := idx.filePath() + ".build"
	mergePath := idx.filePath() + ".build.merge"
	require.NoError(t, idx.enumerate(ctx, buildPath))
	runs, err := idx.sortRuns(buildPath)
	require.NoError(t, err)
	require.NoError(t, mergeRuns(runs, mergePath))

	// Build picks up at stage D from the merge file.
	require.NoError(t, idx.Build(ctx))
	n, err := idx.Count(ctx, ">=", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
	assert.False(t, fileExists(mergePath))
	require.NoError(t, idx.Close())
}
