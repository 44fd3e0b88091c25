package vectorindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.blob")
	idx, err := Open(path, Config{Dimension: 4, Metric: MetricCosine, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, path
}

func mustAdd(t *testing.T, idx *Index, ids []int64, vecs [][]float32) []AddValidation {
	t.Helper()
	validations, err := idx.Add(context.Background(), ids, vecs)
	require.NoError(t, err)
	return validations
}

func TestAddAndSearch_ExactTop1(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	mustAdd(t, idx, []int64{1, 2, 3}, [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	})

	results, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].VectorID)
}

func TestAdd_ReportsImmediateSearchValidation(t *testing.T) {
	idx, _ := newTestIndex(t)
	validations := mustAdd(t, idx, []int64{1, 2}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}})
	require.Len(t, validations, 2)
	for _, v := range validations {
		assert.True(t, v.ValidationPassed, "vector %d should validate as its own top-1 neighbor", v.VectorID)
	}
}

func TestAdd_RejectsDimensionMismatch(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.Add(context.Background(), []int64{1}, [][]float32{{1, 2}})
	require.Error(t, err)
}

func TestAdd_OverwritesExistingVectorID(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	mustAdd(t, idx, []int64{1}, [][]float32{{1, 0, 0, 0}})
	mustAdd(t, idx, []int64{1}, [][]float32{{0, 1, 0, 0}})

	results, err := idx.Search(ctx, []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].VectorID)

	stats := idx.Stats()
	assert.Equal(t, 1, stats.ValidVectors)
}

func TestDelete_TombstonesAndExcludesFromSearch(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	mustAdd(t, idx, []int64{1, 2}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}})

	require.NoError(t, idx.Delete(ctx, 1))
	assert.False(t, idx.Exists(1))

	results, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, int64(1), r.VectorID)
	}

	err = idx.Delete(ctx, 999)
	assert.Error(t, err)
}

func TestSearchWithConversationFilter(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	mustAdd(t, idx, []int64{1, 2, 3}, [][]float32{
		{1, 0, 0, 0},
		{0.9, 0.1, 0, 0},
		{0.8, 0.2, 0, 0},
	})
	idx.SetPreview(1, "conv-a")
	idx.SetPreview(2, "conv-b")
	idx.SetPreview(3, "conv-a")

	results, err := idx.SearchWithConversationFilter(ctx, []float32{1, 0, 0, 0}, 2, "conv-a")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Contains(t, []int64{1, 3}, r.VectorID)
	}
}

func TestSaveAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.blob")

	idx, err := Open(path, Config{Dimension: 3, Metric: MetricCosine, FlushInterval: time.Hour})
	require.NoError(t, err)
	mustAdd(t, idx, []int64{10, 20}, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, idx.Save())
	require.NoError(t, idx.Close())

	reopened, err := Open(path, Config{Dimension: 3, Metric: MetricCosine, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.Exists(10))
	assert.True(t, reopened.Exists(20))

	results, err := reopened.Search(context.Background(), []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10), results[0].VectorID)
}
