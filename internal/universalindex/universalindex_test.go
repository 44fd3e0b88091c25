package universalindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltmc/internal/types"
	"ltmc/internal/vectorindex"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	dir := t.TempDir()
	vi, err := vectorindex.Open(filepath.Join(dir, "vectors.blob"), vectorindex.Config{Dimension: 3, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { vi.Close() })
	return New(vi)
}

func TestNewUniversalID(t *testing.T) {
	id := NewUniversalID(types.ResourceDocument, "rs", "42")
	assert.Equal(t, "document:rs:42", id)

	st, db, orig, err := ParseUniversalID(id)
	require.NoError(t, err)
	assert.Equal(t, types.ResourceDocument, st)
	assert.Equal(t, "rs", db)
	assert.Equal(t, "42", orig)
}

func TestParseUniversalID_Malformed(t *testing.T) {
	_, _, _, err := ParseUniversalID("not-a-universal-id")
	assert.Error(t, err)
}

func TestStoreAndSearchUniversal(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	doc, passed, err := l.StoreUniversalVector(ctx, 1, types.ResourceDocument, "rs", "1", "hello world", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, "document:rs:1", doc.UniversalID)
	assert.True(t, passed)

	_, _, err = l.StoreUniversalVector(ctx, 2, types.ResourceNote, "rs", "2", "goodbye", []float32{0, 1, 0}, nil)
	require.NoError(t, err)

	hits, err := l.SearchUniversal(ctx, []float32{1, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, int64(1), hits[0].VectorID)
}

func TestStoreUniversalVector_ReportsImmediateSearchValidation(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	_, passed, err := l.StoreUniversalVector(ctx, 1, types.ResourceDocument, "rs", "1", "a lone document", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	assert.True(t, passed, "a freshly stored vector must validate as its own top-1 neighbor")
}

func TestSearchUniversal_FiltersByStorageType(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	_, _, err := l.StoreUniversalVector(ctx, 1, types.ResourceDocument, "rs", "1", "a", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	_, _, err = l.StoreUniversalVector(ctx, 2, types.ResourceNote, "rs", "2", "b", []float32{0.9, 0.1, 0}, nil)
	require.NoError(t, err)

	hits, err := l.SearchUniversal(ctx, []float32{1, 0, 0}, 5, Filter{StorageTypes: []types.ResourceType{types.ResourceNote}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, types.ResourceNote, hits[0].Document.StorageType)
}

func TestDeleteByOriginalID(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	_, _, err := l.StoreUniversalVector(ctx, 1, types.ResourceDocument, "rs", "shared", "a", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	n, removed, err := l.DeleteByOriginalID(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"document:rs:shared"}, removed)

	counts := l.StorageTypeCounts()
	assert.Equal(t, 0, counts[types.ResourceDocument])
}

func TestStorageTypeCounts(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	_, _, err := l.StoreUniversalVector(ctx, 1, types.ResourceDocument, "rs", "1", "a", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	_, _, err = l.StoreUniversalVector(ctx, 2, types.ResourceDocument, "rs", "2", "b", []float32{0, 1, 0}, nil)
	require.NoError(t, err)

	counts := l.StorageTypeCounts()
	assert.Equal(t, 2, counts[types.ResourceDocument])
}
