package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltmc/internal/cachestore"
	"ltmc/internal/errutil"
	"ltmc/internal/graphstore"
	"ltmc/internal/relstore"
	"ltmc/internal/types"
	"ltmc/internal/universalindex"
	"ltmc/internal/vectorindex"
)

type fakeResourceStore struct {
	resources []types.Resource
	links     []types.Link
	messages  []types.ChatMessage
	failLinks bool
}

func (f *fakeResourceStore) ListResourcesByType(ctx context.Context, rtype types.ResourceType, limit int) ([]types.Resource, error) {
	var out []types.Resource
	for _, r := range f.resources {
		if r.Type == rtype {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResourceStore) ListLinks(ctx context.Context, resourceID int64, dir relstore.Direction) ([]types.Link, error) {
	if f.failLinks {
		return nil, errors.New("sqlite busy")
	}
	return f.links, nil
}

func (f *fakeResourceStore) GetChatByConversation(ctx context.Context, conversationID string, limit int) ([]types.ChatMessage, error) {
	return f.messages, nil
}

type fakeGraphReader struct {
	rels   []graphstore.Relationship
	fail   bool
	called bool
}

func (f *fakeGraphReader) GetRelationships(ctx context.Context, resourceID int64, dir graphstore.Direction) ([]graphstore.Relationship, error) {
	f.called = true
	if f.fail {
		return nil, errors.New("neo4j unreachable")
	}
	return f.rels, nil
}

type fakeCacheReader struct {
	entries map[string]*cachestore.Entry
}

func (f *fakeCacheReader) Get(ctx context.Context, docID string) (*cachestore.Entry, error) {
	e, ok := f.entries[docID]
	if !ok {
		return nil, errutil.New(errutil.NotFound, "no such cache entry")
	}
	return e, nil
}

func newTestLayer(t *testing.T) *universalindex.Layer {
	t.Helper()
	vi, err := vectorindex.Open(filepath.Join(t.TempDir(), "vi.blob"), vectorindex.Config{Dimension: 3, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { vi.Close() })
	return universalindex.New(vi)
}

func TestRetrieve_Chat_CacheFirst(t *testing.T) {
	rs := &fakeResourceStore{}
	cs := &fakeCacheReader{entries: map[string]*cachestore.Entry{
		"conv-1": {DocID: "conv-1", Content: "cached reply"},
	}}
	r := New(Deps{RS: rs, UI: newTestLayer(t), CS: cs})

	results, method, err := r.Retrieve(context.Background(), types.SearchQuery{
		StorageTypes: []types.ResourceType{types.ResourceChat}, ConversationID: "conv-1", TopK: 5,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MethodCacheFirst, method)
	require.Len(t, results, 1)
	assert.Equal(t, "cached reply", results[0].Document.ContentPreview)
}

func TestRetrieve_Chat_FallsBackToRSOnCacheMiss(t *testing.T) {
	rs := &fakeResourceStore{messages: []types.ChatMessage{
		{ConversationID: "conv-2", Content: "hello", Timestamp: time.Now()},
	}}
	cs := &fakeCacheReader{entries: map[string]*cachestore.Entry{}}
	r := New(Deps{RS: rs, UI: newTestLayer(t), CS: cs})

	results, method, err := r.Retrieve(context.Background(), types.SearchQuery{
		StorageTypes: []types.ResourceType{types.ResourceChat}, ConversationID: "conv-2", TopK: 5,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MethodRSFallback, method)
	require.Len(t, results, 1)
	assert.Equal(t, "hello", results[0].Document.ContentPreview)
}

func TestRetrieve_Document_SemanticWithGraphEnrichment(t *testing.T) {
	ui := newTestLayer(t)
	ctx := context.Background()
	_, _, err := ui.StoreUniversalVector(ctx, 1, types.ResourceDocument, "rs", "42", "hello world", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	gs := &fakeGraphReader{rels: []graphstore.Relationship{{TargetResourceID: 99, LinkType: "related_to", Weight: 0.8}}}
	r := New(Deps{RS: &fakeResourceStore{}, UI: ui, GS: gs})

	results, method, err := r.Retrieve(ctx, types.SearchQuery{
		StorageTypes: []types.ResourceType{types.ResourceDocument}, TopK: 5, IncludeRelationships: true,
	}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, MethodSemanticEnriched, method)
	require.Len(t, results, 1)
	require.Len(t, results[0].Relationships, 1)
	assert.Equal(t, int64(99), results[0].Relationships[0].TargetResourceID)
	assert.True(t, gs.called)
}

func TestRetrieve_Semantic_FallsBackToRSIndexedOnDimensionMismatch(t *testing.T) {
	ui := newTestLayer(t) // configured for dimension 3
	rs := &fakeResourceStore{resources: []types.Resource{
		{ResourceID: 7, FileName: "note.md", Type: types.ResourcePattern, CreatedAt: time.Now()},
	}}
	r := New(Deps{RS: rs, UI: ui})

	results, method, err := r.Retrieve(context.Background(), types.SearchQuery{
		StorageTypes: []types.ResourceType{types.ResourcePattern}, TopK: 5,
	}, []float32{1, 0}) // wrong dimension
	require.NoError(t, err)
	assert.Equal(t, MethodRSFallback, method)
	require.Len(t, results, 1)
	assert.Equal(t, types.ResourcePattern, results[0].Document.StorageType)
}

func TestRetrieve_Graph_TraversalThenRSFallback(t *testing.T) {
	gs := &fakeGraphReader{rels: []graphstore.Relationship{{TargetResourceID: 5, LinkType: "depends_on", Weight: 1}}}
	r := New(Deps{RS: &fakeResourceStore{}, UI: newTestLayer(t), GS: gs})

	results, method, err := r.Retrieve(context.Background(), types.SearchQuery{
		StorageTypes: []types.ResourceType{types.ResourceBlueprint}, ConversationID: "12", TopK: 5,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MethodGraphTraversal, method)
	require.Len(t, results, 1)
	assert.Equal(t, "5", results[0].Document.OriginalID)
}

func TestRetrieve_Graph_FallsBackToRSLinksWhenGSFails(t *testing.T) {
	gs := &fakeGraphReader{fail: true}
	rs := &fakeResourceStore{links: []types.Link{
		{LinkID: 1, SourceResourceID: 12, TargetResourceID: 13, LinkType: "depends_on", Weight: 0.9, CreatedAt: time.Now()},
	}}
	r := New(Deps{RS: rs, UI: newTestLayer(t), GS: gs})

	results, method, err := r.Retrieve(context.Background(), types.SearchQuery{
		StorageTypes: []types.ResourceType{types.ResourceCoordination}, ConversationID: "12", TopK: 5,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MethodRSFallback, method)
	require.Len(t, results, 1)
	assert.Equal(t, "13", results[0].Document.OriginalID)
}

func TestRetrieve_Indexed_TasksHaveNoFallbackChain(t *testing.T) {
	rs := &fakeResourceStore{resources: []types.Resource{
		{ResourceID: 1, FileName: "task1", Type: types.ResourceTask, CreatedAt: time.Now()},
	}}
	r := New(Deps{RS: rs, UI: newTestLayer(t)})

	results, method, err := r.Retrieve(context.Background(), types.SearchQuery{
		StorageTypes: []types.ResourceType{types.ResourceTask}, TopK: 5,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MethodIndexed, method)
	require.Len(t, results, 1)
}

func TestRetrieve_Realtime_CacheRealtimeThenRSFallback(t *testing.T) {
	cs := &fakeCacheReader{entries: map[string]*cachestore.Entry{"cache-1": {DocID: "cache-1", Content: "hot"}}}
	r := New(Deps{RS: &fakeResourceStore{}, UI: newTestLayer(t), CS: cs})

	results, method, err := r.Retrieve(context.Background(), types.SearchQuery{
		StorageTypes: []types.ResourceType{types.ResourceCacheEntry}, ConversationID: "cache-1", TopK: 5,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MethodCacheRealtime, method)
	require.Len(t, results, 1)
}
