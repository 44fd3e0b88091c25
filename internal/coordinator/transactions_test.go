package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltmc/internal/relstore"
	"ltmc/internal/types"
	"ltmc/internal/universalindex"
	"ltmc/internal/vectorindex"
)

// fakeGraphStore and fakeCacheStore stand in for graphstore.Store and
// cachestore.Store (both require a live Neo4j/Redis) so the ordering,
// rollback, and accurate-reporting invariants can be exercised without
// external services. Each records calls and can be told to fail.
type fakeGraphStore struct {
	failUpsert bool
	upserted   map[int64]map[string]any
	deleted    map[int64]bool
}

func newFakeGraphStore() *fakeGraphStore {
	return &fakeGraphStore{upserted: map[int64]map[string]any{}, deleted: map[int64]bool{}}
}

func (f *fakeGraphStore) UpsertDocumentNode(ctx context.Context, resourceID int64, properties map[string]any) error {
	if f.failUpsert {
		return errors.New("neo4j unreachable")
	}
	f.upserted[resourceID] = properties
	delete(f.deleted, resourceID)
	return nil
}

func (f *fakeGraphStore) DeleteDocumentNode(ctx context.Context, resourceID int64) error {
	f.deleted[resourceID] = true
	delete(f.upserted, resourceID)
	return nil
}

func (f *fakeGraphStore) CreateRelationship(ctx context.Context, sourceResourceID, targetResourceID int64, linkType string, weight float64, metadata string, createdAt time.Time) error {
	return nil
}

func (f *fakeGraphStore) DeleteRelationship(ctx context.Context, sourceResourceID, targetResourceID int64, linkType string) error {
	return nil
}

type fakeCacheStore struct {
	failCache bool
	entries   map[string]string
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{entries: map[string]string{}}
}

func (f *fakeCacheStore) Cache(ctx context.Context, docID, content string, metadata map[string]any, ttl time.Duration) error {
	if f.failCache {
		return errors.New("redis unreachable")
	}
	f.entries[docID] = content
	return nil
}

func (f *fakeCacheStore) Delete(ctx context.Context, docID string) error {
	delete(f.entries, docID)
	return nil
}

type testBackends struct {
	rs *relstore.Store
	vi *vectorindex.Index
	ui *universalindex.Layer
	gs *fakeGraphStore
	cs *fakeCacheStore
}

func newTestBackends(t *testing.T) *testBackends {
	t.Helper()
	dir := t.TempDir()

	rs, err := relstore.Open(filepath.Join(dir, "rs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	vi, err := vectorindex.Open(filepath.Join(dir, "vi.blob"), vectorindex.Config{Dimension: 3, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { vi.Close() })

	return &testBackends{rs: rs, vi: vi, ui: universalindex.New(vi), gs: newFakeGraphStore(), cs: newFakeCacheStore()}
}

func (b *testBackends) deps() Deps {
	return Deps{RS: b.rs, VI: b.ui, GS: b.gs, CS: b.cs}
}

func storeParams(fileName string) StoreParams {
	return StoreParams{
		StorageType: types.ResourceDocument,
		FileName:    fileName,
		Content:     "hello world, this is the full document body",
		Chunks: []ChunkToStore{
			{Text: "hello world", VectorID: 1, Embedding: []float32{1, 0, 0}},
			{Text: "this is the full document body", VectorID: 2, Embedding: []float32{0, 1, 0}},
		},
		Metadata: map[string]any{"topic": "greeting"},
	}
}

func TestStoreTransaction_DocumentTouchesAllFiveBackends(t *testing.T) {
	b := newTestBackends(t)
	c := New()
	ctx := context.Background()

	tx, outcome := NewStoreTransaction(b.deps(), storeParams("doc1.md"))
	result, err := c.Execute(ctx, tx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []types.Backend{types.BackendRS, types.BackendVI, types.BackendUIL, types.BackendGS, types.BackendCS}, result.AffectedBackends)
	require.NotNil(t, outcome.Resource)
	assert.True(t, outcome.Fresh)
	assert.Len(t, outcome.Chunks, 2)
	assert.Contains(t, b.gs.upserted, outcome.Resource.ResourceID)
	assert.Contains(t, b.cs.entries, resourceOriginalID(outcome.Resource.ResourceID))

	hits, err := b.vi.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, int64(1), hits[0].VectorID)
}

func TestStoreTransaction_ReapplyingSameFileNameIsIdempotent(t *testing.T) {
	b := newTestBackends(t)
	c := New()
	ctx := context.Background()

	tx1, outcome1 := NewStoreTransaction(b.deps(), storeParams("doc2.md"))
	_, err := c.Execute(ctx, tx1)
	require.NoError(t, err)

	tx2, outcome2 := NewStoreTransaction(b.deps(), storeParams("doc2.md"))
	result2, err := c.Execute(ctx, tx2)
	require.NoError(t, err)

	assert.False(t, outcome2.Fresh)
	assert.Equal(t, outcome1.Resource.ResourceID, outcome2.Resource.ResourceID)
	assert.Len(t, outcome2.Chunks, 2, "chunks are not duplicated on replay")
	assert.Contains(t, result2.AffectedBackends, types.BackendRS)
}

func TestStoreTransaction_GraphStoreFailureDoesNotAbortAndIsNotClaimed(t *testing.T) {
	b := newTestBackends(t)
	b.gs.failUpsert = true
	c := New()
	ctx := context.Background()

	tx, outcome := NewStoreTransaction(b.deps(), storeParams("doc3.md"))
	result, err := c.Execute(ctx, tx)
	require.NoError(t, err, "RS succeeded so the overall store still succeeds")

	require.NotNil(t, outcome.Resource)
	assert.NotContains(t, result.AffectedBackends, types.BackendGS,
		"GS must not be reported as affected when its upsert failed")
	assert.Contains(t, result.AffectedBackends, types.BackendRS)
	assert.Contains(t, result.AffectedBackends, types.BackendCS)

	var gsResult BackendResult
	for _, r := range result.PerBackendResults {
		if r.Backend == types.BackendGS {
			gsResult = r
		}
	}
	assert.Equal(t, StatusFailed, gsResult.Status)
	assert.NotEmpty(t, gsResult.FallbackReason)
}

func TestDeleteResourceTransaction_RemovesFromAllBackends(t *testing.T) {
	b := newTestBackends(t)
	c := New()
	ctx := context.Background()

	storeTx, outcome := NewStoreTransaction(b.deps(), storeParams("doc4.md"))
	_, err := c.Execute(ctx, storeTx)
	require.NoError(t, err)
	resourceID := outcome.Resource.ResourceID

	deleteTx, err := NewDeleteResourceTransaction(ctx, b.deps(), resourceID, types.ResourceDocument)
	require.NoError(t, err)

	result, err := c.Execute(ctx, deleteTx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Backend{types.BackendCS, types.BackendGS, types.BackendVI, types.BackendUIL, types.BackendRS}, result.AffectedBackends)

	assert.NotContains(t, b.cs.entries, resourceOriginalID(resourceID))
	assert.True(t, b.gs.deleted[resourceID])
	_, err = b.rs.GetResource(ctx, resourceID)
	assert.Error(t, err)

	hits, err := b.vi.Search(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, int64(1), h.VectorID)
	}
}

func TestDeleteResourceTransaction_RequiredRSFailure_RollsBackEarlierDeletes(t *testing.T) {
	b := newTestBackends(t)
	c := New()
	ctx := context.Background()

	storeTx, outcome := NewStoreTransaction(b.deps(), storeParams("doc5.md"))
	_, err := c.Execute(ctx, storeTx)
	require.NoError(t, err)
	resourceID := outcome.Resource.ResourceID

	deleteTx, err := NewDeleteResourceTransaction(ctx, b.deps(), resourceID, types.ResourceDocument)
	require.NoError(t, err)

	// Corrupt the RS step so the required final delete fails, forcing
	// rollback of the CS/GS/VI deletes that already committed.
	for i := range deleteTx.Steps {
		if deleteTx.Steps[i].Backend == types.BackendRS {
			deleteTx.Steps[i].Apply = func(ctx context.Context) error {
				return errors.New("sqlite disk full")
			}
		}
	}

	result, err := c.Execute(ctx, deleteTx)
	require.Error(t, err)
	assert.Empty(t, result.AffectedBackends)

	assert.Contains(t, b.cs.entries, resourceOriginalID(resourceID), "CS delete should have been rolled back")
	assert.Contains(t, b.gs.upserted, resourceID, "GS delete should have been rolled back")
	assert.True(t, b.vi.Exists(1), "VI tombstone should have been cleared by rollback")
}

func TestCreateLinkTransaction_IdempotentReplay(t *testing.T) {
	b := newTestBackends(t)
	c := New()
	ctx := context.Background()

	tx1, _ := NewStoreTransaction(b.deps(), storeParams("src.md"))
	_, err := c.Execute(ctx, tx1)
	require.NoError(t, err)
	tx2, out2 := NewStoreTransaction(b.deps(), storeParams("dst.md"))
	_, err = c.Execute(ctx, tx2)
	require.NoError(t, err)

	tx1b, out1 := NewStoreTransaction(b.deps(), storeParams("src.md"))
	_, err = c.Execute(ctx, tx1b)
	require.NoError(t, err)

	link := &types.Link{SourceResourceID: out1.Resource.ResourceID, TargetResourceID: out2.Resource.ResourceID, LinkType: "references", Weight: 0.5}

	linkTx, outcome := NewCreateLinkTransaction(b.deps(), link, true)
	result, err := c.Execute(ctx, linkTx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Backend{types.BackendRS, types.BackendGS}, result.AffectedBackends)
	firstLinkID := outcome.Link.LinkID

	replayTx, replayOutcome := NewCreateLinkTransaction(b.deps(), link, true)
	replayResult, err := c.Execute(ctx, replayTx)
	require.NoError(t, err)
	assert.Equal(t, firstLinkID, replayOutcome.Link.LinkID, "re-applying the same triple is idempotent")
	assert.Contains(t, replayResult.AffectedBackends, types.BackendRS)
}
