// Package universalindex implements the Universal Index Layer (C7 in
// spec.md): it wraps the vector index with a universal metadata
// envelope and a universal-ID scheme so one vector search can span
// every content type the memory service stores.
package universalindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ltmc/internal/errutil"
	"ltmc/internal/logging"
	"ltmc/internal/types"
	"ltmc/internal/vectorindex"
)

// NewUniversalID builds the "<type>:<primary_db>:<original_id>" scheme
// from spec.md §3.
func NewUniversalID(storageType types.ResourceType, primaryDB, originalID string) string {
	return fmt.Sprintf("%s:%s:%s", storageType, primaryDB, originalID)
}

// ParseUniversalID splits a universal id back into its three parts.
func ParseUniversalID(universalID string) (storageType types.ResourceType, primaryDB, originalID string, err error) {
	parts := strings.SplitN(universalID, ":", 3)
	if len(parts) != 3 {
		return "", "", "", errutil.New(errutil.InvalidInput, "malformed universal_id %q", universalID)
	}
	return types.ResourceType(parts[0]), parts[1], parts[2], nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Layer wraps a vectorindex.Index with the universal document envelope.
type Layer struct {
	vi   *vectorindex.Index
	log  *zap.Logger
	docs map[int64]*types.UniversalDocument // vector_id -> envelope, mirrors VI's own occupancy
}

// New wraps an already-open vector index.
func New(vi *vectorindex.Index) *Layer {
	return &Layer{vi: vi, log: logging.For("uil"), docs: make(map[int64]*types.UniversalDocument)}
}

// StoreUniversalVector builds the universal envelope for one chunk,
// validates it, and writes the embedding into VI under vectorID. The
// returned bool is VI's immediate-search self-check (spec.md §4.2,
// §8 scenario 4): true only if the vector just written comes back as
// its own top-1 nearest neighbor. Callers must surface this, never
// swallow it — a false here means a caller's very next search can miss
// what it just stored.
func (l *Layer) StoreUniversalVector(ctx context.Context, vectorID int64, storageType types.ResourceType, primaryDB, originalID, content string, embedding []float32, metadata map[string]any) (*types.UniversalDocument, bool, error) {
	if !storageType.Valid() {
		return nil, false, errutil.New(errutil.InvalidInput, "unrecognized storage_type %q", storageType)
	}
	if primaryDB == "" || originalID == "" {
		return nil, false, errutil.New(errutil.InvalidInput, "primary_db and original_id are required")
	}

	doc := &types.UniversalDocument{
		UniversalID:    NewUniversalID(storageType, primaryDB, originalID),
		OriginalID:     originalID,
		StorageType:    storageType,
		SourceDatabase: primaryDB,
		ContentPreview: types.Truncate(content),
		ContentHash:    contentHash(content),
		IndexedAt:      time.Now().UTC(),
		Metadata:       metadata,
	}
	if err := validateEnvelope(doc); err != nil {
		return nil, false, err
	}

	validations, err := l.vi.Add(ctx, []int64{vectorID}, [][]float32{embedding})
	if err != nil {
		return nil, false, err
	}
	validationPassed := len(validations) > 0 && validations[0].ValidationPassed
	if !validationPassed {
		l.log.Warn("immediate-search validation failed on store", zap.Int64("vector_id", vectorID), zap.String("universal_id", doc.UniversalID))
	}

	l.docs[vectorID] = doc
	return doc, validationPassed, nil
}

func validateEnvelope(doc *types.UniversalDocument) error {
	if doc.UniversalID == "" || doc.StorageType == "" || doc.SourceDatabase == "" {
		return errutil.New(errutil.Integrity, "universal document envelope incomplete")
	}
	if len(doc.ContentPreview) > types.MaxContentPreview {
		return errutil.New(errutil.Integrity, "content_preview exceeds %d characters", types.MaxContentPreview)
	}
	return nil
}

// SearchHit pairs a universal document with its similarity score and
// owning vector id.
type SearchHit struct {
	VectorID int64
	Document types.UniversalDocument
	Score    float64
}

// Filter narrows search_universal results; empty slices impose no
// constraint. Filters are conjunctive across storage_type and
// source_database (spec.md §4.7).
type Filter struct {
	StorageTypes    []types.ResourceType
	SourceDatabases []string
}

func (f Filter) matches(doc *types.UniversalDocument) bool {
	if len(f.StorageTypes) > 0 && !containsType(f.StorageTypes, doc.StorageType) {
		return false
	}
	if len(f.SourceDatabases) > 0 && !containsString(f.SourceDatabases, doc.SourceDatabase) {
		return false
	}
	return true
}

func containsType(ts []types.ResourceType, t types.ResourceType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// SearchUniversal runs a vector search widened for filter selectivity,
// then filters by storage_type/source_database until k hits are
// collected or the widened pool is exhausted (spec.md §4.7).
func (l *Layer) SearchUniversal(ctx context.Context, query []float32, k int, filter Filter) ([]SearchHit, error) {
	widened := k
	if len(filter.StorageTypes) > 0 || len(filter.SourceDatabases) > 0 {
		widened = k * 10
	}
	if widened < k {
		widened = k
	}

	candidates, err := l.vi.Search(ctx, query, widened)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, k)
	for _, c := range candidates {
		doc, ok := l.docs[c.VectorID]
		if !ok {
			continue
		}
		if !filter.matches(doc) {
			continue
		}
		hits = append(hits, SearchHit{VectorID: c.VectorID, Document: *doc, Score: c.Score})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// DeleteByOriginalID enumerates every universal id whose original_id
// suffix matches originalID, tombstones each in VI, and returns the
// removed universal ids. Used by the atomic coordinator's rollback path
// (spec.md §4.7).
func (l *Layer) DeleteByOriginalID(ctx context.Context, originalID string) (int, []string, error) {
	var removed []string
	for vectorID, doc := range l.docs {
		if doc.OriginalID != originalID {
			continue
		}
		if err := l.vi.Delete(ctx, vectorID); err != nil && errutil.KindOf(err) != errutil.NotFound {
			return len(removed), removed, err
		}
		removed = append(removed, doc.UniversalID)
		delete(l.docs, vectorID)
	}
	return len(removed), removed, nil
}

// DocsByOriginalID snapshots the live universal documents whose
// original_id matches originalID, keyed by vector id. Callers — the
// atomic coordinator — use this to capture a pre-delete snapshot so a
// rollback can Restore what DeleteByOriginalID removed.
func (l *Layer) DocsByOriginalID(originalID string) map[int64]types.UniversalDocument {
	out := make(map[int64]types.UniversalDocument)
	for vectorID, doc := range l.docs {
		if doc.OriginalID == originalID {
			out[vectorID] = *doc
		}
	}
	return out
}

// Restore undoes a prior DeleteByOriginalID for one vector id: it clears
// the vector index tombstone and reinstates the universal document
// envelope captured by DocsByOriginalID. Used only on the atomic
// coordinator's rollback path.
func (l *Layer) Restore(ctx context.Context, vectorID int64, doc types.UniversalDocument) error {
	if err := l.vi.Restore(ctx, vectorID); err != nil {
		return err
	}
	d := doc
	l.docs[vectorID] = &d
	return nil
}

// VectorFor returns the stored embedding for a universal document by
// vector id, used by auto-link-by-similarity to re-query neighbors of a
// document already in the index.
func (l *Layer) VectorFor(vectorID int64) ([]float32, bool) {
	return l.vi.VectorByID(vectorID)
}

// Documents returns a snapshot of every live universal document, keyed
// by vector id. Used by auto-link-by-similarity to enumerate candidates.
func (l *Layer) Documents() map[int64]types.UniversalDocument {
	out := make(map[int64]types.UniversalDocument, len(l.docs))
	for vectorID, doc := range l.docs {
		out[vectorID] = *doc
	}
	return out
}

// StorageTypeCounts tallies live (non-deleted) documents per storage_type.
func (l *Layer) StorageTypeCounts() map[types.ResourceType]int {
	counts := make(map[types.ResourceType]int)
	for _, doc := range l.docs {
		counts[doc.StorageType]++
	}
	return counts
}
