// Package search implements Universal Semantic Search (C11 in
// spec.md): cross-type semantic query over the universal index, with
// type/source filters, result facets, optional graph enrichment, and
// auto-link-by-similarity.
package search

import (
	"context"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ltmc/internal/coordinator"
	"ltmc/internal/embeddings"
	"ltmc/internal/graphstore"
	"ltmc/internal/logging"
	"ltmc/internal/types"
	"ltmc/internal/universalindex"
)

// MaxRelationshipDepth bounds semantic_search_with_context's traversal
// cost (spec.md §4.10).
const MaxRelationshipDepth = 4

// storageTypePriority breaks similarity-score ties (spec.md §4.10):
// lower value sorts first. Order follows the type enum in §3.
var storageTypePriority = map[types.ResourceType]int{
	types.ResourceDocument:       0,
	types.ResourceCode:          1,
	types.ResourceNote:          2,
	types.ResourceChat:          3,
	types.ResourceBlueprint:     4,
	types.ResourceTask:          5,
	types.ResourcePattern:       6,
	types.ResourceCacheEntry:    7,
	types.ResourceChainOfThought: 8,
	types.ResourceCoordination:  9,
}

// GraphReader is the slice of graphstore.Store search reads from for
// relationship enrichment and deep traversal.
type GraphReader interface {
	GetRelationships(ctx context.Context, resourceID int64, dir graphstore.Direction) ([]graphstore.Relationship, error)
}

// Deps wires the backends a Searcher reads from and, for auto-link, the
// atomic coordinator it writes new links through.
type Deps struct {
	UI       *universalindex.Layer
	Embedder embeddings.Embedder
	GS       GraphReader
	AC       *coordinator.Coordinator
	Backends coordinator.Deps
}

// Searcher answers universal semantic search queries.
type Searcher struct {
	deps Deps
	log  *zap.Logger
}

// New builds a Searcher over deps.
func New(deps Deps) *Searcher {
	return &Searcher{deps: deps, log: logging.For("search")}
}

// SemanticSearchAll runs an unfiltered cross-type query, optionally
// enriched with each hit's outgoing relationships.
func (s *Searcher) SemanticSearchAll(ctx context.Context, query string, topK int, includeRelationships bool) (*types.SearchResponse, error) {
	return s.run(ctx, query, topK, universalindex.Filter{}, includeRelationships, 0)
}

// SemanticSearchFiltered runs a query narrowed to the given storage
// types and/or source databases.
func (s *Searcher) SemanticSearchFiltered(ctx context.Context, query string, storageTypes []types.ResourceType, sourceDatabases []string, topK int) (*types.SearchResponse, error) {
	return s.run(ctx, query, topK, universalindex.Filter{StorageTypes: storageTypes, SourceDatabases: sourceDatabases}, false, 0)
}

// SemanticSearchWithContext runs an unfiltered query and attaches, per
// result, graph paths up to relationshipDepth hops (capped at
// MaxRelationshipDepth).
func (s *Searcher) SemanticSearchWithContext(ctx context.Context, query string, topK, relationshipDepth int) (*types.SearchResponse, error) {
	if relationshipDepth > MaxRelationshipDepth {
		relationshipDepth = MaxRelationshipDepth
	}
	if relationshipDepth < 1 {
		relationshipDepth = 1
	}
	return s.run(ctx, query, topK, universalindex.Filter{}, true, relationshipDepth)
}

func (s *Searcher) run(ctx context.Context, query string, topK int, filter universalindex.Filter, includeRelationships bool, depth int) (*types.SearchResponse, error) {
	start := time.Now()
	if topK <= 0 {
		topK = 10
	}

	embedding, err := s.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := s.deps.UI.SearchUniversal(ctx, embedding, topK, filter)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		pi, pj := storageTypePriority[hits[i].Document.StorageType], storageTypePriority[hits[j].Document.StorageType]
		if pi != pj {
			return pi < pj
		}
		return hits[i].Document.IndexedAt.After(hits[j].Document.IndexedAt)
	})

	facets := types.NewFacets()
	results := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		facets.Add(&h.Document)
		sr := types.SearchResult{Document: h.Document, Score: h.Score}
		if includeRelationships && s.deps.GS != nil {
			if resourceID, ok := originalIDAsResourceID(h.Document.OriginalID); ok {
				rels, err := s.deps.GS.GetRelationships(ctx, resourceID, graphstore.Outgoing)
				if err != nil {
					s.log.Warn("relationship enrichment failed", zap.Error(err))
				} else {
					sr.Relationships = edgesFromRelationships(rels)
					if depth > 0 {
						sr.DeepRelationships = s.traverse(ctx, resourceID, depth)
					}
				}
			}
		}
		results = append(results, sr)
	}

	return &types.SearchResponse{
		Results:    results,
		Facets:     facets,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// traverse walks outgoing relationships breadth-first from seedID up to
// depth hops, returning one GraphPath per distinct node reached.
func (s *Searcher) traverse(ctx context.Context, seedID int64, depth int) []types.GraphPath {
	type frontier struct {
		id          int64
		resourceIDs []int64
		linkTypes   []string
	}

	var paths []types.GraphPath
	visited := map[int64]bool{seedID: true}
	queue := []frontier{{id: seedID, resourceIDs: []int64{seedID}}}

	for d := 0; d < depth && len(queue) > 0; d++ {
		var next []frontier
		for _, f := range queue {
			rels, err := s.deps.GS.GetRelationships(ctx, f.id, graphstore.Outgoing)
			if err != nil {
				continue
			}
			for _, rel := range rels {
				if visited[rel.TargetResourceID] {
					continue
				}
				visited[rel.TargetResourceID] = true
				ids := append(append([]int64{}, f.resourceIDs...), rel.TargetResourceID)
				linkTypes := append(append([]string{}, f.linkTypes...), rel.LinkType)
				paths = append(paths, types.GraphPath{ResourceIDs: ids, LinkTypes: linkTypes})
				next = append(next, frontier{id: rel.TargetResourceID, resourceIDs: ids, linkTypes: linkTypes})
			}
		}
		queue = next
	}
	return paths
}

func originalIDAsResourceID(originalID string) (int64, bool) {
	id, err := strconv.ParseInt(originalID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func edgesFromRelationships(rels []graphstore.Relationship) []types.RelationshipEdge {
	out := make([]types.RelationshipEdge, len(rels))
	for i, rel := range rels {
		out[i] = types.RelationshipEdge{TargetResourceID: rel.TargetResourceID, LinkType: rel.LinkType, Weight: rel.Weight}
	}
	return out
}

// DefaultSimilarityThreshold and DefaultMaxLinksPerDocument mirror
// context:auto_link_documents' defaults (spec.md §6).
const (
	DefaultSimilarityThreshold = 0.6
	DefaultMaxLinksPerDocument = 3
)

// AutoLinkResult reports one candidate's outcome under auto-linking.
type AutoLinkResult struct {
	SourceOriginalID string
	LinksCreated      int
}

// AutoLinkDocuments implements context:auto_link_documents (spec.md §6,
// supplemented from original_source/tests/integration/test_semantic_similarity_autolink.py):
// for each candidate vector id, it searches the universal index using
// the candidate's own stored embedding, and for every other live
// document scoring at or above threshold, creates a "semantic_similarity"
// link through the atomic coordinator — capped at maxLinksPerDocument
// per candidate, and skipping a candidate whose own embedding can't be
// recovered (e.g. it was deleted concurrently).
func (s *Searcher) AutoLinkDocuments(ctx context.Context, candidateVectorIDs []int64, threshold float64, maxLinksPerDocument int) ([]AutoLinkResult, error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if maxLinksPerDocument <= 0 {
		maxLinksPerDocument = DefaultMaxLinksPerDocument
	}
	if len(candidateVectorIDs) == 0 {
		for vectorID := range s.deps.UI.Documents() {
			candidateVectorIDs = append(candidateVectorIDs, vectorID)
		}
	}

	results := make([]AutoLinkResult, 0, len(candidateVectorIDs))
	for _, vectorID := range candidateVectorIDs {
		doc, ok := s.deps.UI.Documents()[vectorID]
		if !ok {
			continue
		}
		vec, ok := s.deps.UI.VectorFor(vectorID)
		if !ok {
			s.log.Warn("auto-link candidate has no recoverable embedding, skipping", zap.Int64("vector_id", vectorID))
			continue
		}

		hits, err := s.deps.UI.SearchUniversal(ctx, vec, maxLinksPerDocument+1, universalindex.Filter{})
		if err != nil {
			return nil, err
		}

		sourceResourceID, ok := originalIDAsResourceID(doc.OriginalID)
		if !ok {
			continue
		}

		created := 0
		for _, hit := range hits {
			if created >= maxLinksPerDocument {
				break
			}
			if hit.VectorID == vectorID || hit.Score < threshold {
				continue
			}
			targetResourceID, ok := originalIDAsResourceID(hit.Document.OriginalID)
			if !ok {
				continue
			}

			link := &types.Link{
				SourceResourceID: sourceResourceID,
				TargetResourceID: targetResourceID,
				LinkType:         "semantic_similarity",
				Weight:           hit.Score,
			}
			if err := link.Validate(); err != nil {
				continue
			}
			tx, _ := coordinator.NewCreateLinkTransaction(s.deps.Backends, link, s.deps.Backends.GS != nil)
			if _, err := s.deps.AC.Execute(ctx, tx); err != nil {
				s.log.Warn("auto-link failed", zap.Error(err), zap.Int64("source", sourceResourceID), zap.Int64("target", targetResourceID))
				continue
			}
			created++
		}
		results = append(results, AutoLinkResult{SourceOriginalID: doc.OriginalID, LinksCreated: created})
	}
	return results, nil
}
