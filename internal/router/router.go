// Package router implements the Retrieval Router (C10 in spec.md): a
// static table, keyed by storage_type, of a primary retrieval strategy
// and an ordered fallback chain. The Storage Router (C9) half of §4.8
// lives in internal/coordinator as backendsFor, since it only governs
// write ordering — the atomic coordinator that consumes it is the
// natural owner.
package router

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ltmc/internal/cachestore"
	"ltmc/internal/errutil"
	"ltmc/internal/graphstore"
	"ltmc/internal/logging"
	"ltmc/internal/relstore"
	"ltmc/internal/types"
	"ltmc/internal/universalindex"
)

func resourceOriginalID(resourceID int64) string {
	return strconv.FormatInt(resourceID, 10)
}

// originalIDAsResourceID parses a universal document's original_id back
// into a resource id, for the RS/GS-keyed categories where original_id
// is always the decimal resource_id (spec.md §4.9's store transactions
// only ever key those backends that way).
func originalIDAsResourceID(originalID string) (int64, bool) {
	id, err := strconv.ParseInt(originalID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Method names the strategy that actually produced a result, including
// whether a fallback fired. Callers surface this as retrieval_method.
type Method string

const (
	MethodCacheFirst       Method = "cache_first"
	MethodSemantic         Method = "semantic"
	MethodSemanticEnriched Method = "semantic_with_graph_enrichment"
	MethodGraphTraversal   Method = "graph_traversal"
	MethodIndexed          Method = "indexed"
	MethodCacheRealtime    Method = "cache_realtime"
	MethodRSFallback       Method = "rs_fallback"
)

// ResourceStore is the slice of relstore.Store the router falls back to
// when a richer backend is unavailable.
type ResourceStore interface {
	ListResourcesByType(ctx context.Context, rtype types.ResourceType, limit int) ([]types.Resource, error)
	ListLinks(ctx context.Context, resourceID int64, dir relstore.Direction) ([]types.Link, error)
	GetChatByConversation(ctx context.Context, conversationID string, limit int) ([]types.ChatMessage, error)
}

// GraphReader is the slice of graphstore.Store the router reads from.
type GraphReader interface {
	GetRelationships(ctx context.Context, resourceID int64, dir graphstore.Direction) ([]graphstore.Relationship, error)
}

// CacheReader is the slice of cachestore.Store the router reads from.
type CacheReader interface {
	Get(ctx context.Context, docID string) (*cachestore.Entry, error)
}

// Deps wires the backends a Router may read from. GS and CS are
// optional, mirroring coordinator.Deps: a deployment without Neo4j or
// Redis simply never takes the branches that need them.
type Deps struct {
	RS ResourceStore
	UI *universalindex.Layer
	GS GraphReader
	CS CacheReader
}

// Router selects a retrieval strategy per storage_type and falls back
// along the chain spec.md §4.8 prescribes when the primary backend
// can't serve the request.
type Router struct {
	deps Deps
	log  *zap.Logger
}

// New builds a Router over deps.
func New(deps Deps) *Router {
	return &Router{deps: deps, log: logging.For("router")}
}

// category groups storage_types by retrieval strategy, per §4.8's table.
func category(t types.ResourceType) string {
	switch t {
	case types.ResourceChat:
		return "chat"
	case types.ResourceDocument, types.ResourceCode:
		return "document"
	case types.ResourceChainOfThought, types.ResourcePattern, types.ResourceNote:
		return "semantic"
	case types.ResourceBlueprint, types.ResourceCoordination:
		return "graph"
	case types.ResourceTask:
		return "indexed"
	case types.ResourceCacheEntry:
		return "realtime"
	default:
		return "semantic"
	}
}

// Retrieve dispatches q to the strategy its primary storage_type uses,
// falling back per §4.8 when the primary backend errs or is absent.
// queryEmbedding is required for the "document"/"semantic" categories
// and ignored otherwise. The returned Method records which backend
// actually answered, including any fallback taken.
func (r *Router) Retrieve(ctx context.Context, q types.SearchQuery, queryEmbedding []float32) ([]types.SearchResult, Method, error) {
	st := types.ResourceDocument
	if len(q.StorageTypes) > 0 {
		st = q.StorageTypes[0]
	}

	switch category(st) {
	case "chat":
		return r.retrieveChat(ctx, q)
	case "document":
		return r.retrieveDocument(ctx, q, queryEmbedding)
	case "semantic":
		return r.retrieveSemantic(ctx, q, queryEmbedding, st)
	case "graph":
		return r.retrieveGraph(ctx, q, st)
	case "indexed":
		return r.retrieveIndexed(ctx, q, st)
	case "realtime":
		return r.retrieveRealtime(ctx, q, st)
	default:
		return r.retrieveSemantic(ctx, q, queryEmbedding, st)
	}
}

// retrieveChat: CS-first (a single cached recent entry keyed by
// conversation_id), falling back to RS's chat history.
func (r *Router) retrieveChat(ctx context.Context, q types.SearchQuery) ([]types.SearchResult, Method, error) {
	if r.deps.CS != nil && q.ConversationID != "" {
		entry, err := r.deps.CS.Get(ctx, q.ConversationID)
		if err == nil {
			return []types.SearchResult{chatCacheResult(entry)}, MethodCacheFirst, nil
		}
		if errutil.KindOf(err) != errutil.NotFound {
			r.log.Warn("cache lookup failed, falling back to RS", zap.Error(err))
		}
	}

	messages, err := r.deps.RS.GetChatByConversation(ctx, q.ConversationID, q.TopK)
	if err != nil {
		return nil, MethodRSFallback, err
	}
	return chatMessageResults(messages), MethodRSFallback, nil
}

// retrieveDocument: VI semantic search, enriched with each hit's
// outgoing GS relationships when GS is available; falls back to RS's
// indexed recency list if the vector search itself fails.
func (r *Router) retrieveDocument(ctx context.Context, q types.SearchQuery, queryEmbedding []float32) ([]types.SearchResult, Method, error) {
	hits, err := r.deps.UI.SearchUniversal(ctx, queryEmbedding, q.TopK, filterFor(q))
	if err != nil {
		return r.rsIndexedFallback(ctx, q, types.ResourceDocument)
	}

	results := make([]types.SearchResult, 0, len(hits))
	method := MethodSemantic
	for _, h := range hits {
		sr := types.SearchResult{Document: h.Document, Score: h.Score}
		if q.IncludeRelationships && r.deps.GS != nil {
			if resourceID, ok := originalIDAsResourceID(h.Document.OriginalID); ok {
				rels, err := r.deps.GS.GetRelationships(ctx, resourceID, graphstore.Outgoing)
				if err == nil {
					sr.Relationships = edgesFromRelationships(rels)
					method = MethodSemanticEnriched
				}
			}
		}
		results = append(results, sr)
	}
	return results, method, nil
}

// retrieveSemantic: plain VI semantic search (no graph enrichment),
// falling back to RS's indexed recency list.
func (r *Router) retrieveSemantic(ctx context.Context, q types.SearchQuery, queryEmbedding []float32, st types.ResourceType) ([]types.SearchResult, Method, error) {
	hits, err := r.deps.UI.SearchUniversal(ctx, queryEmbedding, q.TopK, filterFor(q))
	if err != nil {
		return r.rsIndexedFallback(ctx, q, st)
	}
	results := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, types.SearchResult{Document: h.Document, Score: h.Score})
	}
	return results, MethodSemantic, nil
}

// retrieveGraph: GS traversal from the query's seed resource (carried
// in q.ConversationID, reused as a generic seed-id field here), falling
// back to RS's link table when GS is unavailable.
func (r *Router) retrieveGraph(ctx context.Context, q types.SearchQuery, st types.ResourceType) ([]types.SearchResult, Method, error) {
	seedID, ok := originalIDAsResourceID(q.ConversationID)
	if ok && r.deps.GS != nil {
		rels, err := r.deps.GS.GetRelationships(ctx, seedID, graphstore.Outgoing)
		if err == nil {
			return graphRelationshipResults(rels, st), MethodGraphTraversal, nil
		}
		r.log.Warn("graph traversal failed, falling back to RS links", zap.Error(err))
	}

	if !ok {
		return r.rsIndexedFallback(ctx, q, st)
	}
	links, err := r.deps.RS.ListLinks(ctx, seedID, relstore.Outgoing)
	if err != nil {
		return nil, MethodRSFallback, err
	}
	return linkResults(links, st), MethodRSFallback, nil
}

// retrieveIndexed: tasks have no fallback — RS's own index is the only
// strategy (§4.8's table lists "—" for tasks).
func (r *Router) retrieveIndexed(ctx context.Context, q types.SearchQuery, st types.ResourceType) ([]types.SearchResult, Method, error) {
	results, _, err := r.rsIndexedFallback(ctx, q, st)
	return results, MethodIndexed, err
}

// retrieveRealtime: CS realtime lookup falling back to RS.
func (r *Router) retrieveRealtime(ctx context.Context, q types.SearchQuery, st types.ResourceType) ([]types.SearchResult, Method, error) {
	if r.deps.CS != nil && q.ConversationID != "" {
		entry, err := r.deps.CS.Get(ctx, q.ConversationID)
		if err == nil {
			return []types.SearchResult{chatCacheResult(entry)}, MethodCacheRealtime, nil
		}
		if errutil.KindOf(err) != errutil.NotFound {
			r.log.Warn("cache lookup failed, falling back to RS", zap.Error(err))
		}
	}
	return r.rsIndexedFallback(ctx, q, st)
}

func (r *Router) rsIndexedFallback(ctx context.Context, q types.SearchQuery, st types.ResourceType) ([]types.SearchResult, Method, error) {
	resources, err := r.deps.RS.ListResourcesByType(ctx, st, q.TopK)
	if err != nil {
		return nil, MethodRSFallback, err
	}
	return resourceResults(resources), MethodRSFallback, nil
}

func filterFor(q types.SearchQuery) universalindex.Filter {
	return universalindex.Filter{StorageTypes: q.StorageTypes, SourceDatabases: q.SourceDatabases}
}

func chatCacheResult(e *cachestore.Entry) types.SearchResult {
	return types.SearchResult{Document: types.UniversalDocument{
		UniversalID:    "chat:cs:" + e.DocID,
		OriginalID:     e.DocID,
		StorageType:    types.ResourceChat,
		SourceDatabase: "cs",
		ContentPreview: types.Truncate(e.Content),
		Metadata:       e.Metadata,
		IndexedAt:      time.Now().UTC(),
	}}
}

func chatMessageResults(messages []types.ChatMessage) []types.SearchResult {
	out := make([]types.SearchResult, len(messages))
	for i, m := range messages {
		out[i] = types.SearchResult{Document: types.UniversalDocument{
			UniversalID:    "chat:rs:" + m.ConversationID,
			OriginalID:     m.ConversationID,
			StorageType:    types.ResourceChat,
			SourceDatabase: "rs",
			ContentPreview: types.Truncate(m.Content),
			IndexedAt:      m.Timestamp,
		}}
	}
	return out
}

func resourceResults(resources []types.Resource) []types.SearchResult {
	out := make([]types.SearchResult, len(resources))
	for i, res := range resources {
		out[i] = types.SearchResult{Document: types.UniversalDocument{
			UniversalID:    universalindex.NewUniversalID(res.Type, "rs", resourceOriginalID(res.ResourceID)),
			OriginalID:     resourceOriginalID(res.ResourceID),
			StorageType:    res.Type,
			SourceDatabase: "rs",
			ContentPreview: types.Truncate(res.FileName),
			IndexedAt:      res.CreatedAt,
		}}
	}
	return out
}

func linkResults(links []types.Link, st types.ResourceType) []types.SearchResult {
	out := make([]types.SearchResult, len(links))
	for i, l := range links {
		out[i] = types.SearchResult{Document: types.UniversalDocument{
			UniversalID:    universalindex.NewUniversalID(st, "rs", resourceOriginalID(l.TargetResourceID)),
			OriginalID:     resourceOriginalID(l.TargetResourceID),
			StorageType:    st,
			SourceDatabase: "rs",
			IndexedAt:      l.CreatedAt,
		}, Score: l.Weight}
	}
	return out
}

func graphRelationshipResults(rels []graphstore.Relationship, st types.ResourceType) []types.SearchResult {
	out := make([]types.SearchResult, len(rels))
	for i, rel := range rels {
		out[i] = types.SearchResult{Document: types.UniversalDocument{
			UniversalID:    universalindex.NewUniversalID(st, "gs", resourceOriginalID(rel.TargetResourceID)),
			OriginalID:     resourceOriginalID(rel.TargetResourceID),
			StorageType:    st,
			SourceDatabase: "gs",
			IndexedAt:      rel.CreatedAt,
		}, Score: rel.Weight}
	}
	return out
}

func edgesFromRelationships(rels []graphstore.Relationship) []types.RelationshipEdge {
	out := make([]types.RelationshipEdge, len(rels))
	for i, rel := range rels {
		out[i] = types.RelationshipEdge{TargetResourceID: rel.TargetResourceID, LinkType: rel.LinkType, Weight: rel.Weight}
	}
	return out
}
