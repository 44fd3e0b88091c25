// Package memory implements the service facade: the verb surface from
// spec.md §6 (memory:*, chat:*, context:*, search:*), each returning an
// errutil.Envelope. It is the one package that wires every other
// component together — chunker and embedder feed the atomic
// coordinator's store transactions, the retrieval router and universal
// searcher answer reads, and GS/CS are optional throughout.
package memory

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ltmc/internal/cachestore"
	"ltmc/internal/chunking"
	"ltmc/internal/coordinator"
	"ltmc/internal/embeddings"
	"ltmc/internal/errutil"
	"ltmc/internal/graphstore"
	"ltmc/internal/logging"
	"ltmc/internal/relstore"
	"ltmc/internal/router"
	"ltmc/internal/search"
	"ltmc/internal/types"
	"ltmc/internal/universalindex"
)

// Service wires the backend adapters together and exposes spec.md §6's
// verb surface over them.
type Service struct {
	rs       *relstore.Store
	ui       *universalindex.Layer
	gs       *graphstore.Store
	cs       *cachestore.Store
	ac       *coordinator.Coordinator
	acDeps   coordinator.Deps
	router   *router.Router
	searcher *search.Searcher
	chunker  *chunking.Service
	embedder embeddings.Embedder
	cacheTTL time.Duration
	log      *zap.Logger
}

// New builds a Service. gs and cs may be nil when Neo4j/Redis are
// disabled (config.Neo4jConfig.Enabled / RedisConfig.Enabled false);
// every verb except QueryGraph degrades per spec.md §4.8's fallback
// chains when they are absent; QueryGraph fails with backend_unavailable
// when gs is nil.
func New(rs *relstore.Store, ui *universalindex.Layer, gs *graphstore.Store, cs *cachestore.Store, chunker *chunking.Service, embedder embeddings.Embedder, cacheTTL time.Duration) *Service {
	acDeps := coordinator.Deps{RS: rs, VI: ui}
	routerDeps := router.Deps{RS: rs, UI: ui}
	searchDeps := search.Deps{UI: ui, Embedder: embedder}

	if gs != nil {
		acDeps.GS = gs
		routerDeps.GS = gs
		searchDeps.GS = gs
	}
	if cs != nil {
		acDeps.CS = cs
		routerDeps.CS = cs
	}

	ac := coordinator.New()
	searchDeps.AC = ac
	searchDeps.Backends = acDeps

	return &Service{
		rs:       rs,
		ui:       ui,
		gs:       gs,
		cs:       cs,
		ac:       ac,
		acDeps:   acDeps,
		router:   router.New(routerDeps),
		searcher: search.New(searchDeps),
		chunker:  chunker,
		embedder: embedder,
		cacheTTL: cacheTTL,
		log:      logging.For("memory"),
	}
}

// Store implements memory:store.
func (s *Service) Store(ctx context.Context, fileName, content string, resourceType types.ResourceType, conversationID string, metadata map[string]any) *errutil.Envelope {
	if resourceType == "" {
		resourceType = types.ResourceDocument
	}
	if !resourceType.Valid() {
		return errutil.Fail(errutil.New(errutil.InvalidInput, "unrecognized resource_type %q", resourceType))
	}
	if strings.TrimSpace(fileName) == "" {
		return errutil.Fail(errutil.New(errutil.InvalidInput, "file_name is required"))
	}

	if conversationID != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["conversation_id"] = conversationID
	}

	texts := s.chunker.Chunk(content)
	if len(texts) == 0 {
		texts = []string{content}
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return errutil.Fail(err)
	}

	chunks := make([]coordinator.ChunkToStore, len(texts))
	for i, text := range texts {
		vectorID, err := s.rs.AllocateVectorID(ctx)
		if err != nil {
			return errutil.Fail(err)
		}
		chunks[i] = coordinator.ChunkToStore{Text: text, VectorID: vectorID, Embedding: vectors[i]}
	}

	tx, outcome := coordinator.NewStoreTransaction(s.acDeps, coordinator.StoreParams{
		StorageType: resourceType,
		FileName:    fileName,
		Content:     content,
		Chunks:      chunks,
		Metadata:    metadata,
		CacheTTL:    s.cacheTTL,
	})
	result, err := s.ac.Execute(ctx, tx)
	if err != nil {
		return errutil.Fail(err)
	}

	return errutil.Ok(map[string]any{
		"resource_id":       outcome.Resource.ResourceID,
		"chunks_created":    len(outcome.Chunks),
		"affected_backends": result.AffectedBackends,
		"immediate_search_validation": map[string]any{
			"validation_passed": outcome.ImmediateSearchValidationPassed,
		},
	})
}

// Retrieve implements memory:retrieve.
func (s *Service) Retrieve(ctx context.Context, query, conversationID string, topK int, storageTypes []types.ResourceType) *errutil.Envelope {
	if topK <= 0 {
		topK = 10
	}
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return errutil.Fail(err)
	}

	q := types.SearchQuery{Query: query, TopK: topK, StorageTypes: storageTypes, ConversationID: conversationID}
	results, method, err := s.router.Retrieve(ctx, q, embedding)
	if err != nil {
		return errutil.Fail(err)
	}

	docs := make([]types.UniversalDocument, len(results))
	for i, r := range results {
		docs[i] = r.Document
	}
	return errutil.Ok(map[string]any{
		"documents":        docs,
		"total_found":      len(docs),
		"retrieval_method": method,
	})
}

// List implements memory:list. A literal "*" (or empty) query lists
// recent resources of the given type straight from RS; any other query
// runs a type-filtered semantic search.
func (s *Service) List(ctx context.Context, query string, resourceType types.ResourceType, topK int) *errutil.Envelope {
	if topK <= 0 {
		topK = 10
	}
	if query == "" || query == "*" {
		resources, err := s.rs.ListResourcesByType(ctx, resourceType, topK)
		if err != nil {
			return errutil.Fail(err)
		}
		return errutil.Ok(map[string]any{"resources": resources, "total_found": len(resources)})
	}

	resp, err := s.searcher.SemanticSearchFiltered(ctx, query, []types.ResourceType{resourceType}, nil, topK)
	if err != nil {
		return errutil.Fail(err)
	}
	return errutil.Ok(resp)
}

// AskWithContext implements memory:ask_with_context: it runs a semantic
// search, assembles the hit chunks into a context window, logs the
// query as a chat turn, and records which chunks fed that turn
// (original_source/ltms/services/context_service.py's get_context_for_query,
// adapted onto the universal index instead of a bare FAISS lookup).
func (s *Service) AskWithContext(ctx context.Context, query, conversationID string, topK int) *errutil.Envelope {
	if topK <= 0 {
		topK = 5
	}
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return errutil.Fail(err)
	}

	hits, err := s.ui.SearchUniversal(ctx, embedding, topK, universalindex.Filter{})
	if err != nil {
		return errutil.Fail(err)
	}

	vectorIDs := make([]int64, len(hits))
	for i, h := range hits {
		vectorIDs[i] = h.VectorID
	}
	chunks, err := s.rs.GetChunksByVectorIDs(ctx, vectorIDs)
	if err != nil {
		return errutil.Fail(err)
	}

	msg, err := s.rs.LogChatMessage(ctx, &types.ChatMessage{ConversationID: conversationID, Role: types.RoleUser, Content: query})
	if err != nil {
		return errutil.Fail(err)
	}

	chunkIDs := make([]int64, len(chunks))
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ChunkID
		parts[i] = c.ChunkText
	}
	if err := s.rs.StoreContextLinks(ctx, msg.MessageID, chunkIDs); err != nil {
		s.log.Warn("failed to record context links", zap.Error(err))
	}

	return errutil.Ok(map[string]any{
		"context":          strings.Join(parts, "\n\n"),
		"message_id":       msg.MessageID,
		"retrieved_chunks": chunks,
	})
}

// ChatLog implements chat:log.
func (s *Service) ChatLog(ctx context.Context, content, conversationID string, role types.ChatRole, agentName, sourceTool string, metadata map[string]any) *errutil.Envelope {
	if role == "" {
		role = types.RoleUser
	}
	msg, err := s.rs.LogChatMessage(ctx, &types.ChatMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		AgentName:      agentName,
		SourceTool:     sourceTool,
		Metadata:       metadata,
	})
	if err != nil {
		return errutil.Fail(err)
	}

	if s.cs != nil {
		if err := s.cs.Cache(ctx, conversationID, content, metadata, s.cacheTTL); err != nil {
			s.log.Warn("chat cache mirror failed", zap.Error(err))
		}
	}
	return errutil.Ok(msg)
}

// ChatGetByTool implements chat:get_by_tool.
func (s *Service) ChatGetByTool(ctx context.Context, tool string, limit int) *errutil.Envelope {
	if limit <= 0 {
		limit = 10
	}
	messages, err := s.rs.GetChatBySourceTool(ctx, tool, limit)
	if err != nil {
		return errutil.Fail(err)
	}
	return errutil.Ok(messages)
}

// LinkResources implements context:link_resources.
func (s *Service) LinkResources(ctx context.Context, sourceID, targetID int64, relation string, weight float64, metadata string) *errutil.Envelope {
	if weight <= 0 {
		weight = 1.0
	}
	link := &types.Link{SourceResourceID: sourceID, TargetResourceID: targetID, LinkType: relation, Weight: weight, Metadata: metadata}

	tx, outcome := coordinator.NewCreateLinkTransaction(s.acDeps, link, s.gs != nil)
	result, err := s.ac.Execute(ctx, tx)
	if err != nil {
		return errutil.Fail(err)
	}

	var fallbackReasons []string
	for _, r := range result.PerBackendResults {
		if r.Status == coordinator.StatusFailed {
			fallbackReasons = append(fallbackReasons, r.FallbackReason)
		}
	}

	return errutil.Ok(map[string]any{
		"link_id":           outcome.Link.LinkID,
		"affected_backends": result.AffectedBackends,
		"fallback_reasons":  fallbackReasons,
	})
}

// AutoLinkDocuments implements context:auto_link_documents. documents,
// when given, names candidate resource ids to re-link; an empty slice
// re-links every live document in the universal index.
func (s *Service) AutoLinkDocuments(ctx context.Context, documents []int64, similarityThreshold float64, maxLinksPerDocument int) *errutil.Envelope {
	var candidateVectorIDs []int64
	for _, resourceID := range documents {
		chunks, err := s.rs.ListChunksByResource(ctx, resourceID)
		if err != nil {
			return errutil.Fail(err)
		}
		for _, c := range chunks {
			candidateVectorIDs = append(candidateVectorIDs, c.VectorID)
		}
	}

	results, err := s.searcher.AutoLinkDocuments(ctx, candidateVectorIDs, similarityThreshold, maxLinksPerDocument)
	if err != nil {
		return errutil.Fail(err)
	}
	return errutil.Ok(results)
}

// QueryGraph implements context:query_graph. query identifies the seed
// resource, either as a decimal resource_id or a file_name; relationType,
// when non-empty, narrows the returned edges to that link_type.
func (s *Service) QueryGraph(ctx context.Context, query, relationType string) *errutil.Envelope {
	if s.gs == nil {
		return errutil.Fail(errutil.New(errutil.BackendUnavailable, "graph store is not configured"))
	}

	resourceID, err := s.resolveSeed(ctx, query)
	if err != nil {
		return errutil.Fail(err)
	}

	rels, err := s.gs.GetRelationships(ctx, resourceID, graphstore.Outgoing)
	if err != nil {
		return errutil.Fail(err)
	}
	if relationType != "" {
		filtered := make([]graphstore.Relationship, 0, len(rels))
		for _, r := range rels {
			if r.LinkType == relationType {
				filtered = append(filtered, r)
			}
		}
		rels = filtered
	}
	return errutil.Ok(map[string]any{"relationships": rels})
}

func (s *Service) resolveSeed(ctx context.Context, query string) (int64, error) {
	if id, err := strconv.ParseInt(query, 10, 64); err == nil {
		return id, nil
	}
	resource, err := s.rs.GetResourceByFileName(ctx, query)
	if err != nil {
		return 0, err
	}
	return resource.ResourceID, nil
}

// SearchUniversal implements search:universal.
func (s *Service) SearchUniversal(ctx context.Context, query string, topK int, storageTypes []types.ResourceType, sourceDatabases []string, includeRelationships bool) *errutil.Envelope {
	if topK <= 0 {
		topK = 10
	}

	var resp *types.SearchResponse
	var err error
	if len(storageTypes) > 0 || len(sourceDatabases) > 0 {
		resp, err = s.searcher.SemanticSearchFiltered(ctx, query, storageTypes, sourceDatabases, topK)
	} else {
		resp, err = s.searcher.SemanticSearchAll(ctx, query, topK, includeRelationships)
	}
	if err != nil {
		return errutil.Fail(err)
	}
	return errutil.Ok(resp)
}
