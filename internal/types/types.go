// Package types defines the data model shared by every backend adapter:
// resources, chunks, links, chat messages and the universal document
// envelope produced by the universal index layer.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ResourceType is the semantic category of a stored item. It is the key
// the storage and retrieval routers dispatch on.
type ResourceType string

const (
	ResourceDocument        ResourceType = "document"
	ResourceCode            ResourceType = "code"
	ResourceNote            ResourceType = "note"
	ResourceChat            ResourceType = "chat"
	ResourceBlueprint       ResourceType = "blueprint"
	ResourceTask            ResourceType = "task"
	ResourcePattern         ResourceType = "pattern"
	ResourceCacheEntry      ResourceType = "cache_entry"
	ResourceChainOfThought  ResourceType = "chain_of_thought"
	ResourceCoordination    ResourceType = "coordination"
)

// Valid reports whether rt is one of the recognized resource types.
func (rt ResourceType) Valid() bool {
	switch rt {
	case ResourceDocument, ResourceCode, ResourceNote, ResourceChat,
		ResourceBlueprint, ResourceTask, ResourcePattern,
		ResourceCacheEntry, ResourceChainOfThought, ResourceCoordination:
		return true
	default:
		return false
	}
}

// Resource is a stored unit owned by the relational store. It is created
// by store and never mutated in place; deleting a resource cascades to
// its chunks and links.
type Resource struct {
	ResourceID int64        `json:"resource_id"`
	FileName   string       `json:"file_name"`
	Type       ResourceType `json:"type"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Chunk is a sub-range of a resource's text. It owns exactly one vector,
// identified by VectorID, allocated from the relational store's
// dedicated sequence (never synthesized by a caller).
type Chunk struct {
	ChunkID    int64  `json:"chunk_id"`
	ResourceID int64  `json:"resource_id"`
	ChunkText  string `json:"chunk_text"`
	VectorID   int64  `json:"vector_id"`
}

// Link is a typed directed edge between two resources, mirrored in both
// the relational store (canonical) and the graph store (traversal).
type Link struct {
	LinkID           int64     `json:"link_id"`
	SourceResourceID int64     `json:"source_resource_id"`
	TargetResourceID int64     `json:"target_resource_id"`
	LinkType         string    `json:"link_type"`
	Weight           float64   `json:"weight"`
	Metadata         string    `json:"metadata"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks the invariants the relational and graph stores both
// rely on: both endpoints present, weight in [0,1], a non-empty type.
func (l *Link) Validate() error {
	if l.SourceResourceID <= 0 || l.TargetResourceID <= 0 {
		return fmt.Errorf("link requires positive source and target resource ids")
	}
	if strings.TrimSpace(l.LinkType) == "" {
		return fmt.Errorf("link_type must not be empty")
	}
	if l.Weight < 0 || l.Weight > 1 {
		return fmt.Errorf("weight must be in [0,1], got %f", l.Weight)
	}
	return nil
}

// ChatRole is the speaker of a chat message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// ChatMessage is an RS-owned conversational turn, optionally mirrored in
// the cache store for hot replay.
type ChatMessage struct {
	MessageID      int64          `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	Role           ChatRole       `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	AgentName      string         `json:"agent_name,omitempty"`
	SourceTool     string         `json:"source_tool,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ContextLink records which chunks contributed to a message's context,
// for provenance queries.
type ContextLink struct {
	MessageID int64 `json:"message_id"`
	ChunkID   int64 `json:"chunk_id"`
}

// CompactionSnapshot is a full-fidelity session checkpoint. No operation
// in this module stores or loads one; Derive builds its LeanContext.
type CompactionSnapshot struct {
	SessionID     string    `json:"session_id"`
	FullContext   string    `json:"full_context"`
	ActiveTodos   []string  `json:"active_todos"`
	ActiveFile    string    `json:"active_file"`
	Goal          string    `json:"goal"`
	CreatedAt     time.Time `json:"created_at"`
}

// LeanContext is the derived, minimal-resume view of a CompactionSnapshot:
// only what is needed to pick a session back up.
type LeanContext struct {
	SessionID  string   `json:"session_id"`
	ActiveFile string   `json:"active_file"`
	Goal       string   `json:"goal"`
	TopTodos   []string `json:"top_todos"`
}

// MaxLeanTodos bounds how many todo entries a LeanContext carries.
const MaxLeanTodos = 5

// Derive builds the minimal resumption view of a snapshot.
func (c *CompactionSnapshot) Derive() *LeanContext {
	todos := c.ActiveTodos
	if len(todos) > MaxLeanTodos {
		todos = todos[:MaxLeanTodos]
	}
	return &LeanContext{
		SessionID:  c.SessionID,
		ActiveFile: c.ActiveFile,
		Goal:       c.Goal,
		TopTodos:   todos,
	}
}

// UniversalDocument is the universal index layer's view of any stored
// item: enough to re-derive the item from its home backend.
type UniversalDocument struct {
	UniversalID     string         `json:"universal_id"`
	OriginalID      string         `json:"original_id"`
	StorageType     ResourceType   `json:"storage_type"`
	SourceDatabase  string         `json:"source_database"`
	ContentPreview  string         `json:"content_preview"`
	ContentHash     string         `json:"content_hash"`
	IndexedAt       time.Time      `json:"indexed_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// MaxContentPreview is the hard cap on UniversalDocument.ContentPreview.
const MaxContentPreview = 200

// Truncate clips s to MaxContentPreview runes for use as a content preview.
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxContentPreview {
		return s
	}
	return string(r[:MaxContentPreview])
}

// Backend identifies one of the four heterogeneous stores (RS, VI, GS,
// CS) or the universal index layer (UIL) the atomic coordinator writes to.
type Backend string

const (
	BackendRS  Backend = "RS"
	BackendVI  Backend = "VI"
	BackendGS  Backend = "GS"
	BackendCS  Backend = "CS"
	BackendUIL Backend = "UIL"
)

// SearchQuery is the input to universal semantic search.
type SearchQuery struct {
	Query              string
	TopK               int
	StorageTypes       []ResourceType
	SourceDatabases    []string
	ConversationID     string
	IncludeRelationships bool
	RelationshipDepth  int
}

// SearchResult is one ranked hit from universal semantic search.
type SearchResult struct {
	Document         UniversalDocument `json:"document"`
	Score            float64           `json:"score"`
	Relationships    []RelationshipEdge `json:"relationships,omitempty"`
	DeepRelationships []GraphPath       `json:"deep_relationships,omitempty"`
}

// RelationshipEdge summarizes one outgoing graph edge for a search hit.
type RelationshipEdge struct {
	TargetResourceID int64   `json:"target_resource_id"`
	LinkType         string  `json:"link_type"`
	Weight           float64 `json:"weight"`
}

// GraphPath is a sequence of resource ids reached via graph traversal,
// bounded by the relationship depth requested.
type GraphPath struct {
	ResourceIDs []int64  `json:"resource_ids"`
	LinkTypes   []string `json:"link_types"`
}

// Facets summarizes a result set by storage type, source database, and
// a coarse time bucket (day granularity).
type Facets struct {
	ByStorageType    map[ResourceType]int `json:"by_storage_type"`
	BySourceDatabase map[string]int       `json:"by_source_database"`
	ByTimeBucket     map[string]int       `json:"by_time_bucket"`
}

// SearchResponse is the full return shape of universal semantic search:
// ranked results, facets over the result set, and how long the search
// took, for the caller to surface as a search-duration metric.
type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	Facets     *Facets        `json:"facets"`
	DurationMs int64          `json:"duration_ms"`
}

// NewFacets returns an empty, initialized Facets.
func NewFacets() *Facets {
	return &Facets{
		ByStorageType:    make(map[ResourceType]int),
		BySourceDatabase: make(map[string]int),
		ByTimeBucket:     make(map[string]int),
	}
}

// Add folds one document into the facet counts.
func (f *Facets) Add(doc *UniversalDocument) {
	f.ByStorageType[doc.StorageType]++
	f.BySourceDatabase[doc.SourceDatabase]++
	bucket := doc.IndexedAt.UTC().Format("2006-01-02")
	f.ByTimeBucket[bucket]++
}
