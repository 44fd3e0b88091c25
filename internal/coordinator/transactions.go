package coordinator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"ltmc/internal/errutil"
	"ltmc/internal/relstore"
	"ltmc/internal/types"
)

// ResourceStore is the slice of relstore.Store the coordinator depends
// on, narrowed to an interface so transactions.go can be exercised
// against fakes without a live SQLite file.
type ResourceStore interface {
	CreateResource(ctx context.Context, fileName string, rtype types.ResourceType) (*types.Resource, error)
	GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error)
	GetResource(ctx context.Context, resourceID int64) (*types.Resource, error)
	AppendChunks(ctx context.Context, resourceID int64, chunks []relstore.ChunkInput) ([]types.Chunk, error)
	ListChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error)
	DeleteResource(ctx context.Context, resourceID int64) ([]int64, error)
	CreateLink(ctx context.Context, l *types.Link) (*types.Link, error)
	DeleteLink(ctx context.Context, linkID int64) error
}

// VectorLayer is the slice of universalindex.Layer the coordinator
// depends on.
type VectorLayer interface {
	StoreUniversalVector(ctx context.Context, vectorID int64, storageType types.ResourceType, primaryDB, originalID, content string, embedding []float32, metadata map[string]any) (*types.UniversalDocument, bool, error)
	DocsByOriginalID(originalID string) map[int64]types.UniversalDocument
	DeleteByOriginalID(ctx context.Context, originalID string) (int, []string, error)
	Restore(ctx context.Context, vectorID int64, doc types.UniversalDocument) error
}

// GraphStore is the slice of graphstore.Store the coordinator depends on.
type GraphStore interface {
	UpsertDocumentNode(ctx context.Context, resourceID int64, properties map[string]any) error
	DeleteDocumentNode(ctx context.Context, resourceID int64) error
	CreateRelationship(ctx context.Context, sourceResourceID, targetResourceID int64, linkType string, weight float64, metadata string, createdAt time.Time) error
	DeleteRelationship(ctx context.Context, sourceResourceID, targetResourceID int64, linkType string) error
}

// CacheStore is the slice of cachestore.Store the coordinator depends on.
type CacheStore interface {
	Cache(ctx context.Context, docID, content string, metadata map[string]any, ttl time.Duration) error
	Delete(ctx context.Context, docID string) error
}

// Deps wires the four backend adapters a StorageRouter transaction may
// touch. GS and CS are optional: a deployment that runs without Neo4j or
// Redis leaves them nil, and a GS or CS step whose dep is nil fails as
// backend_unavailable instead of dereferencing it. Those steps are
// non-required, so the transaction still commits and reports the
// failure as a fallback reason.
type Deps struct {
	RS ResourceStore
	VI VectorLayer
	GS GraphStore
	CS CacheStore
}

// backendsFor implements the storage_type x backend compatibility
// matrix from spec.md §4.8.
func backendsFor(t types.ResourceType) map[types.Backend]bool {
	set := func(backends ...types.Backend) map[types.Backend]bool {
		m := make(map[types.Backend]bool, len(backends))
		for _, b := range backends {
			m[b] = true
		}
		return m
	}

	switch t {
	case types.ResourceDocument, types.ResourceCode, types.ResourceNote:
		return set(types.BackendRS, types.BackendVI, types.BackendGS, types.BackendCS, types.BackendUIL)
	case types.ResourceChat, types.ResourceTask:
		return set(types.BackendRS, types.BackendCS, types.BackendUIL)
	case types.ResourceChainOfThought, types.ResourcePattern:
		return set(types.BackendRS, types.BackendVI, types.BackendUIL)
	case types.ResourceBlueprint, types.ResourceCoordination:
		return set(types.BackendRS, types.BackendGS, types.BackendUIL)
	case types.ResourceCacheEntry:
		return set(types.BackendCS, types.BackendUIL)
	default:
		return set(types.BackendRS, types.BackendUIL)
	}
}

// ChunkToStore pairs one chunk's text, pre-allocated vector id (from
// relstore.AllocateVectorID — spec.md §4.1 I2) and embedding.
type ChunkToStore struct {
	Text      string
	VectorID  int64
	Embedding []float32
}

// StoreParams is the input to NewStoreTransaction.
type StoreParams struct {
	StorageType types.ResourceType
	FileName    string
	Content     string // full text, cached verbatim in CS
	Chunks      []ChunkToStore
	Metadata    map[string]any
	PrimaryDB   string
	CacheTTL    time.Duration
}

// StoreOutcome accumulates what NewStoreTransaction's steps produce as
// they run; read it after Coordinator.Execute returns.
type StoreOutcome struct {
	Resource      *types.Resource
	Chunks        []types.Chunk
	UniversalDocs []*types.UniversalDocument
	Fresh         bool // false when the file_name already existed (idempotent replay)

	// ImmediateSearchValidationPassed is VI's self-check (spec.md §4.2,
	// §8 scenario 4): true unless some chunk just written failed to come
	// back as its own top-1 nearest neighbor. True on an idempotent
	// replay, where nothing new was written to validate.
	ImmediateSearchValidationPassed bool
}

func resourceOriginalID(resourceID int64) string {
	return strconv.FormatInt(resourceID, 10)
}

func toChunkInputs(chunks []ChunkToStore) []relstore.ChunkInput {
	out := make([]relstore.ChunkInput, len(chunks))
	for i, c := range chunks {
		out[i] = relstore.ChunkInput{Text: c.Text, VectorID: c.VectorID}
	}
	return out
}

// NewStoreTransaction builds the ordered create transaction spec.md
// §4.9 prescribes: RS first (source of truth), then VI/UIL, then GS,
// then CS — restricted to whichever of those the storage_type's row in
// §4.8's compatibility matrix actually uses. Re-running it with the
// same file_name is idempotent: the resource is reused and its chunks
// are not re-appended (StoreOutcome.Fresh reports false).
func NewStoreTransaction(deps Deps, p StoreParams) (*Transaction, *StoreOutcome) {
	if p.PrimaryDB == "" {
		p.PrimaryDB = "rs"
	}
	backends := backendsFor(p.StorageType)
	outcome := &StoreOutcome{ImmediateSearchValidationPassed: true}
	tx := NewTransaction()

	tx.AddStep(Step{
		Backend:  types.BackendRS,
		Required: true,
		Apply: func(ctx context.Context) error {
			res, err := deps.RS.CreateResource(ctx, p.FileName, p.StorageType)
			if err != nil {
				if errutil.KindOf(err) != errutil.Conflict {
					return err
				}
				existing, gerr := deps.RS.GetResourceByFileName(ctx, p.FileName)
				if gerr != nil {
					return gerr
				}
				chunks, gerr := deps.RS.ListChunksByResource(ctx, existing.ResourceID)
				if gerr != nil {
					return gerr
				}
				outcome.Resource, outcome.Chunks, outcome.Fresh = existing, chunks, false
				return nil
			}

			chunks, err := deps.RS.AppendChunks(ctx, res.ResourceID, toChunkInputs(p.Chunks))
			if err != nil {
				return err
			}
			outcome.Resource, outcome.Chunks, outcome.Fresh = res, chunks, true
			return nil
		},
		Compensate: func(ctx context.Context) error {
			if outcome.Resource == nil || !outcome.Fresh {
				return nil
			}
			_, err := deps.RS.DeleteResource(ctx, outcome.Resource.ResourceID)
			return err
		},
	})

	// storeVectors is the actual vector-index write: one embedding per
	// chunk, plus VI's own immediate-searchability self-check (spec.md
	// §4.2). deleteOnRollback undoes it. Which Backend tag(s) this work
	// is reported under depends on backendsFor's matrix for p.StorageType:
	// types that touch VI distinctly (document/code/note,
	// chain_of_thought/pattern) get a BackendVI step plus a thin BackendUIL
	// confirmation step, so affected_backends can contain both; types that
	// only touch the universal envelope (chat/task, blueprint/coordination,
	// cache_entry) get a single BackendUIL step, since backendsFor never
	// lists VI as a backend they affect.
	storeVectors := func(ctx context.Context) error {
		if !outcome.Fresh {
			return nil
		}
		originalID := resourceOriginalID(outcome.Resource.ResourceID)
		for _, c := range p.Chunks {
			doc, passed, err := deps.VI.StoreUniversalVector(ctx, c.VectorID, p.StorageType, p.PrimaryDB, originalID, c.Text, c.Embedding, p.Metadata)
			if err != nil {
				return err
			}
			outcome.UniversalDocs = append(outcome.UniversalDocs, doc)
			if !passed {
				outcome.ImmediateSearchValidationPassed = false
			}
		}
		return nil
	}
	deleteOnRollback := func(ctx context.Context) error {
		if outcome.Resource == nil {
			return nil
		}
		_, _, err := deps.VI.DeleteByOriginalID(ctx, resourceOriginalID(outcome.Resource.ResourceID))
		return err
	}

	switch {
	case backends[types.BackendVI] && backends[types.BackendUIL]:
		tx.AddStep(Step{Backend: types.BackendVI, Required: false, Apply: storeVectors, Compensate: deleteOnRollback})
		tx.AddStep(Step{
			Backend:  types.BackendUIL,
			Required: false,
			Apply: func(ctx context.Context) error {
				if outcome.Fresh && len(p.Chunks) > 0 && len(outcome.UniversalDocs) != len(p.Chunks) {
					return errutil.New(errutil.Integrity, "universal index envelope count mismatch for resource %d", outcome.Resource.ResourceID)
				}
				return nil
			},
		})
	case backends[types.BackendVI]:
		tx.AddStep(Step{Backend: types.BackendVI, Required: false, Apply: storeVectors, Compensate: deleteOnRollback})
	case backends[types.BackendUIL]:
		tx.AddStep(Step{Backend: types.BackendUIL, Required: false, Apply: storeVectors, Compensate: deleteOnRollback})
	}

	if backends[types.BackendGS] {
		tx.AddStep(Step{
			Backend:  types.BackendGS,
			Required: false,
			Apply: func(ctx context.Context) error {
				if deps.GS == nil {
					return errutil.New(errutil.BackendUnavailable, "graph store is not configured")
				}
				if !outcome.Fresh {
					return nil
				}
				props := map[string]any{"file_name": p.FileName, "type": string(p.StorageType)}
				for k, v := range p.Metadata {
					props[k] = v
				}
				return deps.GS.UpsertDocumentNode(ctx, outcome.Resource.ResourceID, props)
			},
			Compensate: func(ctx context.Context) error {
				if outcome.Resource == nil {
					return nil
				}
				return deps.GS.DeleteDocumentNode(ctx, outcome.Resource.ResourceID)
			},
		})
	}

	if backends[types.BackendCS] {
		tx.AddStep(Step{
			Backend:  types.BackendCS,
			Required: false,
			Apply: func(ctx context.Context) error {
				if deps.CS == nil {
					return errutil.New(errutil.BackendUnavailable, "cache store is not configured")
				}
				if !outcome.Fresh {
					return nil
				}
				return deps.CS.Cache(ctx, resourceOriginalID(outcome.Resource.ResourceID), p.Content, p.Metadata, p.CacheTTL)
			},
			Compensate: func(ctx context.Context) error {
				if outcome.Resource == nil {
					return nil
				}
				return deps.CS.Delete(ctx, resourceOriginalID(outcome.Resource.ResourceID))
			},
		})
	}

	return tx, outcome
}

func joinChunkText(chunks []types.Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.ChunkText
	}
	return strings.Join(parts, "")
}

// NewDeleteResourceTransaction builds the ordered delete transaction
// spec.md §4.9 prescribes: CS first (invalidate), then GS, then VI/UIL,
// then RS last (required). It snapshots the resource's current chunks
// and universal documents up front so a required-step failure can roll
// the earlier, already-committed deletes back.
func NewDeleteResourceTransaction(ctx context.Context, deps Deps, resourceID int64, storageType types.ResourceType) (*Transaction, error) {
	backends := backendsFor(storageType)
	originalID := resourceOriginalID(resourceID)

	resource, err := deps.RS.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	var snapshotChunks []types.Chunk
	if backends[types.BackendCS] {
		snapshotChunks, err = deps.RS.ListChunksByResource(ctx, resourceID)
		if err != nil {
			return nil, err
		}
	}

	var snapshotDocs map[int64]types.UniversalDocument
	if backends[types.BackendVI] || backends[types.BackendUIL] {
		snapshotDocs = deps.VI.DocsByOriginalID(originalID)
	}

	tx := NewTransaction()

	if backends[types.BackendCS] {
		tx.AddStep(Step{
			Backend:  types.BackendCS,
			Required: false,
			Apply: func(ctx context.Context) error {
				if deps.CS == nil {
					return errutil.New(errutil.BackendUnavailable, "cache store is not configured")
				}
				return deps.CS.Delete(ctx, originalID)
			},
			Compensate: func(ctx context.Context) error {
				return deps.CS.Cache(ctx, originalID, joinChunkText(snapshotChunks), nil, 0)
			},
		})
	}

	if backends[types.BackendGS] {
		tx.AddStep(Step{
			Backend:  types.BackendGS,
			Required: false,
			Apply: func(ctx context.Context) error {
				if deps.GS == nil {
					return errutil.New(errutil.BackendUnavailable, "graph store is not configured")
				}
				return deps.GS.DeleteDocumentNode(ctx, resourceID)
			},
			Compensate: func(ctx context.Context) error {
				return deps.GS.UpsertDocumentNode(ctx, resourceID, map[string]any{
					"file_name": resource.FileName,
					"type":      string(resource.Type),
				})
			},
		})
	}

	deleteVectors := func(ctx context.Context) error {
		_, _, err := deps.VI.DeleteByOriginalID(ctx, originalID)
		return err
	}
	compensateRestore := func(ctx context.Context) error {
		var firstErr error
		for vectorID, doc := range snapshotDocs {
			if rerr := deps.VI.Restore(ctx, vectorID, doc); rerr != nil && firstErr == nil {
				firstErr = rerr
			}
		}
		return firstErr
	}

	switch {
	case backends[types.BackendVI] && backends[types.BackendUIL]:
		tx.AddStep(Step{Backend: types.BackendVI, Required: false, Apply: deleteVectors, Compensate: compensateRestore})
		tx.AddStep(Step{Backend: types.BackendUIL, Required: false, Apply: func(ctx context.Context) error { return nil }, Compensate: func(ctx context.Context) error { return nil }})
	case backends[types.BackendVI]:
		tx.AddStep(Step{Backend: types.BackendVI, Required: false, Apply: deleteVectors, Compensate: compensateRestore})
	case backends[types.BackendUIL]:
		tx.AddStep(Step{Backend: types.BackendUIL, Required: false, Apply: deleteVectors, Compensate: compensateRestore})
	}

	tx.AddStep(Step{
		Backend:  types.BackendRS,
		Required: true,
		Apply: func(ctx context.Context) error {
			_, err := deps.RS.DeleteResource(ctx, resourceID)
			return err
		},
	})

	return tx, nil
}

// LinkOutcome captures the link row CreateLink produced.
type LinkOutcome struct {
	Link *types.Link
}

// NewCreateLinkTransaction builds the create-link transaction: RS first
// (required, canonical), then GS (non-required mirror) when useGS is
// set. Re-applying the same (source, target, type) triple is idempotent
// because relstore.CreateLink itself treats the unique-constraint
// conflict as "already linked".
func NewCreateLinkTransaction(deps Deps, l *types.Link, useGS bool) (*Transaction, *LinkOutcome) {
	outcome := &LinkOutcome{}
	tx := NewTransaction()

	tx.AddStep(Step{
		Backend:  types.BackendRS,
		Required: true,
		Apply: func(ctx context.Context) error {
			created, err := deps.RS.CreateLink(ctx, l)
			if err != nil {
				return err
			}
			outcome.Link = created
			return nil
		},
		Compensate: func(ctx context.Context) error {
			if outcome.Link == nil {
				return nil
			}
			return deps.RS.DeleteLink(ctx, outcome.Link.LinkID)
		},
	})

	if useGS {
		tx.AddStep(Step{
			Backend:  types.BackendGS,
			Required: false,
			Apply: func(ctx context.Context) error {
				return deps.GS.CreateRelationship(ctx, l.SourceResourceID, l.TargetResourceID, l.LinkType, l.Weight, l.Metadata, outcome.Link.CreatedAt)
			},
			Compensate: func(ctx context.Context) error {
				return deps.GS.DeleteRelationship(ctx, l.SourceResourceID, l.TargetResourceID, l.LinkType)
			},
		})
	}

	return tx, outcome
}

// NewDeleteLinkTransaction builds the delete-link transaction: GS first
// (non-required mirror removal), then RS last (required, canonical).
func NewDeleteLinkTransaction(deps Deps, l *types.Link, useGS bool) *Transaction {
	tx := NewTransaction()

	if useGS {
		tx.AddStep(Step{
			Backend:  types.BackendGS,
			Required: false,
			Apply: func(ctx context.Context) error {
				return deps.GS.DeleteRelationship(ctx, l.SourceResourceID, l.TargetResourceID, l.LinkType)
			},
			Compensate: func(ctx context.Context) error {
				return deps.GS.CreateRelationship(ctx, l.SourceResourceID, l.TargetResourceID, l.LinkType, l.Weight, l.Metadata, time.Now().UTC())
			},
		})
	}

	tx.AddStep(Step{
		Backend:  types.BackendRS,
		Required: true,
		Apply: func(ctx context.Context) error {
			return deps.RS.DeleteLink(ctx, l.LinkID)
		},
	})

	return tx
}
