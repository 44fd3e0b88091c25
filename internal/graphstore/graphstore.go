// Package graphstore implements the Graph Store (C3 in spec.md): typed
// directed relationships between resource nodes backed by Neo4j. It
// enforces spec.md §4.3's graph-native relationship type invariant (G1):
// Cypher does not allow a relationship type to be a query parameter, so
// a type string is validated against a strict character set and then
// interpolated directly into the query text — never accepted unvalidated.
package graphstore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"ltmc/internal/errutil"
	"ltmc/internal/logging"
	"ltmc/internal/types"
)

// relationshipTypePattern bounds what may be interpolated into a Cypher
// query as a relationship type: letters, digits, and underscores, not
// starting with a digit. Anything else is rejected before it ever
// reaches a query string (spec.md §4.3 G1).
var relationshipTypePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateRelationshipType reports whether t is safe to interpolate
// directly into a Cypher relationship pattern.
func ValidateRelationshipType(t string) error {
	if !relationshipTypePattern.MatchString(t) {
		return errutil.New(errutil.InvalidInput, "relationship type %q is not a valid graph-native identifier", t)
	}
	return nil
}

// Direction selects which end of a relationship GetRelationships matches.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// Store is the Neo4j-backed graph store adapter.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	log      *zap.Logger
}

// Open connects to Neo4j and verifies connectivity.
func Open(ctx context.Context, uri, user, password, database string, timeout time.Duration) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendUnavailable, err, "graphstore: create driver")
	}

	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		return nil, errutil.Wrap(errutil.BackendUnavailable, err, "graphstore: verify connectivity")
	}

	return &Store{driver: driver, database: database, log: logging.For("gs")}, nil
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error { return s.driver.Close(ctx) }

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

// UpsertDocumentNode creates or updates the single Document node for a
// resource, carrying resource_id as a first-class property (spec.md
// §4.3 G2). Re-applying with the same properties is a no-op (G3).
func (s *Store) UpsertDocumentNode(ctx context.Context, resourceID int64, properties map[string]any) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	params := map[string]any{"resource_id": resourceID, "props": properties}
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (d:Document {resource_id: $resource_id})
			SET d += $props
		`, params)
		return nil, err
	})
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "graphstore: upsert document node")
	}
	return nil
}

// DeleteDocumentNode removes a Document node and its relationships.
func (s *Store) DeleteDocumentNode(ctx context.Context, resourceID int64) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `MATCH (d:Document {resource_id: $resource_id}) DETACH DELETE d`,
			map[string]any{"resource_id": resourceID})
		return nil, err
	})
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "graphstore: delete document node")
	}
	return nil
}

// CreateRelationship records a typed, directed edge between two resource
// nodes. linkType becomes the graph-native relationship type (not a
// property on a generic edge), after validation against
// ValidateRelationshipType. weight, metadata, and createdAt are written
// as edge properties so they can be compared byte-for-byte against the
// corresponding RS link row (spec.md §4.3 G2).
func (s *Store) CreateRelationship(ctx context.Context, sourceResourceID, targetResourceID int64, linkType string, weight float64, metadata string, createdAt time.Time) error {
	if err := ValidateRelationshipType(linkType); err != nil {
		return err
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	// linkType cannot be parameterized in Cypher; it is interpolated only
	// after passing ValidateRelationshipType above.
	query := fmt.Sprintf(`
		MERGE (a:Document {resource_id: $source})
		MERGE (b:Document {resource_id: $target})
		MERGE (a)-[r:%s]->(b)
		SET r.weight = $weight, r.metadata = $metadata, r.created_at = $created_at, r.link_type = $link_type
	`, linkType)

	params := map[string]any{
		"source":     sourceResourceID,
		"target":     targetResourceID,
		"weight":     weight,
		"metadata":   metadata,
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
		"link_type":  linkType,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "graphstore: create relationship")
	}
	return nil
}

// DeleteRelationship removes a specific (source, target, type) edge.
func (s *Store) DeleteRelationship(ctx context.Context, sourceResourceID, targetResourceID int64, linkType string) error {
	if err := ValidateRelationshipType(linkType); err != nil {
		return err
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a:Document {resource_id: $source})-[r:%s]->(b:Document {resource_id: $target})
		DELETE r
	`, linkType)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, map[string]any{"source": sourceResourceID, "target": targetResourceID})
		return nil, err
	})
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "graphstore: delete relationship")
	}
	return nil
}

// Relationship is one edge returned by GetRelationships.
type Relationship struct {
	SourceResourceID int64
	TargetResourceID int64
	LinkType         string
	Weight           float64
	Metadata         string
	CreatedAt        time.Time
}

// GetRelationships returns the edges touching a resource node in the
// given direction.
func (s *Store) GetRelationships(ctx context.Context, resourceID int64, dir Direction) ([]Relationship, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	var query string
	switch dir {
	case Outgoing:
		query = `MATCH (a:Document {resource_id: $id})-[r]->(b:Document) RETURN a.resource_id, b.resource_id, type(r), r.weight, r.metadata, r.created_at`
	case Incoming:
		query = `MATCH (a:Document)-[r]->(b:Document {resource_id: $id}) RETURN a.resource_id, b.resource_id, type(r), r.weight, r.metadata, r.created_at`
	default:
		query = `MATCH (a:Document {resource_id: $id})-[r]-(b:Document) RETURN a.resource_id, b.resource_id, type(r), r.weight, r.metadata, r.created_at`
	}

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"id": resourceID})
		if err != nil {
			return nil, err
		}

		var rels []Relationship
		for res.Next(ctx) {
			rec := res.Record()
			rel := Relationship{}
			if v, ok := rec.Get("a.resource_id"); ok {
				rel.SourceResourceID, _ = toInt64(v)
			}
			if v, ok := rec.Get("b.resource_id"); ok {
				rel.TargetResourceID, _ = toInt64(v)
			}
			if v, ok := rec.Get("type(r)"); ok {
				rel.LinkType, _ = v.(string)
			}
			if v, ok := rec.Get("r.weight"); ok {
				rel.Weight, _ = toFloat64(v)
			}
			if v, ok := rec.Get("r.metadata"); ok {
				rel.Metadata, _ = v.(string)
			}
			if v, ok := rec.Get("r.created_at"); ok {
				if s, ok := v.(string); ok {
					if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
						rel.CreatedAt = ts
					}
				}
			}
			rels = append(rels, rel)
		}
		return rels, res.Err()
	})
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "graphstore: get relationships")
	}
	return result.([]Relationship), nil
}

// HealthCheck verifies the driver can still reach the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return errutil.Wrap(errutil.BackendUnavailable, err, "graphstore: health check")
	}
	return nil
}

// AssertPropertyParity checks G2: a link's RS row and its mirrored GS
// edge must agree byte-for-byte on weight, metadata, created_at, and
// link_type. Only graphstore's own tests call it; the write path does
// not.
func AssertPropertyParity(l *types.Link, rel *Relationship) error {
	if rel.LinkType != l.LinkType {
		return errutil.New(errutil.Integrity, "link_type mismatch: RS=%q GS=%q", l.LinkType, rel.LinkType)
	}
	if rel.Weight != l.Weight {
		return errutil.New(errutil.Integrity, "weight mismatch: RS=%v GS=%v", l.Weight, rel.Weight)
	}
	if rel.Metadata != l.Metadata {
		return errutil.New(errutil.Integrity, "metadata mismatch: RS=%q GS=%q", l.Metadata, rel.Metadata)
	}
	if !rel.CreatedAt.Equal(l.CreatedAt) {
		return errutil.New(errutil.Integrity, "created_at mismatch: RS=%v GS=%v", l.CreatedAt, rel.CreatedAt)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
