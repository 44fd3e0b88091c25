// Package relstore implements the Relational Store (C1 in spec.md): the
// source-of-truth catalog for resources, chunks, chat messages, links
// and context links, backed by SQLite in WAL mode with foreign keys
// enforced. It is the only component allowed to assign resource_id,
// chunk_id, and vector_id values (spec.md §4.1 invariants I1/I2).
package relstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"ltmc/internal/errutil"
	"ltmc/internal/logging"
	"ltmc/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	resource_id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_name   TEXT NOT NULL UNIQUE,
	type        TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_chunks (
	chunk_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id INTEGER NOT NULL REFERENCES resources(resource_id) ON DELETE CASCADE,
	chunk_text  TEXT NOT NULL,
	vector_id   INTEGER NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_chunks_resource ON resource_chunks(resource_id);
CREATE INDEX IF NOT EXISTS idx_chunks_vector ON resource_chunks(vector_id);

CREATE TABLE IF NOT EXISTS resource_links (
	link_id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_resource_id  INTEGER NOT NULL REFERENCES resources(resource_id) ON DELETE CASCADE,
	target_resource_id  INTEGER NOT NULL REFERENCES resources(resource_id) ON DELETE CASCADE,
	link_type           TEXT NOT NULL,
	weight              REAL NOT NULL,
	metadata             TEXT NOT NULL DEFAULT '{}',
	created_at          TIMESTAMP NOT NULL,
	UNIQUE(source_resource_id, target_resource_id, link_type)
);
CREATE INDEX IF NOT EXISTS idx_links_source ON resource_links(source_resource_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON resource_links(target_resource_id);

CREATE TABLE IF NOT EXISTS chat_history (
	message_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	timestamp       TIMESTAMP NOT NULL,
	agent_name      TEXT,
	source_tool     TEXT,
	metadata        TEXT
);
CREATE INDEX IF NOT EXISTS idx_chat_conversation ON chat_history(conversation_id);

CREATE TABLE IF NOT EXISTS context_links (
	message_id INTEGER NOT NULL REFERENCES chat_history(message_id) ON DELETE CASCADE,
	chunk_id   INTEGER NOT NULL REFERENCES resource_chunks(chunk_id) ON DELETE CASCADE,
	PRIMARY KEY (message_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS vector_id_sequence (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	next  INTEGER NOT NULL
);
INSERT OR IGNORE INTO vector_id_sequence (id, next) VALUES (1, 1);
`

// Store is the SQLite-backed relational store.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	// writeMu serializes multi-statement write transactions. SQLite
	// allows many WAL readers but one writer at a time; a process-local
	// mutex keeps that true even across goroutines sharing *sql.DB.
	writeMu sync.Mutex
}

// Open creates (or opens) the SQLite database at path, applies the
// schema, and enables WAL journaling with foreign keys enforced.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendUnavailable, err, "relstore: open %s", path)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 serializes writers regardless; keep one connection for simplicity and WAL correctness

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: apply schema")
	}

	return &Store{db: db, log: logging.For("relstore")}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// AllocateVectorID returns the next strictly increasing vector id
// (spec.md §4.1 I2). It reads and advances vector_id_sequence inside one
// database transaction, under the store's write mutex; callers must
// never synthesize vector ids.
func (s *Store) AllocateVectorID(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errutil.Wrap(errutil.BackendFailed, err, "relstore: begin allocate_vector_id")
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM vector_id_sequence WHERE id = 1`).Scan(&next); err != nil {
		return 0, errutil.Wrap(errutil.BackendFailed, err, "relstore: read vector sequence")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE vector_id_sequence SET next = ? WHERE id = 1`, next+1); err != nil {
		return 0, errutil.Wrap(errutil.BackendFailed, err, "relstore: advance vector sequence")
	}
	if err := tx.Commit(); err != nil {
		return 0, errutil.Wrap(errutil.BackendFailed, err, "relstore: commit allocate_vector_id")
	}
	return next, nil
}

// CreateResource assigns a new resource_id and row. FileName must be
// unique within the installation (spec.md §3); a duplicate produces a
// conflict error and create_resource is therefore an idempotent no-op
// when callers retry with the same file_name (GetResourceByFileName
// returns the existing row).
func (s *Store) CreateResource(ctx context.Context, fileName string, rtype types.ResourceType) (*types.Resource, error) {
	if fileName == "" {
		return nil, errutil.New(errutil.InvalidInput, "file_name must not be empty")
	}
	if !rtype.Valid() {
		return nil, errutil.New(errutil.InvalidInput, "unrecognized resource type %q", rtype)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (file_name, type, created_at) VALUES (?, ?, ?)`,
		fileName, string(rtype), now)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, errutil.Wrap(errutil.Conflict, err, "relstore: file_name %q already exists", fileName)
		}
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: insert resource")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: read resource id")
	}
	return &types.Resource{ResourceID: id, FileName: fileName, Type: rtype, CreatedAt: now}, nil
}

// GetResourceByFileName looks a resource up by its caller-provided name.
func (s *Store) GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource_id, file_name, type, created_at FROM resources WHERE file_name = ?`, fileName)
	return scanResource(row)
}

// ListResourcesByType returns the most recently created resources of
// rtype, newest first. This is RS's own indexed lookup — the retrieval
// router's fallback (and, for storage_types with no semantic index,
// primary strategy) when a backend with richer ranking is unavailable
// (spec.md §4.8).
func (s *Store) ListResourcesByType(ctx context.Context, rtype types.ResourceType, limit int) ([]types.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, file_name, type, created_at FROM resources WHERE type = ? ORDER BY created_at DESC LIMIT ?`,
		string(rtype), limit)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: list resources by type")
	}
	defer rows.Close()

	var out []types.Resource
	for rows.Next() {
		var r types.Resource
		var t string
		if err := rows.Scan(&r.ResourceID, &r.FileName, &t, &r.CreatedAt); err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: scan resource")
		}
		r.Type = types.ResourceType(t)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetResource fetches a resource by id.
func (s *Store) GetResource(ctx context.Context, resourceID int64) (*types.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource_id, file_name, type, created_at FROM resources WHERE resource_id = ?`, resourceID)
	return scanResource(row)
}

func scanResource(row *sql.Row) (*types.Resource, error) {
	var r types.Resource
	var rtype string
	if err := row.Scan(&r.ResourceID, &r.FileName, &rtype, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errutil.New(errutil.NotFound, "resource not found")
		}
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: scan resource")
	}
	r.Type = types.ResourceType(rtype)
	return &r, nil
}

// ChunkInput is one (text, vector_id) pair to append to a resource. The
// vector_id must already have been allocated via AllocateVectorID.
type ChunkInput struct {
	Text     string
	VectorID int64
}

// AppendChunks assigns chunk_ids and inserts every chunk for a resource
// in one transaction.
func (s *Store) AppendChunks(ctx context.Context, resourceID int64, chunks []ChunkInput) ([]types.Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: begin append_chunks")
	}
	defer tx.Rollback()

	out := make([]types.Chunk, 0, len(chunks))
	for _, c := range chunks {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO resource_chunks (resource_id, chunk_text, vector_id) VALUES (?, ?, ?)`,
			resourceID, c.Text, c.VectorID)
		if err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: insert chunk")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: read chunk id")
		}
		out = append(out, types.Chunk{ChunkID: id, ResourceID: resourceID, ChunkText: c.Text, VectorID: c.VectorID})
	}

	if err := tx.Commit(); err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: commit append_chunks")
	}
	return out, nil
}

// GetChunksByVectorIDs resolves vector ids (as returned by a VI search)
// back to their owning chunks, preserving no particular order guarantee
// beyond "one row per input id that still exists".
func (s *Store) GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.Chunk, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]any, len(vectorIDs))
	query := "SELECT chunk_id, resource_id, chunk_text, vector_id FROM resource_chunks WHERE vector_id IN ("
	for i, v := range vectorIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = v
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: query chunks by vector id")
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ChunkID, &c.ResourceID, &c.ChunkText, &c.VectorID); err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: scan chunk")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListChunksByResource returns every chunk owned by resourceID, in
// insertion order. Used to snapshot a resource's content before a
// destructive operation (the atomic coordinator's delete compensation
// path needs the chunk text to rebuild a cache/graph entry on rollback).
func (s *Store) ListChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, resource_id, chunk_text, vector_id FROM resource_chunks WHERE resource_id = ? ORDER BY chunk_id`,
		resourceID)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: query chunks by resource")
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ChunkID, &c.ResourceID, &c.ChunkText, &c.VectorID); err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: scan chunk")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteResource removes a resource, its chunks, its outgoing/incoming
// links, and any context links, in one commit (spec.md §4.1 I3). It
// returns the vector ids that were owned by the deleted chunks so the
// caller (the atomic coordinator) can tombstone them in VI.
func (s *Store) DeleteResource(ctx context.Context, resourceID int64) ([]int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: begin delete_resource")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT vector_id FROM resource_chunks WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: query chunk vectors")
	}
	var vectorIDs []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: scan vector id")
		}
		vectorIDs = append(vectorIDs, v)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE resource_id = ?`, resourceID); err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: delete resource")
	}
	if err := tx.Commit(); err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: commit delete_resource")
	}
	return vectorIDs, nil
}

// CreateLink inserts a link, assigning link_id. Re-applying the same
// (source, target, type) triple is idempotent: the UNIQUE constraint is
// treated as "already linked" and the existing row is returned instead
// of a conflict, satisfying spec.md §4.9's idempotence requirement.
func (s *Store) CreateLink(ctx context.Context, l *types.Link) (*types.Link, error) {
	if err := l.Validate(); err != nil {
		return nil, errutil.Wrap(errutil.InvalidInput, err, "relstore: invalid link")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resource_links (source_resource_id, target_resource_id, link_type, weight, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_resource_id, target_resource_id, link_type)
		 DO UPDATE SET weight = excluded.weight, metadata = excluded.metadata`,
		l.SourceResourceID, l.TargetResourceID, l.LinkType, l.Weight, l.Metadata, now)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: insert link")
	}

	// LastInsertId does not change when the DO UPDATE branch runs, so the
	// stored row is always read back by its unique key.
	out := *l
	row := s.db.QueryRowContext(ctx,
		`SELECT link_id, created_at FROM resource_links WHERE source_resource_id=? AND target_resource_id=? AND link_type=?`,
		l.SourceResourceID, l.TargetResourceID, l.LinkType)
	if err := row.Scan(&out.LinkID, &out.CreatedAt); err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: read link")
	}
	return &out, nil
}

// DeleteLink removes a link by id.
func (s *Store) DeleteLink(ctx context.Context, linkID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM resource_links WHERE link_id = ?`, linkID)
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "relstore: delete link")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errutil.New(errutil.NotFound, "link %d not found", linkID)
	}
	return nil
}

// Direction selects which end of a link ListLinks matches against.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// ListLinks returns links touching resourceID in the given direction.
func (s *Store) ListLinks(ctx context.Context, resourceID int64, dir Direction) ([]types.Link, error) {
	var query string
	switch dir {
	case Outgoing:
		query = `SELECT link_id, source_resource_id, target_resource_id, link_type, weight, metadata, created_at FROM resource_links WHERE source_resource_id = ?`
	case Incoming:
		query = `SELECT link_id, source_resource_id, target_resource_id, link_type, weight, metadata, created_at FROM resource_links WHERE target_resource_id = ?`
	default:
		query = `SELECT link_id, source_resource_id, target_resource_id, link_type, weight, metadata, created_at FROM resource_links WHERE source_resource_id = ? OR target_resource_id = ?`
	}

	var rows *sql.Rows
	var err error
	if dir == Both {
		rows, err = s.db.QueryContext(ctx, query, resourceID, resourceID)
	} else {
		rows, err = s.db.QueryContext(ctx, query, resourceID)
	}
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: list links")
	}
	defer rows.Close()

	var out []types.Link
	for rows.Next() {
		var l types.Link
		if err := rows.Scan(&l.LinkID, &l.SourceResourceID, &l.TargetResourceID, &l.LinkType, &l.Weight, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: scan link")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LogChatMessage inserts a chat message, assigning message_id.
func (s *Store) LogChatMessage(ctx context.Context, m *types.ChatMessage) (*types.ChatMessage, error) {
	if m.ConversationID == "" || m.Content == "" {
		return nil, errutil.New(errutil.InvalidInput, "conversation_id and content are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	metaJSON := "{}"
	if m.Metadata != nil {
		if b, err := json.Marshal(m.Metadata); err == nil {
			metaJSON = string(b)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (conversation_id, role, content, timestamp, agent_name, source_tool, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, string(m.Role), m.Content, m.Timestamp, m.AgentName, m.SourceTool, metaJSON)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: insert chat message")
	}
	id, _ := res.LastInsertId()
	out := *m
	out.MessageID = id
	return &out, nil
}

// GetChatByConversation returns messages for a conversation, oldest first.
func (s *Store) GetChatByConversation(ctx context.Context, conversationID string, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, role, content, timestamp, agent_name, source_tool
		 FROM chat_history WHERE conversation_id = ? ORDER BY message_id ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: query chat history")
	}
	defer rows.Close()

	var out []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var role string
		var agent, tool sql.NullString
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &role, &m.Content, &m.Timestamp, &agent, &tool); err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: scan chat message")
		}
		m.Role = types.ChatRole(role)
		m.AgentName = agent.String
		m.SourceTool = tool.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetChatBySourceTool returns the most recent messages logged by a tool,
// newest first, bounded by limit.
func (s *Store) GetChatBySourceTool(ctx context.Context, tool string, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, role, content, timestamp, agent_name, source_tool
		 FROM chat_history WHERE source_tool = ? ORDER BY message_id DESC LIMIT ?`,
		tool, limit)
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: query chat by tool")
	}
	defer rows.Close()

	var out []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var role string
		var agent, srcTool sql.NullString
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &role, &m.Content, &m.Timestamp, &agent, &srcTool); err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "relstore: scan chat message")
		}
		m.Role = types.ChatRole(role)
		m.AgentName = agent.String
		m.SourceTool = srcTool.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// StoreContextLinks records which chunks contributed to a message.
func (s *Store) StoreContextLinks(ctx context.Context, messageID int64, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "relstore: begin store_context_links")
	}
	defer tx.Rollback()

	for _, cid := range chunkIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO context_links (message_id, chunk_id) VALUES (?, ?)`, messageID, cid); err != nil {
			return errutil.Wrap(errutil.BackendFailed, err, "relstore: insert context link")
		}
	}
	return errOrCommit(tx)
}

func errOrCommit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "relstore: commit")
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
