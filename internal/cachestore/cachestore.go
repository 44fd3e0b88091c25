// Package cachestore implements the Cache Store (C4 in spec.md): a
// keyed, namespaced, TTL'd cache backed by Redis. Keys are always
// prefixed so flush("*") only ever touches this installation's
// namespace, never the whole Redis keyspace.
package cachestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ltmc/internal/errutil"
	"ltmc/internal/logging"
)

// Entry is a cached document.
type Entry struct {
	DocID    string         `json:"doc_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is the Redis-backed cache store adapter.
type Store struct {
	client    *redis.Client
	namespace string
	log       *zap.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr            string
	Password        string
	DB              int
	ConnectTimeout  time.Duration
	Namespace       string // e.g. "ltmc"; defaults to "ltmc"
}

// Open connects to Redis and verifies connectivity with a ping.
func Open(opts Options) (*Store, error) {
	if opts.Namespace == "" {
		opts.Namespace = "ltmc"
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.ConnectTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errutil.Wrap(errutil.BackendUnavailable, err, "cachestore: connect to redis")
	}

	return &Store{client: client, namespace: opts.Namespace, log: logging.For("cs")}, nil
}

// NewFromClient wraps an already-constructed redis client, used by
// tests against miniredis.
func NewFromClient(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "ltmc"
	}
	return &Store{client: client, namespace: namespace, log: logging.For("cs")}
}

func (s *Store) key(docID string) string {
	return s.namespace + ":doc:" + docID
}

// Close releases the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// Cache stores content and metadata under docID with a TTL. A zero TTL
// uses Redis's default persistence (no expiry); callers normally pass
// the configured default (spec.md §4.4, default 3600s).
func (s *Store) Cache(ctx context.Context, docID, content string, metadata map[string]any, ttl time.Duration) error {
	entry := Entry{DocID: docID, Content: content, Metadata: metadata}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errutil.Wrap(errutil.Internal, err, "cachestore: marshal entry")
	}
	if err := s.client.Set(ctx, s.key(docID), raw, ttl).Err(); err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "cachestore: set %s", docID)
	}
	return nil
}

// Get retrieves a cached entry, or a not_found error if absent or
// expired.
func (s *Store) Get(ctx context.Context, docID string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.key(docID)).Bytes()
	if err == redis.Nil {
		return nil, errutil.New(errutil.NotFound, "cache entry %q not found", docID)
	}
	if err != nil {
		return nil, errutil.Wrap(errutil.BackendFailed, err, "cachestore: get %s", docID)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, errutil.Wrap(errutil.Integrity, err, "cachestore: decode entry %s", docID)
	}
	return &entry, nil
}

// Exists is an O(1) existence check, per spec.md §4.4.
func (s *Store) Exists(ctx context.Context, docID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(docID)).Result()
	if err != nil {
		return false, errutil.Wrap(errutil.BackendFailed, err, "cachestore: exists %s", docID)
	}
	return n > 0, nil
}

// Delete removes a cached entry. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, docID string) error {
	if err := s.client.Del(ctx, s.key(docID)).Err(); err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "cachestore: delete %s", docID)
	}
	return nil
}

// SetTTL updates the expiry of an existing entry without touching its
// value.
func (s *Store) SetTTL(ctx context.Context, docID string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, s.key(docID), ttl).Result()
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "cachestore: set_ttl %s", docID)
	}
	if !ok {
		return errutil.New(errutil.NotFound, "cache entry %q not found", docID)
	}
	return nil
}

// Scan enumerates up to limit doc ids whose key matches pattern
// (un-prefixed; the namespace is applied automatically). It is bounded
// and non-blocking, using Redis SCAN rather than KEYS (spec.md §4.4).
func (s *Store) Scan(ctx context.Context, pattern string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	match := s.namespace + ":doc:" + pattern

	var docIDs []string
	var cursor uint64
	prefix := s.namespace + ":doc:"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
		if err != nil {
			return nil, errutil.Wrap(errutil.BackendFailed, err, "cachestore: scan %s", pattern)
		}
		for _, k := range keys {
			docIDs = append(docIDs, k[len(prefix):])
			if len(docIDs) >= limit {
				return docIDs, nil
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return docIDs, nil
}

// Flush deletes every key in this namespace matching pattern. flush("*")
// affects only this installation's "<namespace>:doc:*" keys, never the
// whole Redis keyspace (spec.md §4.4).
func (s *Store) Flush(ctx context.Context, pattern string) (int, error) {
	match := s.namespace + ":doc:" + pattern

	var cursor uint64
	deleted := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return deleted, errutil.Wrap(errutil.BackendFailed, err, "cachestore: flush scan")
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, errutil.Wrap(errutil.BackendFailed, err, "cachestore: flush delete")
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// Health pings Redis.
func (s *Store) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errutil.Wrap(errutil.BackendUnavailable, err, "cachestore: health check")
	}
	return nil
}
