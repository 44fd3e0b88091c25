// Package embeddings implements the Embedder (C6 in spec.md): a pure
// function from text to a dense, unit-norm vector of fixed dimension,
// with two modes — a real mode backed by an OpenAI embedding model, and
// a deterministic test mode used when no model is configured.
package embeddings

import (
	"context"
	"crypto/sha256"
	"math"
	"math/rand"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"ltmc/internal/circuitbreaker"
	"ltmc/internal/errutil"
	"ltmc/internal/logging"
	"ltmc/internal/retry"
)

// Embedder turns text into a D-dimensional unit-norm vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// testEmbedder produces a deterministic pseudo-random vector seeded by
// a hash of the input text. Same text, same dimension, always yields
// the same vector — no network call, no model to load.
type testEmbedder struct {
	dim int
}

// NewTestEmbedder returns the deterministic, model-free Embedder used
// when database.embedding_model is unset or equals "test-mode".
func NewTestEmbedder(dim int) Embedder {
	return &testEmbedder{dim: dim}
}

func (e *testEmbedder) Dimension() int { return e.dim }

func (e *testEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return deterministicVector(text, e.dim), nil
}

func (e *testEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t, e.dim)
	}
	return out, nil
}

// deterministicVector seeds a PRNG from the sha256 of text so the same
// text always produces the same unit-norm vector.
func deterministicVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	var seed int64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | int64(sum[i])
	}
	rng := rand.New(rand.NewSource(seed))

	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	normalizeL2(v)
	return v
}

// OpenAIConfig configures the real-mode embedder.
type OpenAIConfig struct {
	APIKey  string
	Model   string // e.g. "text-embedding-3-small"
	Timeout time.Duration
}

type realEmbedder struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	dim     int
	timeout time.Duration
	cache   *EmbeddingCache
	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
	log     *zap.Logger
}

// NewOpenAIEmbedder returns a real-mode Embedder wrapping a single
// process-wide OpenAI client instance, with an LRU cache of identical
// strings and retry/circuit-breaker resilience around the network call
// (spec.md §4.6 real mode).
func NewOpenAIEmbedder(cfg OpenAIConfig, dim int) Embedder {
	client := openai.NewClient(cfg.APIKey)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &realEmbedder{
		client:  client,
		model:   openai.EmbeddingModel(cfg.Model),
		dim:     dim,
		timeout: timeout,
		cache:   NewEmbeddingCache(10000, 24*time.Hour),
		retrier: retry.New(retry.DefaultConfig()),
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		log:     logging.For("embedder"),
	}
}

func (e *realEmbedder) Dimension() int { return e.dim }

// Health reports the circuit breaker's view of recent OpenAI call
// health. Embedder implementations that don't wrap a breaker (the test
// mode) simply don't satisfy the Healthy interface.
func (e *realEmbedder) Health() circuitbreaker.Stats {
	return e.breaker.GetStats()
}

// Healthy is satisfied by Embedder implementations that expose
// circuit-breaker health, currently only the real OpenAI-backed one.
type Healthy interface {
	Health() circuitbreaker.Stats
}

func (e *realEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var vec []float32
	callErr := e.breaker.Execute(ctx, func(ctx context.Context) error {
		result := e.retrier.Do(ctx, func(ctx context.Context) error {
			resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: []string{text},
				Model: e.model,
			})
			if err != nil {
				return err
			}
			if len(resp.Data) == 0 {
				return errutil.New(errutil.BackendFailed, "openai returned no embedding data")
			}
			raw := resp.Data[0].Embedding
			if len(raw) != e.dim {
				return errutil.New(errutil.Integrity, "embedding dimension mismatch: expected %d, got %d", e.dim, len(raw))
			}
			vec = raw
			return nil
		})
		return result.Err
	})

	if callErr != nil {
		var integrityErr *errutil.Error
		if errutil.As(callErr, &integrityErr) && integrityErr.Kind == errutil.Integrity {
			// Dimension mismatch is fatal, per spec.md §4.6 — never masked
			// by the noise-vector fallback below.
			return nil, integrityErr
		}

		e.log.Warn("real-mode embedding failed, falling back to noise vector", zap.Error(callErr))
		noise := deterministicVector(text+":noise-fallback", e.dim)
		return noise, nil
	}

	normalizeL2(vec)
	e.cache.Set(text, vec)
	return vec, nil
}

func (e *realEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func normalizeL2(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
