package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vecNorm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func TestTestEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewTestEmbedder(16)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "hello world")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 16)
	assert.InDelta(t, 1.0, vecNorm(v1), 1e-5)
}

func TestTestEmbedder_DifferentTextsDiffer(t *testing.T) {
	e := NewTestEmbedder(16)
	ctx := context.Background()

	v1, _ := e.Embed(ctx, "alpha")
	v2, _ := e.Embed(ctx, "beta")
	assert.NotEqual(t, v1, v2)
}

func TestTestEmbedder_Batch(t *testing.T) {
	e := NewTestEmbedder(8)
	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, v := range out {
		assert.Len(t, v, 8)
	}
}

func TestOpenAIEmbedder_SatisfiesHealthy(t *testing.T) {
	e := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test-key", Model: "text-embedding-3-small"}, 8)

	healthy, ok := e.(Healthy)
	require.True(t, ok, "real-mode embedder must expose circuit breaker health")

	stats := healthy.Health()
	assert.Equal(t, int64(0), stats.TotalRequests, "a freshly constructed embedder has made no calls yet")
}

func TestEmbeddingCache_SetGetEviction(t *testing.T) {
	c := NewEmbeddingCache(2, 0)
	c.Set("a", []float32{1, 2})
	c.Set("b", []float32{3, 4})

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)

	c.Set("c", []float32{5, 6}) // evicts "b" (LRU, since "a" was just touched)
	_, ok = c.Get("b")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
}
