package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_EmptyInput(t *testing.T) {
	s := NewService(DefaultConfig())
	assert.Nil(t, s.Chunk(""))
	assert.Nil(t, s.Chunk("   "))
}

func TestChunk_ShortInputIsSingleChunk(t *testing.T) {
	s := NewService(Config{ChunkSize: 1000, ChunkOverlap: 200})
	text := "Machine learning is a subset of artificial intelligence."
	chunks := s.Chunk(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0])
}

func TestChunk_LongInputSplitsAndRespectsSize(t *testing.T) {
	s := NewService(Config{ChunkSize: 50, ChunkOverlap: 10})
	sentence := "This is a sentence that repeats. "
	text := strings.Repeat(sentence, 10)

	chunks := s.Chunk(text)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 50)
	}
}

func TestChunk_OverlapCarriesTrailingCharacters(t *testing.T) {
	s := NewService(Config{ChunkSize: 30, ChunkOverlap: 10})
	text := strings.Repeat("word ", 40)

	chunks := s.Chunk(text)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prevTail := chunks[i-1][len(chunks[i-1])-10:]
		assert.True(t, strings.HasPrefix(chunks[i], prevTail), "chunk %d should start with previous chunk's trailing %d chars", i, s.cfg.ChunkOverlap)
	}
}

func TestChunk_LongWordIsHardTruncated(t *testing.T) {
	s := NewService(Config{ChunkSize: 10, ChunkOverlap: 2})
	text := strings.Repeat("x", 50)

	chunks := s.Chunk(text)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 10)
	}
}

func TestChunk_ConcatenationCoversInput(t *testing.T) {
	s := NewService(Config{ChunkSize: 40, ChunkOverlap: 0})
	text := "Sentence one is here. Sentence two follows. Sentence three ends it."

	chunks := s.Chunk(text)
	joined := strings.Join(chunks, "")
	assert.Equal(t, strings.Join(strings.Fields(text), " "), strings.Join(strings.Fields(joined), " "))
}
