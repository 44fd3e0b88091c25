// Package chunking implements the Chunker (C5 in spec.md): a
// deterministic splitter that packs sentences into bounded, overlapping
// chunks ahead of embedding.
package chunking

import (
	"regexp"
	"strings"
)

// sentenceBoundary is the "simple regex" spec.md §4.5 calls for:
// split after sentence-ending punctuation followed by whitespace.
var sentenceBoundary = regexp.MustCompile(`(?:[.!?]+)\s+`)

// Config holds the chunker's two parameters, both in characters.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// DefaultConfig matches database.max_chunk_size / database.chunk_overlap
// defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{ChunkSize: 1000, ChunkOverlap: 200}
}

// Service packs text into chunks per Config.
type Service struct {
	cfg Config
}

// NewService builds a chunker. A non-positive ChunkSize falls back to
// DefaultConfig's value.
func NewService(cfg Config) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 4
	}
	return &Service{cfg: cfg}
}

// Chunk splits text into chunks of at most ChunkSize characters, each
// (after the first) carrying up to ChunkOverlap trailing characters
// from the previous chunk. Empty input yields an empty slice; input no
// longer than ChunkSize yields a single chunk (spec.md §4.5).
func (s *Service) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= s.cfg.ChunkSize {
		return []string{text}
	}

	sentences := splitSentences(text)

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, current.String())
		current.Reset()
	}

	for _, sentence := range sentences {
		if len(sentence) > s.cfg.ChunkSize {
			for _, word := range splitWords(sentence) {
				appendWord(&current, &chunks, word, s.cfg)
			}
			continue
		}
		if current.Len() > 0 && current.Len()+len(sentence) > s.cfg.ChunkSize {
			flush()
			carryOverlap(&current, chunks, s.cfg.ChunkOverlap, len(sentence), s.cfg.ChunkSize)
		}
		current.WriteString(sentence)
	}
	flush()

	return chunks
}

// appendWord packs a single (possibly hard-truncated) word into the
// in-progress chunk, flushing and carrying overlap as needed. Words
// longer than chunk_size are hard-truncated (spec.md §4.5).
func appendWord(current *strings.Builder, chunks *[]string, word string, cfg Config) {
	if len(word) > cfg.ChunkSize {
		word = word[:cfg.ChunkSize]
	}
	if current.Len() > 0 && current.Len()+len(word) > cfg.ChunkSize {
		*chunks = append(*chunks, current.String())
		current.Reset()
		carryOverlap(current, *chunks, cfg.ChunkOverlap, len(word), cfg.ChunkSize)
	}
	current.WriteString(word)
}

// carryOverlap seeds the next chunk with up to overlap trailing
// characters of the chunk just flushed, carrying fewer when the overlap
// plus the next piece (next characters) would exceed chunkSize.
func carryOverlap(current *strings.Builder, chunks []string, overlap, next, chunkSize int) {
	if room := chunkSize - next; overlap > room {
		overlap = room
	}
	if overlap <= 0 || len(chunks) == 0 {
		return
	}
	prev := chunks[len(chunks)-1]
	if len(prev) <= overlap {
		current.WriteString(prev)
		return
	}
	current.WriteString(prev[len(prev)-overlap:])
}

// splitSentences breaks text on sentence-ending punctuation, keeping
// the punctuation with the preceding sentence.
func splitSentences(text string) []string {
	locs := sentenceBoundary.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}

	var sentences []string
	prev := 0
	for _, loc := range locs {
		sentences = append(sentences, text[prev:loc[1]])
		prev = loc[1]
	}
	if prev < len(text) {
		sentences = append(sentences, text[prev:])
	}
	return sentences
}

// splitWords breaks a sentence after each ASCII space (other whitespace
// does not split), keeping the space as part of each word so re-joining
// reconstructs the sentence exactly.
func splitWords(sentence string) []string {
	fields := strings.SplitAfter(sentence, " ")
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}
