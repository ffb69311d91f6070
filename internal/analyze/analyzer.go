// Package analyze provides the paid per-chunk analysis stage workers.
// The pipeline only sees the Analyzer interface; failures are wrapped as
// upstream errors so the retry policy can classify them.
package analyze

import (
	"context"
	"sort"
	"strings"

	"packforge/internal/types"
)

// Analyzer produces the analysis for one chunk. Implementations must be
// safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, chunk types.Chunk) (types.ChunkAnalysis, error)
	Name() string
}

// Heuristic is a deterministic, offline analyzer: first sentence as the
// summary, most frequent content words as topics. Used when no API key
// is configured and throughout the test suite.
type Heuristic struct{}

// NewHeuristic returns the offline analyzer.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Name implements Analyzer.
func (h *Heuristic) Name() string { return "heuristic" }

// stopwords excluded from topic extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "are": true, "was": true, "to": true, "of": true,
	"in": true, "on": true, "it": true, "this": true, "that": true,
	"i": true, "you": true, "my": true, "for": true, "with": true,
	"user": true, "assistant": true, "system": true,
}

// Analyze implements Analyzer.
func (h *Heuristic) Analyze(_ context.Context, chunk types.Chunk) (types.ChunkAnalysis, error) {
	text := strings.TrimSpace(chunk.Text)
	if text == "" {
		return types.ChunkAnalysis{}, types.Upstreamf("chunk %d has no text", chunk.Index)
	}

	summary := firstSentence(text)
	topics := topWords(text, 5)

	// Salience scales with how much of the chunk carries content words.
	salience := float64(len(topics)) / 5.0

	return types.ChunkAnalysis{
		ChunkIndex: chunk.Index,
		Summary:    summary,
		Topics:     topics,
		Salience:   salience,
	}, nil
}

func firstSentence(text string) string {
	line := strings.SplitN(text, "\n", 2)[0]
	if idx := strings.IndexAny(line, ".!?"); idx > 0 && idx < len(line)-1 {
		line = line[:idx+1]
	}
	if len(line) > 160 {
		line = line[:160]
	}
	return strings.TrimSpace(line)
}

func topWords(text string, n int) []string {
	counts := make(map[string]int)
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(raw, ".,;:!?\"'()[]{}")
		if len(word) < 3 || stopwords[word] {
			continue
		}
		counts[word]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

var _ Analyzer = (*Heuristic)(nil)
