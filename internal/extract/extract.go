// Package extract parses AI-assistant conversation exports and splits
// them into token-bounded chunks for analysis.
package extract

import (
	"encoding/json"
	"strings"

	"packforge/internal/types"
)

// Export is the accepted upload shape. Both "content" and "text" message
// bodies are tolerated since exporters disagree on the field name.
type Export struct {
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Text    string `json:"text"`
}

func (m Message) body() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Text
}

// Result carries everything extraction produced for one export.
type Result struct {
	Title        string        `json:"title"`
	MessageCount int           `json:"message_count"`
	Chunks       []types.Chunk `json:"chunks"`
}

// approxTokens estimates the token count of a string. Four bytes per
// token tracks English prose closely enough for chunk budgeting.
func approxTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// Options tunes the chunker.
type Options struct {
	TargetTokens  int
	OverlapTokens int
}

// Extract parses a raw export and chunks its messages. An export with no
// usable message text yields zero chunks; the pipeline treats that as
// "empty export" and fails the job.
func Extract(raw []byte, opts Options) (*Result, error) {
	if opts.TargetTokens <= 0 {
		opts.TargetTokens = 1200
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = 0
	}

	var export Export
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, types.Validationf("unparseable export: %v", err)
	}

	var lines []string
	for _, msg := range export.Messages {
		body := strings.TrimSpace(msg.body())
		if body == "" {
			continue
		}
		role := msg.Role
		if role == "" {
			role = "unknown"
		}
		lines = append(lines, role+": "+body)
	}

	result := &Result{
		Title:        export.Title,
		MessageCount: len(lines),
		Chunks:       chunkLines(lines, opts),
	}
	return result, nil
}

// chunkLines groups message lines into chunks of roughly target tokens,
// carrying an overlap tail from each chunk into the next so analysis
// keeps conversational context across boundaries.
func chunkLines(lines []string, opts Options) []types.Chunk {
	var (
		chunks []types.Chunk
		buf    []string
		tokSum int
	)

	flush := func() {
		if tokSum == 0 {
			return
		}
		text := strings.Join(buf, "\n")
		chunks = append(chunks, types.Chunk{
			Index:      len(chunks),
			Text:       text,
			TokenCount: tokSum,
		})

		if opts.OverlapTokens > 0 {
			var keep []string
			remain := opts.OverlapTokens
			for i := len(buf) - 1; i >= 0 && remain > 0; i-- {
				keep = append([]string{buf[i]}, keep...)
				remain -= approxTokens(buf[i])
			}
			buf = keep
			tokSum = 0
			for _, s := range buf {
				tokSum += approxTokens(s)
			}
			// A tail that alone reaches the target would loop forever;
			// drop the overlap instead.
			if tokSum >= opts.TargetTokens {
				buf = buf[:0]
				tokSum = 0
			}
		} else {
			buf = buf[:0]
			tokSum = 0
		}
	}

	for _, line := range lines {
		buf = append(buf, line)
		tokSum += approxTokens(line)
		if tokSum >= opts.TargetTokens {
			flush()
		}
	}
	// Emit the remaining tail only if it holds lines beyond the carried
	// overlap of the final flushed chunk.
	if len(chunks) == 0 || tailHasNewContent(buf, chunks) {
		flush()
	}
	return chunks
}

// tailHasNewContent reports whether the buffered tail contains anything
// that is not already covered by the last emitted chunk.
func tailHasNewContent(buf []string, chunks []types.Chunk) bool {
	if len(buf) == 0 {
		return false
	}
	last := chunks[len(chunks)-1].Text
	for _, line := range buf {
		if !strings.Contains(last, line) {
			return true
		}
	}
	return false
}
