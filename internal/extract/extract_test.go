package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"packforge/internal/types"
)

func mustExport(t *testing.T, title string, messages []Message) []byte {
	t.Helper()
	raw, err := json.Marshal(Export{Title: title, Messages: messages})
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	return raw
}

func TestExtractBasic(t *testing.T) {
	raw := mustExport(t, "debugging session", []Message{
		{Role: "user", Content: "my server keeps crashing"},
		{Role: "assistant", Content: "what does the log say?"},
		{Role: "user", Text: "segfault in the parser"},
	})

	result, err := Extract(raw, Options{TargetTokens: 1000})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	want := &Result{
		Title:        "debugging session",
		MessageCount: 3,
		Chunks: []types.Chunk{
			{
				Index:      0,
				Text:       "user: my server keeps crashing\nassistant: what does the log say?\nuser: segfault in the parser",
				TokenCount: result.Chunks[0].TokenCount,
			},
		},
	}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Fatalf("Extract mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractEmptyExport(t *testing.T) {
	raw := mustExport(t, "empty", []Message{
		{Role: "user", Content: "   "},
		{Role: "assistant"},
	})

	result, err := Extract(raw, Options{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(result.Chunks) != 0 {
		t.Fatalf("chunks = %d, want 0 for empty export", len(result.Chunks))
	}
}

func TestExtractInvalidJSON(t *testing.T) {
	_, err := Extract([]byte("{not json"), Options{})
	if err == nil {
		t.Fatalf("Extract accepted invalid JSON")
	}
}

func TestChunkingSplitsLongConversations(t *testing.T) {
	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)
	var messages []Message
	for i := 0; i < 30; i++ {
		messages = append(messages, Message{Role: "user", Content: long})
	}
	raw := mustExport(t, "long", messages)

	result, err := Extract(raw, Options{TargetTokens: 500, OverlapTokens: 50})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(result.Chunks) < 2 {
		t.Fatalf("chunks = %d, want several for a long conversation", len(result.Chunks))
	}
	for i, c := range result.Chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if c.TokenCount == 0 || c.Text == "" {
			t.Fatalf("chunk %d is empty: %+v", i, c)
		}
	}
}

func TestChunkOverlapCarriesContext(t *testing.T) {
	var messages []Message
	for i := 0; i < 40; i++ {
		messages = append(messages, Message{Role: "user", Content: strings.Repeat("alpha beta gamma delta ", 10)})
	}
	raw := mustExport(t, "overlap", messages)

	result, err := Extract(raw, Options{TargetTokens: 300, OverlapTokens: 60})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(result.Chunks) < 3 {
		t.Fatalf("chunks = %d, want at least 3", len(result.Chunks))
	}

	// Each chunk after the first starts with the tail of its predecessor.
	for i := 1; i < len(result.Chunks); i++ {
		firstLine := strings.SplitN(result.Chunks[i].Text, "\n", 2)[0]
		if !strings.Contains(result.Chunks[i-1].Text, firstLine) {
			t.Fatalf("chunk %d does not overlap its predecessor", i)
		}
	}
}
