package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"packforge/internal/types"
)

// GenAI analyzes chunks with Google's Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
}

// NewGenAI creates a Gemini-backed analyzer.
func NewGenAI(apiKey, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAI{
		client: client,
		model:  model,
	}, nil
}

// Name returns the analyzer name.
func (g *GenAI) Name() string {
	return fmt.Sprintf("genai:%s", g.model)
}

const analysisPrompt = `You are summarizing one segment of a long conversation export.
Respond with a single JSON object, nothing else:
{"summary": "<one sentence>", "topics": ["<up to 5 short topic labels>"], "salience": <0.0-1.0>}
Salience is how important this segment is to the overall conversation.

Segment:
`

// analysisReply is the shape the model is asked to produce.
type analysisReply struct {
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics"`
	Salience float64  `json:"salience"`
}

// Analyze implements Analyzer. Errors are reported as upstream failures
// so callers apply the transient-retry policy.
func (g *GenAI) Analyze(ctx context.Context, chunk types.Chunk) (types.ChunkAnalysis, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(analysisPrompt+chunk.Text, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return types.ChunkAnalysis{}, types.Upstreamf("GenAI analyze chunk %d: %v", chunk.Index, err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return types.ChunkAnalysis{}, types.Upstreamf("GenAI returned no content for chunk %d", chunk.Index)
	}

	var reply analysisReply
	if err := json.Unmarshal([]byte(extractJSON(text)), &reply); err != nil {
		return types.ChunkAnalysis{}, types.Upstreamf("GenAI reply for chunk %d is not valid JSON: %v", chunk.Index, err)
	}

	if reply.Salience < 0 {
		reply.Salience = 0
	}
	if reply.Salience > 1 {
		reply.Salience = 1
	}
	if len(reply.Topics) > 5 {
		reply.Topics = reply.Topics[:5]
	}

	return types.ChunkAnalysis{
		ChunkIndex: chunk.Index,
		Summary:    reply.Summary,
		Topics:     reply.Topics,
		Salience:   reply.Salience,
	}, nil
}

// extractJSON strips markdown fencing the model sometimes wraps around
// the object.
func extractJSON(text string) string {
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return text[start : end+1]
		}
	}
	return text
}

var _ Analyzer = (*GenAI)(nil)
