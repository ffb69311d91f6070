package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"packforge/internal/extract"
	"packforge/internal/logging"
	"packforge/internal/types"
)

// TopicNode groups the chunks that touched one topic.
type TopicNode struct {
	Topic    string  `json:"topic"`
	Salience float64 `json:"salience"`
	Chunks   []int   `json:"chunks"`
}

// PackDocument is the artifact a completed job produces: the analyzed
// chunks plus a topic index over them.
type PackDocument struct {
	Title       string                `json:"title"`
	JobID       string                `json:"job_id"`
	GeneratedAt time.Time             `json:"generated_at"`
	Topics      []TopicNode           `json:"topics"`
	Chunks      []types.ChunkAnalysis `json:"chunks"`
}

// buildTopicTree folds per-chunk topics into one node per topic, ranked
// by accumulated salience.
func buildTopicTree(analyses []types.ChunkAnalysis) []TopicNode {
	byTopic := make(map[string]*TopicNode)
	for _, a := range analyses {
		for _, topic := range a.Topics {
			node, ok := byTopic[topic]
			if !ok {
				node = &TopicNode{Topic: topic}
				byTopic[topic] = node
			}
			node.Salience += a.Salience
			node.Chunks = append(node.Chunks, a.ChunkIndex)
		}
	}

	nodes := make([]TopicNode, 0, len(byTopic))
	for _, node := range byTopic {
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Salience != nodes[j].Salience {
			return nodes[i].Salience > nodes[j].Salience
		}
		return nodes[i].Topic < nodes[j].Topic
	})
	return nodes
}

// runTree moves a job building_tree -> completed, writing the pack
// artifact and its durable record in the transition side effect so a
// failure lands the job in failed, never half-done.
func (p *Pipeline) runTree(ctx context.Context, jobID string, result *extract.Result, analyses []types.ChunkAnalysis, analysisTook time.Duration) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	started := time.Now()

	doc := PackDocument{
		Title:       result.Title,
		JobID:       jobID,
		GeneratedAt: started.UTC(),
		Topics:      buildTopicTree(analyses),
		Chunks:      analyses,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		_ = p.jobs.Fail(ctx, jobID, fmt.Sprintf("failed to encode pack: %v", err))
		return
	}

	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		logging.Pipeline("job %s: tree stage cannot load job: %v", jobID, err)
		return
	}

	name := result.Title
	if name == "" {
		name = job.FileName
	}
	extractMs, _ := strconv.ParseInt(job.Metadata["extract_ms"], 10, 64)
	messageCount, _ := strconv.Atoi(job.Metadata["message_count"])

	err = p.jobs.Transition(ctx, jobID, types.StateBuildingTree, types.StateCompleted, func(ctx context.Context) error {
		if err := p.artifacts.Put(packPath(jobID), data); err != nil {
			return err
		}
		_, err := p.packs.CreatePack(ctx, &types.Pack{
			JobID:        jobID,
			Name:         name,
			ArtifactPath: packPath(jobID),
			SizeBytes:    int64(len(data)),
			ExtractStats: types.StageStats{
				Items:      messageCount,
				DurationMs: extractMs,
			},
			ChunkStats: types.StageStats{
				Items:      len(result.Chunks),
				DurationMs: extractMs,
			},
			AnalysisStats: types.StageStats{
				Items:      len(analyses),
				DurationMs: analysisTook.Milliseconds(),
			},
		})
		return err
	})
	if err != nil {
		logging.Pipeline("job %s: pack creation failed: %v", jobID, err)
		return
	}

	logging.Pipeline("job %s: pack built, %d topics over %d chunks, %d bytes",
		jobID, len(doc.Topics), len(doc.Chunks), len(data))
}
