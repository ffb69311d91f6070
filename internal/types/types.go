// Package types holds the shared domain types for packforge: jobs, packs,
// chunks, and credit balances. Kept dependency-free so every layer
// (store, pipeline, protocol) can import it without cycles.
package types

import (
	"time"
)

// JobState represents where a job sits in the processing pipeline.
type JobState string

const (
	StateUploading        JobState = "uploading"
	StateExtracting       JobState = "extracting"
	StateReadyForAnalysis JobState = "ready_for_analysis"
	StateAnalyzing        JobState = "analyzing"
	StateBuildingTree     JobState = "building_tree"
	StateCompleted        JobState = "completed"
	StateFailed           JobState = "failed"
)

// Terminal reports whether a job in this state can never move again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// nextStates is the legal transition graph. failed is reachable from every
// non-terminal state and is handled separately in CanTransition.
var nextStates = map[JobState]JobState{
	StateUploading:        StateExtracting,
	StateExtracting:       StateReadyForAnalysis,
	StateReadyForAnalysis: StateAnalyzing,
	StateAnalyzing:        StateBuildingTree,
	StateBuildingTree:     StateCompleted,
}

// CanTransition reports whether from -> to is a legal edge in the
// pipeline graph.
func CanTransition(from, to JobState) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	return nextStates[from] == to
}

// JobType identifies which pipeline a job runs through.
type JobType string

const (
	JobTypeExtract JobType = "extract"
	JobTypeChunk   JobType = "chunk"
	JobTypeAnalyze JobType = "analyze"
)

// ValidJobType reports whether t is a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeExtract, JobTypeChunk, JobTypeAnalyze:
		return true
	}
	return false
}

// FileMeta describes the uploaded source file of a job.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Job is the durable record of one processing run over one uploaded
// export. State is mutated only by the pipeline, never by callers.
type Job struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Type         JobType           `json:"type"`
	State        JobState          `json:"state"`
	FileName     string            `json:"file_name"`
	FileSize     int64             `json:"file_size"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	Progress     int               `json:"progress"`
	ChunkCount   int               `json:"chunk_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// StageStats captures per-stage counters surfaced on the finished pack.
type StageStats struct {
	Items      int   `json:"items"`
	DurationMs int64 `json:"duration_ms"`
}

// Pack is the write-once output of a completed job.
type Pack struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	Name          string     `json:"name"`
	ArtifactPath  string     `json:"artifact_path"`
	SizeBytes     int64      `json:"size_bytes"`
	ExtractStats  StageStats `json:"extract_stats"`
	ChunkStats    StageStats `json:"chunk_stats"`
	AnalysisStats StageStats `json:"analysis_stats"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CreditBalance is one user's remaining processing credits.
type CreditBalance struct {
	UserID    string `json:"user_id"`
	Credits   int64  `json:"credits"`
	Unlimited bool   `json:"unlimited"`
}

// Chunk is a token-bounded slice of the extracted conversation.
type Chunk struct {
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// ChunkAnalysis is the paid analysis result for a single chunk.
type ChunkAnalysis struct {
	ChunkIndex int      `json:"chunk_index"`
	Summary    string   `json:"summary"`
	Topics     []string `json:"topics,omitempty"`
	Salience   float64  `json:"salience"`
}
