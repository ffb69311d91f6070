package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"packforge/internal/logging"
	"packforge/internal/types"
)

// PackStore holds the write-once outputs of completed jobs. There is no
// update path: a pack exists exactly once per job or not at all.
type PackStore struct {
	s *Store
}

// CreatePack records the finished pack for a job. A second create for the
// same job fails on the UNIQUE(job_id) constraint.
func (ps *PackStore) CreatePack(ctx context.Context, pack *types.Pack) (*types.Pack, error) {
	if pack.JobID == "" {
		return nil, types.Validationf("pack job id required")
	}
	if pack.ArtifactPath == "" {
		return nil, types.Validationf("pack artifact path required")
	}

	out := *pack
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.CreatedAt = time.Now().UTC()

	ps.s.mu.Lock()
	defer ps.s.mu.Unlock()

	_, err := ps.s.db.ExecContext(ctx, `
		INSERT INTO packs (id, job_id, name, artifact_path, size_bytes,
			extract_items, extract_ms, chunk_items, chunk_ms, analysis_items, analysis_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.JobID, out.Name, out.ArtifactPath, out.SizeBytes,
		out.ExtractStats.Items, out.ExtractStats.DurationMs,
		out.ChunkStats.Items, out.ChunkStats.DurationMs,
		out.AnalysisStats.Items, out.AnalysisStats.DurationMs,
		out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pack: %w", err)
	}

	logging.Store("pack created: id=%s job=%s size=%d", out.ID, out.JobID, out.SizeBytes)
	return &out, nil
}

// GetPackByJob fetches the pack a job produced, if any.
func (ps *PackStore) GetPackByJob(ctx context.Context, jobID string) (*types.Pack, error) {
	ps.s.mu.RLock()
	defer ps.s.mu.RUnlock()

	row := ps.s.db.QueryRowContext(ctx, `
		SELECT id, job_id, name, artifact_path, size_bytes,
		       extract_items, extract_ms, chunk_items, chunk_ms,
		       analysis_items, analysis_ms, created_at
		FROM packs WHERE job_id = ?`, jobID)
	return scanPack(row)
}

func scanPack(row *sql.Row) (*types.Pack, error) {
	var pack types.Pack
	err := row.Scan(&pack.ID, &pack.JobID, &pack.Name, &pack.ArtifactPath,
		&pack.SizeBytes,
		&pack.ExtractStats.Items, &pack.ExtractStats.DurationMs,
		&pack.ChunkStats.Items, &pack.ChunkStats.DurationMs,
		&pack.AnalysisStats.Items, &pack.AnalysisStats.DurationMs,
		&pack.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pack: %w", err)
	}
	return &pack, nil
}
