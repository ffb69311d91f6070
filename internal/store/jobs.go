package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"packforge/internal/logging"
	"packforge/internal/types"
)

// JobStore is the durable record of processing jobs. State only moves
// through Transition's compare-and-set guard, so two racing stage workers
// can never both apply the same edge.
type JobStore struct {
	s *Store
}

// CreateJob inserts a new job in the uploading state.
func (js *JobStore) CreateJob(ctx context.Context, userID string, jobType types.JobType, meta types.FileMeta) (*types.Job, error) {
	if userID == "" {
		return nil, types.Validationf("user id required")
	}
	if !types.ValidJobType(jobType) {
		return nil, types.Validationf("unknown job type %q", jobType)
	}
	if meta.Name == "" {
		return nil, types.Validationf("file name required")
	}

	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	job := &types.Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      jobType,
		State:     types.StateUploading,
		FileName:  meta.Name,
		FileSize:  meta.Size,
		CreatedAt: time.Now().UTC(),
	}

	_, err := js.s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, job_type, state, file_name, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, string(job.Type), string(job.State),
		job.FileName, job.FileSize, job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	logging.StoreDebug("job created: id=%s user=%s type=%s file=%s", job.ID, userID, jobType, meta.Name)
	return job, nil
}

// GetJob fetches one job by id.
func (js *JobStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	js.s.mu.RLock()
	defer js.s.mu.RUnlock()
	return js.getJob(ctx, jobID)
}

func (js *JobStore) getJob(ctx context.Context, jobID string) (*types.Job, error) {
	row := js.s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_type, state, file_name, file_size, artifact_path,
		       progress, chunk_count, error_message, metadata, created_at,
		       started_at, completed_at
		FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

// ListJobs returns a user's jobs, newest first.
func (js *JobStore) ListJobs(ctx context.Context, userID string) ([]*types.Job, error) {
	js.s.mu.RLock()
	defer js.s.mu.RUnlock()

	rows, err := js.s.db.QueryContext(ctx, `
		SELECT id, user_id, job_type, state, file_name, file_size, artifact_path,
		       progress, chunk_count, error_message, metadata, created_at,
		       started_at, completed_at
		FROM jobs WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateProgress advances a job's progress while it remains in
// expectedState. Progress never decreases; a state mismatch means the
// caller raced a transition and gets ErrStaleTransition.
func (js *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int, expectedState types.JobState) error {
	if progress < 0 || progress > 100 {
		return types.Validationf("progress %d out of range", progress)
	}

	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	res, err := js.s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?
		WHERE id = ? AND state = ? AND progress <= ?`,
		progress, jobID, string(expectedState), progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := js.getJob(ctx, jobID); err != nil {
			return err
		}
		return types.ErrStaleTransition
	}
	return nil
}

// Transition atomically moves a job from one state to another, then runs
// sideEffect. The compare-and-set UPDATE is the only writer of state, so
// losing the race surfaces as ErrStaleTransition instead of a double
// transition. If sideEffect fails the job is marked failed with the error
// recorded; the caller reconciles any credits already debited.
func (js *JobStore) Transition(ctx context.Context, jobID string, from, to types.JobState, sideEffect func(context.Context) error) error {
	if !types.CanTransition(from, to) {
		return types.Validationf("illegal transition %s -> %s", from, to)
	}

	js.s.mu.Lock()
	now := time.Now().UTC()
	res, err := js.s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?,
		       started_at = COALESCE(started_at, ?),
		       completed_at = CASE WHEN ? IN ('completed', 'failed') THEN ? ELSE completed_at END,
		       progress = CASE WHEN ? = 'completed' THEN 100 ELSE progress END
		WHERE id = ? AND state = ?`,
		string(to), now, string(to), now, string(to), jobID, string(from))
	if err != nil {
		js.s.mu.Unlock()
		return fmt.Errorf("failed to transition job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		_, getErr := js.getJob(ctx, jobID)
		js.s.mu.Unlock()
		if getErr != nil {
			return getErr
		}
		return types.ErrStaleTransition
	}
	js.s.mu.Unlock()

	logging.PipelineDebug("job %s: %s -> %s", jobID, from, to)

	if sideEffect != nil {
		if err := sideEffect(ctx); err != nil {
			if failErr := js.Fail(ctx, jobID, err.Error()); failErr != nil {
				logging.Get(logging.CategoryStore).Error("job %s: failed to record failure: %v", jobID, failErr)
			}
			return err
		}
	}
	return nil
}

// Fail moves a non-terminal job to failed and records the reason.
// error_message is set if and only if the job is failed.
func (js *JobStore) Fail(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "unknown error"
	}

	js.s.mu.Lock()
	defer js.s.mu.Unlock()

	res, err := js.s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'failed')`,
		string(types.StateFailed), reason, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		job, getErr := js.getJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if job.State == types.StateFailed {
			return nil // already failed, keep the first reason
		}
		return types.ErrStaleTransition
	}
	return nil
}

// SetChunkCount records how many chunks extraction produced.
func (js *JobStore) SetChunkCount(ctx context.Context, jobID string, count int) error {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	_, err := js.s.db.ExecContext(ctx, `UPDATE jobs SET chunk_count = ? WHERE id = ?`, count, jobID)
	return err
}

// SetArtifactPath records where the job's current stage output lives.
func (js *JobStore) SetArtifactPath(ctx context.Context, jobID, path string) error {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	_, err := js.s.db.ExecContext(ctx, `UPDATE jobs SET artifact_path = ? WHERE id = ?`, path, jobID)
	return err
}

// SetMetadata stores free-form metadata on the job.
func (js *JobStore) SetMetadata(ctx context.Context, jobID string, metadata map[string]string) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	_, err = js.s.db.ExecContext(ctx, `UPDATE jobs SET metadata = ? WHERE id = ?`, string(data), jobID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job         types.Job
		jobType     string
		state       string
		metadata    string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.UserID, &jobType, &state, &job.FileName,
		&job.FileSize, &job.ArtifactPath, &job.Progress, &job.ChunkCount,
		&job.ErrorMessage, &metadata, &job.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Type = types.JobType(jobType)
	job.State = types.JobState(state)
	if metadata != "" && metadata != "{}" {
		_ = json.Unmarshal([]byte(metadata), &job.Metadata)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
