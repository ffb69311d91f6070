// Package pipeline drives jobs through the processing state machine:
// upload, extraction, credit-gated analysis, and pack assembly. All state
// changes go through the job store's compare-and-set transition; stage
// workers run asynchronously and report back the same way, so a caller
// that starts a stage gets "started" immediately and polls for the rest.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"packforge/internal/analyze"
	"packforge/internal/artifact"
	"packforge/internal/config"
	"packforge/internal/extract"
	"packforge/internal/logging"
	"packforge/internal/store"
	"packforge/internal/types"
)

// Pipeline owns the stage workers. One Pipeline per process.
type Pipeline struct {
	jobs      *store.JobStore
	ledger    *store.Ledger
	packs     *store.PackStore
	artifacts artifact.Store
	analyzer  analyze.Analyzer
	cfg       config.PipelineConfig

	baseCtx context.Context
	stop    context.CancelFunc
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]*worker
}

// worker is one stage goroutine's cancel handle. Kept as a pointer so
// cleanup can tell its own registration apart from a successor's for
// the same job.
type worker struct {
	cancel context.CancelFunc
}

// New wires a pipeline over the given store and artifact backend.
func New(st *store.Store, artifacts artifact.Store, analyzer analyze.Analyzer, cfg config.PipelineConfig) *Pipeline {
	baseCtx, stop := context.WithCancel(context.Background())
	var sem *semaphore.Weighted
	if cfg.MaxConcurrentJobs > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs))
	}
	return &Pipeline{
		jobs:      st.Jobs(),
		ledger:    st.Ledger(),
		packs:     st.Packs(),
		artifacts: artifacts,
		analyzer:  analyzer,
		cfg:       cfg,
		baseCtx:   baseCtx,
		stop:      stop,
		sem:       sem,
		cancels:   make(map[string]*worker),
	}
}

// Close stops accepting work and waits for in-flight stage workers.
func (p *Pipeline) Close() error {
	p.stop()
	p.wg.Wait()
	return nil
}

func sourcePath(jobID string) string   { return "jobs/" + jobID + "/source.json" }
func chunksPath(jobID string) string   { return "jobs/" + jobID + "/chunks.json" }
func analysisPath(jobID string) string { return "jobs/" + jobID + "/analysis.json" }
func packPath(jobID string) string     { return "packs/" + jobID + ".json" }

// StartJob accepts an upload, persists it, and kicks off extraction. The
// returned job is in the uploading state; extraction reports completion
// through the job store, not through this call.
func (p *Pipeline) StartJob(ctx context.Context, userID string, jobType types.JobType, meta types.FileMeta, payload []byte) (*types.Job, error) {
	if len(payload) == 0 {
		return nil, types.Validationf("empty upload")
	}
	if meta.Size == 0 {
		meta.Size = int64(len(payload))
	}

	job, err := p.jobs.CreateJob(ctx, userID, jobType, meta)
	if err != nil {
		return nil, err
	}

	if err := p.artifacts.Put(sourcePath(job.ID), payload); err != nil {
		_ = p.jobs.Fail(ctx, job.ID, fmt.Sprintf("failed to store upload: %v", err))
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := p.jobs.SetArtifactPath(ctx, job.ID, sourcePath(job.ID)); err != nil {
		return nil, err
	}

	p.spawn(job.ID, func(ctx context.Context) {
		p.runExtract(ctx, job.ID, jobType)
	})

	logging.Pipeline("job %s accepted: user=%s type=%s file=%s", job.ID, userID, jobType, meta.Name)
	return job, nil
}

// spawn launches a stage worker with a per-job cancel registered for
// CancelJob. The caller never blocks: the concurrency cap is acquired by
// the goroutine itself, so a saturated pool queues work instead of
// stalling the request path. Cleanup only removes its own registration;
// a later stage may have replaced it already.
func (p *Pipeline) spawn(jobID string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(p.baseCtx)
	w := &worker{cancel: cancel}
	p.mu.Lock()
	p.cancels[jobID] = w
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			p.mu.Lock()
			if p.cancels[jobID] == w {
				delete(p.cancels, jobID)
			}
			p.mu.Unlock()
			p.wg.Done()
		}()
		if p.sem != nil {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				logging.Pipeline("job %s: stage worker never ran: %v", jobID, err)
				return
			}
			defer p.sem.Release(1)
		}
		fn(ctx)
	}()
}

// extractOptions maps the job type to a chunking profile: extract keeps
// whole messages together, chunk splits without overlap, analyze splits
// with overlap so chunk analyses keep conversational context.
func (p *Pipeline) extractOptions(jobType types.JobType) extract.Options {
	opts := extract.Options{
		TargetTokens:  p.cfg.ChunkTargetTokens,
		OverlapTokens: p.cfg.ChunkOverlapTokens,
	}
	switch jobType {
	case types.JobTypeExtract:
		opts.TargetTokens = 1 << 20
		opts.OverlapTokens = 0
	case types.JobTypeChunk:
		opts.OverlapTokens = 0
	}
	return opts
}

// runExtract moves a job uploading -> extracting -> ready_for_analysis.
func (p *Pipeline) runExtract(ctx context.Context, jobID string, jobType types.JobType) {
	if err := p.jobs.Transition(ctx, jobID, types.StateUploading, types.StateExtracting, nil); err != nil {
		logging.Pipeline("job %s: extract not started: %v", jobID, err)
		return
	}

	started := time.Now()
	raw, err := p.artifacts.Get(sourcePath(jobID))
	if err != nil {
		_ = p.jobs.Fail(ctx, jobID, fmt.Sprintf("upload unreadable: %v", err))
		return
	}

	result, err := extract.Extract(raw, p.extractOptions(jobType))
	if err != nil {
		_ = p.jobs.Fail(ctx, jobID, err.Error())
		return
	}
	if len(result.Chunks) == 0 {
		_ = p.jobs.Fail(ctx, jobID, "empty export")
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		_ = p.jobs.Fail(ctx, jobID, fmt.Sprintf("failed to encode chunks: %v", err))
		return
	}

	err = p.jobs.Transition(ctx, jobID, types.StateExtracting, types.StateReadyForAnalysis, func(ctx context.Context) error {
		if err := p.artifacts.Put(chunksPath(jobID), data); err != nil {
			return err
		}
		if err := p.jobs.SetChunkCount(ctx, jobID, len(result.Chunks)); err != nil {
			return err
		}
		if err := p.jobs.SetArtifactPath(ctx, jobID, chunksPath(jobID)); err != nil {
			return err
		}
		return p.jobs.SetMetadata(ctx, jobID, map[string]string{
			"title":         result.Title,
			"message_count": strconv.Itoa(result.MessageCount),
			"extract_ms":    strconv.FormatInt(time.Since(started).Milliseconds(), 10),
		})
	})
	if err != nil {
		logging.Pipeline("job %s: extract finalize failed: %v", jobID, err)
		return
	}

	logging.Pipeline("job %s: extracted %d chunks from %d messages in %s",
		jobID, len(result.Chunks), result.MessageCount, time.Since(started))
}

// ConfirmResult is the outcome of confirmAnalysis. An unaffordable
// confirm is a decision point, not an error: Gap tells the caller how
// many credits are missing.
type ConfirmResult struct {
	Affordable bool  `json:"affordable"`
	Cost       int64 `json:"cost"`
	Gap        int64 `json:"gap,omitempty"`
	Started    bool  `json:"started"`
}

// ConfirmAnalysis gates the paid stage. The job must be owned by userID
// and sit in ready_for_analysis; the full cost must be affordable up
// front, though debits land per chunk as each one completes. Calling it
// again while analysis runs (or after) returns the committed result
// without charging anything.
func (p *Pipeline) ConfirmAnalysis(ctx context.Context, userID, jobID string) (*ConfirmResult, error) {
	job, err := p.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case types.StateAnalyzing, types.StateBuildingTree, types.StateCompleted:
		return &ConfirmResult{Affordable: true, Started: true,
			Cost: int64(job.ChunkCount) * int64(p.cfg.CostPerChunk)}, nil
	case types.StateReadyForAnalysis:
		// proceed
	default:
		return nil, types.Validationf("job %s is %s, not ready for analysis", jobID, job.State)
	}

	cost := int64(job.ChunkCount) * int64(p.cfg.CostPerChunk)
	affordable, err := p.ledger.CheckAffordable(ctx, userID, cost)
	if err != nil {
		return nil, err
	}
	if !affordable {
		bal, err := p.ledger.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		logging.Credits("confirm job=%s user=%s cost=%d balance=%d: insufficient", jobID, userID, cost, bal.Credits)
		return &ConfirmResult{Affordable: false, Cost: cost, Gap: cost - bal.Credits}, nil
	}

	err = p.jobs.Transition(ctx, jobID, types.StateReadyForAnalysis, types.StateAnalyzing, nil)
	if errors.Is(err, types.ErrStaleTransition) {
		// Lost the race to another confirm; report its outcome.
		job, getErr := p.jobs.GetJob(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if job.State == types.StateFailed {
			return nil, types.Upstreamf("job failed: %s", job.ErrorMessage)
		}
		return &ConfirmResult{Affordable: true, Started: true, Cost: cost}, nil
	}
	if err != nil {
		return nil, err
	}

	p.spawn(jobID, func(ctx context.Context) {
		p.runAnalysis(ctx, userID, jobID)
	})

	logging.Pipeline("job %s: analysis confirmed, cost=%d", jobID, cost)
	return &ConfirmResult{Affordable: true, Started: true, Cost: cost}, nil
}

// runAnalysis processes chunks in order, debiting one chunk's cost after
// each successful analysis. On permanent failure the job fails and every
// chunk the user did not receive is refunded; completed chunks stay
// billed.
func (p *Pipeline) runAnalysis(ctx context.Context, userID, jobID string) {
	var result extract.Result
	data, err := p.artifacts.Get(chunksPath(jobID))
	if err == nil {
		err = json.Unmarshal(data, &result)
	}
	if err != nil {
		p.failAndRefund(ctx, userID, jobID, fmt.Sprintf("chunks unreadable: %v", err), nil)
		return
	}

	started := time.Now()
	completed := make(map[int]bool)
	analyses := make([]types.ChunkAnalysis, 0, len(result.Chunks))

	for i, chunk := range result.Chunks {
		if ctx.Err() != nil {
			p.failAndRefund(ctx, userID, jobID, "cancelled", completed)
			return
		}

		timer := logging.StartTimer(logging.CategoryAPI, fmt.Sprintf("analyze job=%s chunk=%d", jobID, chunk.Index))
		analysis, err := p.analyzeWithRetry(ctx, chunk)
		timer.StopWithThreshold(30 * time.Second)
		if err != nil {
			reason := fmt.Sprintf("chunk %d analysis failed: %v", chunk.Index, err)
			if ctx.Err() != nil {
				reason = "cancelled"
			}
			p.failAndRefund(ctx, userID, jobID, reason, completed)
			return
		}

		if err := p.ledger.Debit(ctx, userID, jobID, chunk.Index, int64(p.cfg.CostPerChunk)); err != nil {
			p.failAndRefund(ctx, userID, jobID,
				fmt.Sprintf("debit for chunk %d failed: %v", chunk.Index, err), completed)
			return
		}
		completed[chunk.Index] = true
		analyses = append(analyses, analysis)

		progress := (i + 1) * 100 / len(result.Chunks)
		if err := p.jobs.UpdateProgress(ctx, jobID, progress, types.StateAnalyzing); err != nil {
			p.failAndRefund(ctx, userID, jobID, progressReason(ctx, err), completed)
			return
		}
	}

	encoded, err := json.Marshal(analyses)
	if err != nil {
		p.failAndRefund(ctx, userID, jobID, fmt.Sprintf("failed to encode analyses: %v", err), completed)
		return
	}

	err = p.jobs.Transition(ctx, jobID, types.StateAnalyzing, types.StateBuildingTree, func(ctx context.Context) error {
		return p.artifacts.Put(analysisPath(jobID), encoded)
	})
	if err != nil {
		logging.Pipeline("job %s: analysis finalize failed: %v", jobID, err)
		return
	}

	logging.Pipeline("job %s: analyzed %d chunks in %s", jobID, len(analyses), time.Since(started))
	p.runTree(ctx, jobID, &result, analyses, time.Since(started))
}

// progressReason classifies an UpdateProgress failure. Losing the CAS to
// a cancel or crash-recovery transition reads as a cancel; anything else
// is a store failure recorded in its own words.
func progressReason(ctx context.Context, err error) string {
	if errors.Is(err, types.ErrStaleTransition) || ctx.Err() != nil {
		return "cancelled"
	}
	return fmt.Sprintf("progress update failed: %v", err)
}

// analyzeWithRetry retries transient upstream failures with linear
// backoff; anything else is permanent.
func (p *Pipeline) analyzeWithRetry(ctx context.Context, chunk types.Chunk) (types.ChunkAnalysis, error) {
	var lastErr error
	attempts := p.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return types.ChunkAnalysis{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * p.cfg.GetRetryBackoff()):
			}
		}
		analysis, err := p.analyzer.Analyze(ctx, chunk)
		if err == nil {
			return analysis, nil
		}
		lastErr = err
		if types.KindOf(err) != types.KindUpstreamFailure {
			break
		}
		logging.PipelineDebug("chunk %d attempt %d/%d failed: %v", chunk.Index, attempt+1, attempts, err)
	}
	return types.ChunkAnalysis{}, lastErr
}

// failAndRefund marks the job failed and returns credits for every chunk
// not in keep. Refunds are idempotent, so a repeat on crash recovery is
// harmless.
func (p *Pipeline) failAndRefund(ctx context.Context, userID, jobID, reason string, keep map[int]bool) {
	// Use the base context so cancellation still persists the outcome.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := p.jobs.Fail(ctx, jobID, reason); err != nil {
		logging.Pipeline("job %s: failed to record failure %q: %v", jobID, reason, err)
	}
	if err := p.ledger.RefundJob(ctx, userID, jobID, keep); err != nil {
		logging.Pipeline("job %s: refund failed: %v", jobID, err)
	}
	logging.Pipeline("job %s: failed (%s), %d chunks kept billed", jobID, reason, len(keep))
}

// CancelJob stops a non-terminal job. Stage workers notice between
// chunks; jobs waiting for confirmation are failed directly. Credits for
// chunks already delivered stay billed.
func (p *Pipeline) CancelJob(ctx context.Context, userID, jobID string) (*types.Job, error) {
	job, err := p.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, types.Validationf("job %s already %s", jobID, job.State)
	}

	p.mu.Lock()
	w, running := p.cancels[jobID]
	p.mu.Unlock()
	if running {
		w.cancel()
	}

	// Fail the job here rather than waiting for the worker to notice: the
	// worker's next compare-and-set loses and it unwinds, refunding any
	// undelivered chunks on its way out.
	if err := p.jobs.Fail(ctx, jobID, "cancelled"); err != nil && !errors.Is(err, types.ErrStaleTransition) {
		return nil, err
	}

	logging.Pipeline("job %s: cancel requested by user %s", jobID, userID)
	return p.jobs.GetJob(ctx, jobID)
}

// Status returns a job, enforcing ownership.
func (p *Pipeline) Status(ctx context.Context, userID, jobID string) (*types.Job, error) {
	return p.owned(ctx, userID, jobID)
}

// List returns all jobs of a user, newest first.
func (p *Pipeline) List(ctx context.Context, userID string) ([]*types.Job, error) {
	return p.jobs.ListJobs(ctx, userID)
}

// Balance returns the user's credit balance.
func (p *Pipeline) Balance(ctx context.Context, userID string) (*types.CreditBalance, error) {
	return p.ledger.GetBalance(ctx, userID)
}

// PackFor returns the finished pack of a completed job.
func (p *Pipeline) PackFor(ctx context.Context, userID, jobID string) (*types.Pack, []byte, error) {
	job, err := p.owned(ctx, userID, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.State != types.StateCompleted {
		return nil, nil, fmt.Errorf("%w: job %s has no pack yet (state %s)", types.ErrNotFound, jobID, job.State)
	}
	pack, err := p.packs.GetPackByJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	data, err := p.artifacts.Get(pack.ArtifactPath)
	if err != nil {
		return nil, nil, fmt.Errorf("pack artifact unreadable: %w", err)
	}
	return pack, data, nil
}

// owned fetches a job and rejects cross-tenant access. A job belonging
// to someone else is Forbidden, never NotFound, so existence does not
// leak across tenants asymmetrically.
func (p *Pipeline) owned(ctx context.Context, userID, jobID string) (*types.Job, error) {
	if jobID == "" {
		return nil, types.Validationf("job id required")
	}
	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, fmt.Errorf("%w: job %s", types.ErrForbidden, jobID)
	}
	return job, nil
}
