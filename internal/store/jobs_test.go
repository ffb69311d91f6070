package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"packforge/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "packforge.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	job, err := jobs.CreateJob(ctx, "user-1", types.JobTypeExtract, types.FileMeta{Name: "export.json", Size: 2048})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.State != types.StateUploading {
		t.Fatalf("new job state = %s, want uploading", job.State)
	}

	got, err := jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.FileName != "export.json" || got.FileSize != 2048 {
		t.Fatalf("unexpected job: %+v", got)
	}

	if _, err := jobs.GetJob(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("GetJob(missing) = %v, want ErrNotFound", err)
	}

	if err := jobs.Transition(ctx, job.ID, types.StateUploading, types.StateExtracting, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	got, _ = jobs.GetJob(ctx, job.ID)
	if got.State != types.StateExtracting {
		t.Fatalf("state = %s, want extracting", got.State)
	}
	if got.StartedAt == nil {
		t.Fatalf("StartedAt not set on first transition")
	}
}

func TestTransitionCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	job, _ := jobs.CreateJob(ctx, "user-1", types.JobTypeExtract, types.FileMeta{Name: "a.json"})

	// Losing the race: job is still uploading, not extracting.
	err := jobs.Transition(ctx, job.ID, types.StateExtracting, types.StateReadyForAnalysis, nil)
	if !errors.Is(err, types.ErrStaleTransition) {
		t.Fatalf("Transition from wrong state = %v, want ErrStaleTransition", err)
	}

	// Illegal edge is rejected before touching the database.
	err = jobs.Transition(ctx, job.ID, types.StateUploading, types.StateCompleted, nil)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("illegal transition = %v, want ErrValidation", err)
	}
}

func TestTransitionSideEffectFailureFailsJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	job, _ := jobs.CreateJob(ctx, "user-1", types.JobTypeExtract, types.FileMeta{Name: "a.json"})

	boom := errors.New("artifact write exploded")
	err := jobs.Transition(ctx, job.ID, types.StateUploading, types.StateExtracting, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transition = %v, want side effect error", err)
	}

	got, _ := jobs.GetJob(ctx, job.ID)
	if got.State != types.StateFailed {
		t.Fatalf("state after side-effect failure = %s, want failed", got.State)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("error_message empty on failed job")
	}
}

func TestFailedIffErrorMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	job, _ := jobs.CreateJob(ctx, "user-1", types.JobTypeExtract, types.FileMeta{Name: "a.json"})

	got, _ := jobs.GetJob(ctx, job.ID)
	if got.ErrorMessage != "" {
		t.Fatalf("non-failed job has error_message %q", got.ErrorMessage)
	}

	if err := jobs.Fail(ctx, job.ID, "empty export"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	got, _ = jobs.GetJob(ctx, job.ID)
	if got.State != types.StateFailed || got.ErrorMessage != "empty export" {
		t.Fatalf("unexpected failed job: %+v", got)
	}

	// Failing again keeps the original reason.
	if err := jobs.Fail(ctx, job.ID, "other reason"); err != nil {
		t.Fatalf("second Fail errored: %v", err)
	}
	got, _ = jobs.GetJob(ctx, job.ID)
	if got.ErrorMessage != "empty export" {
		t.Fatalf("error_message overwritten: %q", got.ErrorMessage)
	}
}

func TestUpdateProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	job, _ := jobs.CreateJob(ctx, "user-1", types.JobTypeExtract, types.FileMeta{Name: "a.json"})
	_ = jobs.Transition(ctx, job.ID, types.StateUploading, types.StateExtracting, nil)

	if err := jobs.UpdateProgress(ctx, job.ID, 40, types.StateExtracting); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	// Stale expected state is rejected.
	err := jobs.UpdateProgress(ctx, job.ID, 50, types.StateAnalyzing)
	if !errors.Is(err, types.ErrStaleTransition) {
		t.Fatalf("UpdateProgress wrong state = %v, want ErrStaleTransition", err)
	}

	// Progress never decreases.
	err = jobs.UpdateProgress(ctx, job.ID, 10, types.StateExtracting)
	if !errors.Is(err, types.ErrStaleTransition) {
		t.Fatalf("UpdateProgress backwards = %v, want ErrStaleTransition", err)
	}

	got, _ := jobs.GetJob(ctx, job.ID)
	if got.Progress != 40 {
		t.Fatalf("progress = %d, want 40", got.Progress)
	}
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	for i := 0; i < 3; i++ {
		if _, err := jobs.CreateJob(ctx, "user-1", types.JobTypeExtract, types.FileMeta{Name: "a.json"}); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}
	_, _ = jobs.CreateJob(ctx, "user-2", types.JobTypeExtract, types.FileMeta{Name: "b.json"})

	list, err := jobs.ListJobs(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListJobs len = %d, want 3", len(list))
	}
	for _, j := range list {
		if j.UserID != "user-1" {
			t.Fatalf("foreign job in listing: %+v", j)
		}
	}
}
