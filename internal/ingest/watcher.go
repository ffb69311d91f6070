// Package ingest watches a drop directory and starts a job for every
// conversation export that lands in it. Meant for local workflows where
// an agent writes exports to disk instead of speaking the protocol.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"packforge/internal/logging"
	"packforge/internal/pipeline"
	"packforge/internal/types"
)

// Watcher feeds dropped export files into the pipeline as one user.
type Watcher struct {
	pipeline *pipeline.Pipeline
	dir      string
	userID   string
	debounce time.Duration

	// Started is closed once the fsnotify watch is registered; tests
	// block on it before dropping files.
	Started chan struct{}
}

// New creates a watcher over dir. Jobs are owned by userID.
func New(p *pipeline.Pipeline, dir, userID string) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("ingest dir required")
	}
	if userID == "" {
		return nil, fmt.Errorf("ingest user required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ingest dir: %w", err)
	}
	return &Watcher{
		pipeline: p,
		dir:      dir,
		userID:   userID,
		debounce: 200 * time.Millisecond,
		Started:  make(chan struct{}),
	}, nil
}

// Run watches until ctx is cancelled. Writes are debounced so a file
// still being copied in is only picked up once it settles.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	close(w.Started)
	logging.Boot("ingest watcher on %s for user %s", w.dir, w.userID)

	var timer *time.Timer
	pending := make(map[string]struct{})
	ready := make(chan struct{}, 1)

	flush := func() {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isExport(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pending[event.Name] = struct{}{}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, flush)

		case <-ready:
			for path := range pending {
				delete(pending, path)
				w.submit(ctx, path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Boot("ingest watcher error: %v", err)
		}
	}
}

func isExport(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// submit starts a job for one dropped file. Failures are logged, not
// fatal: a bad file must not stop the watcher.
func (w *Watcher) submit(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Boot("ingest: cannot read %s: %v", path, err)
		return
	}

	job, err := w.pipeline.StartJob(ctx, w.userID, types.JobTypeAnalyze, types.FileMeta{
		Name: filepath.Base(path),
		Size: int64(len(data)),
	}, data)
	if err != nil {
		logging.Boot("ingest: rejected %s: %v", path, err)
		return
	}

	// Consumed files are moved aside so a restart does not resubmit them.
	done := path + ".ingested"
	if err := os.Rename(path, done); err != nil {
		logging.Boot("ingest: failed to move %s aside: %v", path, err)
	}
	logging.Boot("ingest: %s started job %s", filepath.Base(path), job.ID)
}
