// Package watch turns job manifests dropped into an inbox directory into
// pipeline jobs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"georeg/internal/fsutil"
	"georeg/internal/pipeline"
)

// Sub-directories manifests are moved to once handled.
const (
	SubmittedDir = "submitted"
	RejectedDir  = "rejected"
)

// SubmitFunc queues a job.
type SubmitFunc func(job pipeline.Job) error

// Watcher monitors one inbox directory. Manifests are handled once their
// writes have settled, then moved out of the inbox.
type Watcher struct {
	dir    string
	submit SubmitFunc
	log    *slog.Logger
	settle time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a watcher for dir.
func New(dir string, submit SubmitFunc, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		submit: submit,
		log:    log,
		settle: 500 * time.Millisecond,
		timers: make(map[string]*time.Timer),
	}
}

// Run handles manifests already present, then watches for new ones until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox %s: %w", w.dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching inbox", "dir", w.dir)

	if err := w.scanExisting(); err != nil {
		return err
	}

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !fsutil.IsManifest(event.Name) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watcher error", "error", err)
		}
	}
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !fsutil.IsManifest(e.Name()) {
			continue
		}
		w.Handle(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.Handle(path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// Handle parses and submits one manifest, moving it to SubmittedDir or
// RejectedDir. It returns the submitted job id.
func (w *Watcher) Handle(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	m, err := ParseManifest(path)
	if err == nil {
		var job pipeline.Job
		if job, err = m.Job(); err == nil {
			if err = w.submit(job); err == nil {
				w.log.Info("manifest submitted", "manifest", path, "job_id", job.ID, "type", job.Type)
				w.move(path, SubmittedDir)
				return job.ID, nil
			}
		}
	}
	w.log.Warn("manifest rejected", "manifest", path, "error", err)
	w.move(path, RejectedDir)
	return "", err
}

func (w *Watcher) move(path, sub string) {
	dst := filepath.Join(w.dir, sub, filepath.Base(path))
	if err := fsutil.EnsureParentDir(dst); err != nil {
		w.log.Warn("cannot create manifest archive", "dir", filepath.Dir(dst), "error", err)
		return
	}
	if err := os.Rename(path, dst); err != nil {
		w.log.Warn("cannot archive manifest", "manifest", path, "error", err)
	}
}
