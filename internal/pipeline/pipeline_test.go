package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"georeg/internal/events"
	"georeg/internal/storage"
	"georeg/internal/tasks"
)

type funcProcessor func(ctx context.Context, job Job, progress tasks.ProgressFunc) Result

func (f funcProcessor) Process(ctx context.Context, job Job, progress tasks.ProgressFunc) Result {
	return f(ctx, job, progress)
}

type recordingPublisher struct {
	ch chan events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.ch <- ev
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestPipelineRecordsAndBroadcasts(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	proc := funcProcessor(func(_ context.Context, job Job, progress tasks.ProgressFunc) Result {
		progress(tasks.Progress{JobID: job.ID, State: tasks.StateStart, Percent: 5})
		progress(tasks.Progress{JobID: job.ID, State: tasks.StateDone, Percent: 100})
		return Result{Meta: map[string]any{"shiftRow": 0.5}}
	})
	pub := &recordingPublisher{ch: make(chan events.Event, 16)}
	p := New(context.Background(), 2, nil, store, proc, pub)
	defer p.Stop()

	progCh, unsubProg := p.SubscribeProgress()
	defer unsubProg()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.SubmitAndWait(ctx, Job{ID: "job-1", Type: JobCoregister, Output: "/out"})
	if err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if res.Job.ID != "job-1" || res.Meta["shiftRow"] != 0.5 {
		t.Fatalf("result %+v", res)
	}

	for _, want := range []int{5, 100} {
		select {
		case pr := <-progCh:
			if pr.Percent != want {
				t.Fatalf("progress %d, want %d", pr.Percent, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for progress %d", want)
		}
	}

	rec, err := store.Job("job-1")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if rec.Status != "completed" || rec.JobType != "coregister" {
		t.Fatalf("record %+v", rec)
	}
	progress, err := store.Progress("job-1")
	if err != nil || len(progress) != 2 {
		t.Fatalf("stored progress %+v (%v)", progress, err)
	}

	var statuses []string
	for len(statuses) < 5 {
		select {
		case ev := <-pub.ch:
			statuses = append(statuses, ev.Status)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for events, got %v", statuses)
		}
	}
	counts := map[string]int{}
	for _, s := range statuses {
		counts[s]++
	}
	if counts["queued"] != 1 || counts["running"] != 1 || counts["progress"] != 2 || counts["completed"] != 1 {
		t.Fatalf("events %v", statuses)
	}
}

func TestPipelineFailedJob(t *testing.T) {
	boom := errors.New("boom")
	proc := funcProcessor(func(context.Context, Job, tasks.ProgressFunc) Result {
		return Result{Error: boom}
	})
	p := New(context.Background(), 1, nil, nil, proc, nil)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.SubmitAndWait(ctx, Job{ID: "bad", Type: JobClip})
	if !errors.Is(err, boom) || res.Status() != "failed" {
		t.Fatalf("expected failure, got %v (%s)", err, res.Status())
	}
}

func TestPipelineQueueFull(t *testing.T) {
	block := make(chan struct{})
	proc := funcProcessor(func(context.Context, Job, tasks.ProgressFunc) Result {
		<-block
		return Result{}
	})
	p := New(context.Background(), 1, nil, nil, proc, nil)
	defer p.Stop()
	defer close(block)

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = p.Submit(Job{ID: "j" + string(rune('a'+i)), Type: JobClip})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSubmitRequiresID(t *testing.T) {
	p := New(context.Background(), 1, nil, nil, funcProcessor(func(context.Context, Job, tasks.ProgressFunc) Result { return Result{} }), nil)
	defer p.Stop()
	if err := p.Submit(Job{Type: JobClip}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestPipelineLogsStoreFailures(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	proc := funcProcessor(func(context.Context, Job, tasks.ProgressFunc) Result { return Result{} })
	p := New(context.Background(), 1, logger, store, proc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.SubmitAndWait(ctx, Job{ID: "closed-store", Type: JobClip}); err != nil {
		t.Fatalf("job should not fail on store errors: %v", err)
	}
	p.Stop()

	for _, want := range []string{"failed to record job start", "failed to record job result"} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("missing %q in logs:\n%s", want, logs.String())
		}
	}
}
