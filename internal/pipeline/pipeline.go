package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"georeg/internal/events"
	"georeg/internal/logging"
	"georeg/internal/metrics"
	"georeg/internal/storage"
	"georeg/internal/tasks"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobCoregister JobType = "coregister"
	JobClip       JobType = "clip"
	JobDownsample JobType = "downsample"
)

// ParseJobType accepts the canonical names plus the legacy "align" alias.
func ParseJobType(s string) (JobType, error) {
	switch s {
	case "coregister", "align", "process_aoi":
		return JobCoregister, nil
	case "clip":
		return JobClip, nil
	case "downsample":
		return JobDownsample, nil
	default:
		return "", fmt.Errorf("unknown job type %q", s)
	}
}

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Status is the terminal status recorded for the result.
func (r Result) Status() string {
	if r.Error != nil {
		return "failed"
	}
	return "completed"
}

// Processor executes a job, reporting milestones through progress.
type Processor interface {
	Process(ctx context.Context, job Job, progress tasks.ProgressFunc) Result
}

// ErrQueueFull is returned by Submit when every queue slot is taken.
var ErrQueueFull = errors.New("job queue is full")

// Pipeline orchestrates job dispatch across workers. Each job runs start to
// finish on one worker; parallelism only exists between jobs.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	events    events.Publisher

	mu        sync.Mutex
	subs      map[int]chan Result
	progSubs  map[int]chan tasks.Progress
	nextSubID int
}

// New creates a Pipeline with concurrency workers feeding proc. store and
// pub may be nil.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor, pub events.Publisher) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Noop{}
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		events:    pub,
		subs:      make(map[int]chan Result),
		progSubs:  make(map[int]chan tasks.Progress),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job_id", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
		p.publish(context.Background(), job, "queued", 0, nil, nil)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait submits job and blocks until its result arrives or ctx ends.
func (p *Pipeline) SubmitAndWait(ctx context.Context, job Job) (Result, error) {
	resCh, unsubscribe := p.Subscribe()
	defer unsubscribe()
	if err := p.Submit(job); err != nil {
		return Result{Job: job, Error: err}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Result{Job: job, Error: ctx.Err()}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				err := errors.New("pipeline stopped before completion")
				return Result{Job: job, Error: err}, err
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.progSubs {
			close(ch)
			delete(p.progSubs, id)
		}
		p.mu.Unlock()
		if err := p.events.Close(); err != nil {
			p.log.Warn("closing event publisher", "error", err)
		}
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	if p.store != nil {
		if err := p.store.RecordJobStart(job.ID); err != nil {
			p.log.Warn("failed to record job start", "job_id", job.ID, "error", err)
		}
	}
	p.publish(ctx, job, "running", 0, nil, nil)

	res := p.processor.Process(ctx, job, func(pr tasks.Progress) {
		if p.store != nil {
			if err := p.store.RecordProgress(pr.JobID, string(pr.State), pr.Percent); err != nil {
				p.log.Warn("failed to record progress", "job_id", pr.JobID, "error", err)
			}
		}
		p.broadcastProgress(pr)
		p.publish(ctx, job, "progress", pr.Percent, nil, map[string]any{"state": string(pr.State)})
	})
	res.Job = job
	duration := time.Since(start)

	status := res.Status()
	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "job_id", job.ID, "error", err)
		}
	}
	metrics.ObserveJob(string(job.Type), status, duration)
	p.publish(ctx, job, status, 100, res.Error, res.Meta)
	p.broadcast(res)
}

func (p *Pipeline) publish(ctx context.Context, job Job, status string, percent int, err error, meta map[string]any) {
	ev := events.Event{
		JobID:   job.ID,
		Type:    string(job.Type),
		Status:  status,
		Percent: percent,
		Error:   errString(err),
		Meta:    meta,
		Time:    time.Now().UTC(),
	}
	if perr := p.events.Publish(context.WithoutCancel(ctx), ev); perr != nil {
		p.log.Warn("event publish failed", "job_id", job.ID, "status", status, "error", perr)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// SubscribeProgress streams milestones of every job.
func (p *Pipeline) SubscribeProgress() (<-chan tasks.Progress, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan tasks.Progress, 32)
	p.progSubs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.progSubs[id]; ok {
			close(c)
			delete(p.progSubs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// NewID returns a job id like "coregister-20240102T150405-0042".
func NewID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (p *Pipeline) broadcastProgress(pr tasks.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.progSubs {
		select {
		case ch <- pr:
		default:
			p.log.Warn("progress channel full", "subscriber", id, "job", pr.JobID)
		}
	}
}
