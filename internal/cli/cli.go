package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"georeg/internal/config"
	"georeg/internal/grpcserver"
	"georeg/internal/pipeline"
	"georeg/internal/server"
	"georeg/internal/storage"
	"georeg/internal/tasks"
	"georeg/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan tasks.Progress, func())
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

type watchFunc func(ctx context.Context, dir string, submit watch.SubmitFunc, log *slog.Logger) error

type serveOptions struct {
	addr     string
	grpcAddr string
	inbox    string
}

func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	real, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	running := 1
	go func() {
		errCh <- server.NewServer(opts.addr, r.store, real, r.cfg.Server.Metrics, r.log).Start(ctx)
	}()
	if opts.grpcAddr != "" {
		running++
		go func() {
			errCh <- grpcserver.Serve(ctx, opts.grpcAddr, grpcserver.NewService(real, r.store, r.log), r.log)
		}()
	}
	if opts.inbox != "" {
		running++
		go func() {
			errCh <- r.watchFn(ctx, opts.inbox, real.Submit, r.log)
		}()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func defaultWatch(ctx context.Context, dir string, submit watch.SubmitFunc, log *slog.Logger) error {
	return watch.New(dir, submit, log).Run(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	serveFn  serverFunc
	watchFn  watchFunc
	dialFn   dialFunc
}

// NewRoot constructs the shared state behind every command.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		out:     os.Stdout,
		serveFn: defaultServe,
		watchFn: defaultWatch,
		dialFn:  defaultDial,
	}
	// Leave the interface nil rather than holding a typed nil pointer.
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

var errNoPipeline = errors.New("processing pipeline is not available")

// enqueueAndWait submits job and blocks until its result. With progress set,
// every milestone of the job is printed as "PROGRESS: <n>".
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job, progress bool) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, errNoPipeline
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	progCh, unsubscribeProgress := r.pipeline.SubscribeProgress()
	defer unsubscribeProgress()

	if err := r.pipeline.Submit(job); err != nil {
		return pipeline.Result{}, err
	}
	printProgress := func(pr tasks.Progress) {
		if progress && pr.JobID == job.ID {
			fmt.Fprintf(r.out, "PROGRESS: %d\n", pr.Percent)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case pr, ok := <-progCh:
			if !ok {
				progCh = nil
				continue
			}
			printProgress(pr)
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID != job.ID {
				continue
			}
			// Milestones are broadcast before the result; flush what is buffered.
			for drained := false; !drained; {
				select {
				case pr, ok := <-progCh:
					if !ok {
						drained = true
						break
					}
					printProgress(pr)
				default:
					drained = true
				}
			}
			return res, res.Error
		}
	}
}
