package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"georeg/internal/fetch"
	"georeg/internal/geo"
	"georeg/internal/metrics"
	"georeg/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log          *slog.Logger
	resolve      resolveFunc
	cleanup      func(jobID string) error
	coregisterFn coregisterFunc
	clipFn       clipFunc
	downsampleFn downsampleFunc
}

type resolveFunc func(ctx context.Context, jobID, ref string) (string, error)

type coregisterFunc func(ctx context.Context, req tasks.CoregisterRequest, notify tasks.ProgressFunc) (tasks.CoregisterResult, error)

type clipFunc func(ctx context.Context, req tasks.ClipRequest) (tasks.ClipResult, error)

type downsampleFunc func(ctx context.Context, req tasks.DownsampleRequest) (tasks.DownsampleResult, error)

// NewRouter dispatches jobs onto runner, resolving remote inputs through
// resolver when it is non-nil.
func NewRouter(runner *tasks.Runner, resolver *fetch.Resolver, logger *slog.Logger) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &router{
		log:          logger,
		coregisterFn: runner.Coregister,
		clipFn:       runner.Clip,
		downsampleFn: runner.Downsample,
	}
	if resolver != nil {
		r.resolve = resolver.Resolve
		r.cleanup = resolver.Cleanup
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job, progress tasks.ProgressFunc) Result {
	if progress == nil {
		progress = func(tasks.Progress) {}
	}
	if r.cleanup != nil {
		defer func() {
			if err := r.cleanup(job.ID); err != nil {
				r.log.Warn("failed to remove downloaded inputs", "job_id", job.ID, "error", err)
			}
		}()
	}
	switch job.Type {
	case JobCoregister:
		return r.handleCoregister(ctx, job, progress)
	case JobClip:
		return r.handleClip(ctx, job, progress)
	case JobDownsample:
		return r.handleDownsample(ctx, job, progress)
	default:
		return r.failEarly(job, progress, fmt.Errorf("unknown job type: %s", job.Type))
	}
}

// failEarly ends a job that failed before its task ran. The start and final
// milestones are still emitted so every run, however short, ends at 100.
func (r *router) failEarly(job Job, progress tasks.ProgressFunc, err error) Result {
	emit(progress, job.ID, tasks.StateStart)
	return r.fail(job, progress, err)
}

func (r *router) fail(job Job, progress tasks.ProgressFunc, err error) Result {
	emit(progress, job.ID, tasks.StateFailed)
	return Result{Job: job, Error: err, Meta: map[string]any{
		"status":       tasks.StatusFailed,
		"state":        string(tasks.StateFailed),
		"errorMessage": err.Error(),
	}}
}

func (r *router) localPath(ctx context.Context, jobID, ref string) (string, error) {
	if r.resolve == nil || ref == "" {
		return ref, nil
	}
	return r.resolve(ctx, jobID, ref)
}

func (r *router) handleCoregister(ctx context.Context, job Job, progress tasks.ProgressFunc) Result {
	imageA := stringOpt(job.Options, "imageA", job.InputPath)
	imageB := stringOpt(job.Options, "imageB", "")
	aoi, err := AOIOption(job.Options["aoi"])
	if err != nil {
		return r.failEarly(job, progress, err)
	}
	if imageA == "" || imageB == "" {
		return r.failEarly(job, progress, errors.New("coregister needs imageA and imageB"))
	}
	if imageA, err = r.localPath(ctx, job.ID, imageA); err != nil {
		return r.failEarly(job, progress, err)
	}
	if imageB, err = r.localPath(ctx, job.ID, imageB); err != nil {
		return r.failEarly(job, progress, err)
	}

	res, err := r.coregisterFn(ctx, tasks.CoregisterRequest{
		JobID:     job.ID,
		ImageA:    imageA,
		ImageB:    imageB,
		AOI:       aoi,
		OutputDir: job.Output,
	}, progress)
	if err == nil {
		metrics.ShiftMagnitude.Observe(math.Hypot(res.Shift.Row, res.Shift.Col))
	}
	return Result{Job: job, Error: err, Meta: res.Meta()}
}

func (r *router) handleClip(ctx context.Context, job Job, progress tasks.ProgressFunc) Result {
	emit(progress, job.ID, tasks.StateStart)
	aoi, err := AOIOption(job.Options["aoi"])
	if err != nil {
		return r.fail(job, progress, err)
	}
	image, err := r.localPath(ctx, job.ID, job.InputPath)
	if err != nil {
		return r.fail(job, progress, err)
	}
	res, err := r.clipFn(ctx, tasks.ClipRequest{JobID: job.ID, Image: image, AOI: aoi, Output: job.Output})
	if err != nil {
		return r.fail(job, progress, err)
	}
	emit(progress, job.ID, tasks.StateDone)
	return Result{Job: job, Meta: res.Meta()}
}

func (r *router) handleDownsample(ctx context.Context, job Job, progress tasks.ProgressFunc) Result {
	emit(progress, job.ID, tasks.StateStart)
	scale, err := floatOpt(job.Options, "scale")
	if err != nil {
		return r.fail(job, progress, err)
	}
	input, err := r.localPath(ctx, job.ID, job.InputPath)
	if err != nil {
		return r.fail(job, progress, err)
	}
	preview, _ := job.Options["preview"].(bool)

	res, err := r.downsampleFn(ctx, tasks.DownsampleRequest{
		JobID:   job.ID,
		Input:   input,
		Output:  job.Output,
		Scale:   scale,
		Preview: preview,
	})
	if err != nil {
		return r.fail(job, progress, err)
	}
	emit(progress, job.ID, tasks.StateDone)
	return Result{Job: job, Meta: res.Meta()}
}

func emit(progress tasks.ProgressFunc, jobID string, s tasks.State) {
	perc, _ := tasks.Milestone(s)
	progress(tasks.Progress{JobID: jobID, State: s, Percent: perc, Time: time.Now()})
}

// AOIOption accepts an AOI as its string form or as a map with
// north/south/east/west keys (decoded JSON or YAML).
func AOIOption(v any) (string, error) {
	switch aoi := v.(type) {
	case string:
		return aoi, nil
	case geo.AOI:
		return aoi.String(), nil
	case map[string]any:
		var vals [4]float64
		for i, k := range []string{"north", "south", "east", "west"} {
			f, err := toFloat(aoi[k])
			if err != nil {
				return "", fmt.Errorf("%w: %s: %v", geo.ErrMalformedAOI, k, err)
			}
			vals[i] = f
		}
		return geo.AOI{North: vals[0], South: vals[1], East: vals[2], West: vals[3]}.String(), nil
	case nil:
		return "", fmt.Errorf("%w: aoi is required", geo.ErrMalformedAOI)
	default:
		return "", fmt.Errorf("%w: unsupported aoi value %T", geo.ErrMalformedAOI, v)
	}
}

func stringOpt(opts map[string]any, key, def string) string {
	if s, ok := opts[key].(string); ok && s != "" {
		return s
	}
	return def
}

func floatOpt(opts map[string]any, key string) (float64, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return f, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
