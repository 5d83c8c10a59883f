package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"georeg/internal/config"
	"georeg/internal/geo"
	"georeg/internal/raster"
	"georeg/internal/register"
)

// Output file names inside a co-registration output directory.
const (
	AClippedName        = "A_clipped.tif"
	BClippedInitialName = "B_clipped_initial.tif"
	BClippedAlignedName = "B_clipped_aligned.tif"
)

// Run outcomes.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Runner executes clip, co-registration and downsampling jobs one stage at
// a time. It holds no per-job state and may be shared between workers.
type Runner struct {
	align      config.AlignConfig
	downsample config.DownsampleConfig
	io         Backend
	log        *slog.Logger
}

// NewRunner builds a Runner from cfg using be for raster I/O.
func NewRunner(cfg *config.Config, be Backend, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{align: cfg.Align, downsample: cfg.Downsample, io: be, log: logger}
}

// CoregisterRequest names the two rasters, the AOI and where outputs go.
type CoregisterRequest struct {
	JobID     string
	ImageA    string // reference
	ImageB    string // moving
	AOI       string // north=..;south=..;east=..;west=..
	OutputDir string
}

// CoregisterResult describes a finished run, successful or not.
type CoregisterResult struct {
	JobID      string         `json:"job_id"`
	Status     string         `json:"status"`
	State      State          `json:"state"`
	OutputDir  string         `json:"output_dir"`
	AClipped   string         `json:"a_clipped,omitempty"`
	BInitial   string         `json:"b_initial,omitempty"`
	BAligned   string         `json:"b_aligned,omitempty"`
	Shift      register.Shift `json:"shift"`
	ANoOverlap bool           `json:"a_no_overlap"`
	BNoOverlap bool           `json:"b_no_overlap"`
	Milestones []int          `json:"milestones"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// Meta flattens the result for job records and events.
func (r CoregisterResult) Meta() map[string]any {
	m := map[string]any{
		"status":       r.Status,
		"state":        string(r.State),
		"outputDir":    r.OutputDir,
		"shiftRow":     r.Shift.Row,
		"shiftCol":     r.Shift.Col,
		"shiftError":   r.Shift.Error,
		"aNoOverlap":   r.ANoOverlap,
		"bNoOverlap":   r.BNoOverlap,
		"milestones":   r.Milestones,
		"durationMs":   r.Duration.Milliseconds(),
		"aClipped":     r.AClipped,
		"bInitial":     r.BInitial,
		"bAligned":     r.BAligned,
		"errorMessage": r.Error,
	}
	return m
}

// Coregister clips A and B to the same ground footprint, estimates the
// sub-pixel translation of B relative to A and writes B with its transform
// corrected. Stages run strictly in order and any error ends the run in
// StateFailed after emitting the final 100 milestone.
func (r *Runner) Coregister(ctx context.Context, req CoregisterRequest, notify ProgressFunc) (CoregisterResult, error) {
	start := time.Now()
	jc := NewJobContext(req.JobID, req.OutputDir, r.log, notify)
	res := CoregisterResult{JobID: req.JobID, OutputDir: req.OutputDir}

	finish := func(err error) (CoregisterResult, error) {
		if err != nil {
			jc.Fail(err)
			res.Status = StatusFailed
			res.Error = err.Error()
		} else {
			jc.Enter(StateDone, map[string]any{"shift": res.Shift.String()})
			res.Status = StatusDone
		}
		res.State = jc.State()
		res.Milestones = jc.Milestones()
		res.Duration = time.Since(start)
		return res, err
	}

	jc.Enter(StateStart, map[string]any{"imageA": req.ImageA, "imageB": req.ImageB, "outDir": req.OutputDir})

	aoi, err := geo.ParseAOI(req.AOI)
	if err != nil {
		return finish(err)
	}
	if r.align.ValidateAOI {
		if err := aoi.Validate(); err != nil {
			return finish(err)
		}
	}
	jc.Enter(StateAOIParsed, map[string]any{"aoi": aoi.String()})

	// A: AOI reprojected from the reference CRS into A's CRS.
	var aoiInA geo.Bounds
	clipA, metaA, err := clipFile(r.io, req.ImageA, r.align.AllTouched, func(m raster.Meta) (geo.Bounds, error) {
		b, err := r.io.Reproject(aoi.Bounds(), r.align.ReferenceCRS, m.CRS, r.align.DensifyPoints)
		aoiInA = b
		return b, err
	})
	if err != nil {
		return finish(fmt.Errorf("clip %s: %w", req.ImageA, err))
	}
	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	res.ANoOverlap = clipA.NoOverlap
	if clipA.NoOverlap {
		r.log.Warn("AOI does not overlap image A", "job_id", req.JobID, "aoi", aoiInA.String(), "raster", metaA.Bounds().String())
	}
	jc.Enter(StateAClipped, map[string]any{"window": clipA.Window.String(), "no_overlap": clipA.NoOverlap})

	res.AClipped = filepath.Join(req.OutputDir, AClippedName)
	if err := r.io.Write(res.AClipped, clipA.Buffer); err != nil {
		return finish(err)
	}
	jc.Enter(StateAWritten, map[string]any{"path": res.AClipped})

	// B: the AOI rectangle as expressed in A's CRS, carried into B's CRS.
	clipB, metaB, err := clipFile(r.io, req.ImageB, r.align.AllTouched, func(m raster.Meta) (geo.Bounds, error) {
		b, err := r.io.Reproject(aoiInA, metaA.CRS, m.CRS, r.align.DensifyPoints)
		if err != nil {
			return b, err
		}
		jc.Enter(StateBFootprintComputed, map[string]any{"footprint": b.String()})
		return b, nil
	})
	if err != nil {
		return finish(fmt.Errorf("clip %s: %w", req.ImageB, err))
	}
	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	res.BNoOverlap = clipB.NoOverlap
	if clipB.NoOverlap {
		r.log.Warn("A footprint does not overlap image B", "job_id", req.JobID, "raster", metaB.Bounds().String())
	}
	jc.Enter(StateBClipped, map[string]any{"window": clipB.Window.String(), "no_overlap": clipB.NoOverlap})

	res.BInitial = filepath.Join(req.OutputDir, BClippedInitialName)
	if err := r.io.Write(res.BInitial, clipB.Buffer); err != nil {
		return finish(err)
	}
	jc.Enter(StateBWrittenInitial, map[string]any{"path": res.BInitial})

	shift, err := register.Estimate(register.FromBand(clipA.Buffer, 0), register.FromBand(clipB.Buffer, 0), r.align.UpsampleFactor)
	if err != nil {
		return finish(err)
	}
	res.Shift = shift
	jc.Enter(StateShiftEstimated, map[string]any{"row": shift.Row, "col": shift.Col, "error": shift.Error})

	aligned := raster.NormalizeBands(clipB.Buffer)
	aligned.Transform = aligned.Transform.Shift(shift.Row, shift.Col)
	jc.Enter(StateBTransformed, map[string]any{"transform": aligned.Transform.String()})

	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	res.BAligned = filepath.Join(req.OutputDir, BClippedAlignedName)
	if err := r.io.Write(res.BAligned, aligned); err != nil {
		return finish(err)
	}
	jc.Enter(StateBWrittenFinal, map[string]any{"path": res.BAligned})

	return finish(nil)
}
