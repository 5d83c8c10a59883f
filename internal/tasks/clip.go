package tasks

import (
	"context"
	"fmt"

	"georeg/internal/geo"
	"georeg/internal/raster"
)

// ClipRequest cuts a single raster to an AOI.
type ClipRequest struct {
	JobID  string
	Image  string
	AOI    string
	Output string
}

// ClipResult reports what was written.
type ClipResult struct {
	Output    string        `json:"output"`
	Window    raster.Window `json:"window"`
	Footprint geo.Bounds    `json:"footprint"`
	NoOverlap bool          `json:"no_overlap"`
}

// Meta flattens the result for job records and events.
func (c ClipResult) Meta() map[string]any {
	return map[string]any{
		"output":    c.Output,
		"window":    c.Window.String(),
		"footprint": c.Footprint.String(),
		"noOverlap": c.NoOverlap,
	}
}

// Clip writes the part of req.Image covered by the AOI to req.Output. An AOI
// outside the raster produces the 1x1 placeholder and NoOverlap.
func (r *Runner) Clip(ctx context.Context, req ClipRequest) (ClipResult, error) {
	aoi, err := geo.ParseAOI(req.AOI)
	if err != nil {
		return ClipResult{}, err
	}
	if r.align.ValidateAOI {
		if err := aoi.Validate(); err != nil {
			return ClipResult{}, err
		}
	}
	if req.Output == "" {
		return ClipResult{}, fmt.Errorf("clip %s: output path is required", req.Image)
	}

	var footprint geo.Bounds
	res, _, err := clipFile(r.io, req.Image, r.align.AllTouched, func(m raster.Meta) (geo.Bounds, error) {
		b, err := r.io.Reproject(aoi.Bounds(), r.align.ReferenceCRS, m.CRS, r.align.DensifyPoints)
		footprint = b
		return b, err
	})
	if err != nil {
		return ClipResult{}, fmt.Errorf("clip %s: %w", req.Image, err)
	}
	if err := ctx.Err(); err != nil {
		return ClipResult{}, err
	}
	if res.NoOverlap {
		r.log.Warn("AOI does not overlap raster", "job_id", req.JobID, "image", req.Image)
	}
	if err := r.io.Write(req.Output, res.Buffer); err != nil {
		return ClipResult{}, err
	}
	return ClipResult{Output: req.Output, Window: res.Window, Footprint: footprint, NoOverlap: res.NoOverlap}, nil
}
