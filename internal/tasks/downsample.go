package tasks

import (
	"context"
	"fmt"
	"path/filepath"

	"georeg/internal/preview"
	"georeg/internal/raster"
)

// DownsampleRequest shrinks one raster to an 8-bit quicklook.
type DownsampleRequest struct {
	JobID   string
	Input   string
	Output  string
	Scale   float64 // 0 means the configured default
	Preview bool    // also render <Output>.png
}

// DownsampleResult reports the written files.
type DownsampleResult struct {
	Output          string `json:"output"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Bands           int    `json:"bands"`
	PreviewFileName string `json:"previewFileName"`
	PNG             string `json:"png,omitempty"`
}

// Meta flattens the result for job records and events.
func (d DownsampleResult) Meta() map[string]any {
	return map[string]any{
		"output":          d.Output,
		"width":           d.Width,
		"height":          d.Height,
		"bands":           d.Bands,
		"previewFileName": d.PreviewFileName,
		"png":             d.PNG,
	}
}

// Downsample area-averages every band onto a grid scale times smaller,
// normalizes each band to 8-bit and writes it with a rescaled transform.
func (r *Runner) Downsample(ctx context.Context, req DownsampleRequest) (DownsampleResult, error) {
	scale := req.Scale
	if scale == 0 {
		scale = r.downsample.Scale
	}

	src, err := r.io.Open(req.Input)
	if err != nil {
		return DownsampleResult{}, err
	}
	m := src.Meta()
	src.Close()
	w, h, err := raster.ScaledSize(m.Width, m.Height, scale)
	if err != nil {
		return DownsampleResult{}, fmt.Errorf("downsample %s: %w", req.Input, err)
	}
	if err := ctx.Err(); err != nil {
		return DownsampleResult{}, err
	}

	small, err := r.io.ReadResampled(req.Input, w, h)
	if err != nil {
		return DownsampleResult{}, fmt.Errorf("downsample %s: %w", req.Input, err)
	}
	out := raster.NormalizeBands(small)
	if err := r.io.Write(req.Output, out); err != nil {
		return DownsampleResult{}, err
	}
	r.log.Info("downsampled raster", "job_id", req.JobID, "output", req.Output, "width", w, "height", h)

	res := DownsampleResult{
		Output:          req.Output,
		Width:           w,
		Height:          h,
		Bands:           out.Count(),
		PreviewFileName: filepath.Base(req.Output),
	}
	if req.Preview && r.io.Preview != nil {
		png := preview.PNGPath(req.Output)
		if err := r.io.Preview(req.Output, png, r.downsample.PreviewSize); err != nil {
			r.log.Warn("preview rendering failed", "job_id", req.JobID, "output", png, "error", err)
		} else {
			res.PNG = png
		}
	}
	return res, nil
}
