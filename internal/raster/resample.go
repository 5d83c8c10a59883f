package raster

import (
	"errors"
	"fmt"
	"math"
)

// ErrScale is returned when a downsampling factor is out of range or would
// collapse the raster below one pixel.
var ErrScale = errors.New("invalid scale")

// ScaledSize returns floor(width*scale) x floor(height*scale).
func ScaledSize(width, height int, scale float64) (int, int, error) {
	if !(scale > 0 && scale <= 1) {
		return 0, 0, fmt.Errorf("%w: %g not in (0, 1]", ErrScale, scale)
	}
	w := int(float64(width) * scale)
	h := int(float64(height) * scale)
	if w < 1 || h < 1 {
		return 0, 0, fmt.Errorf("%w: %dx%d at %g collapses to %dx%d", ErrScale, width, height, scale, w, h)
	}
	return w, h, nil
}

type span struct {
	first   int
	weights []float64
}

// spans computes, for every output cell, the source cells it covers and
// the length of each overlap.
func spans(srcN, dstN int) []span {
	ratio := float64(srcN) / float64(dstN)
	out := make([]span, dstN)
	for i := range out {
		lo := float64(i) * ratio
		hi := lo + ratio
		first := int(math.Floor(lo))
		last := int(math.Ceil(hi)) - 1
		if last >= srcN {
			last = srcN - 1
		}
		ws := make([]float64, 0, last-first+1)
		for s := first; s <= last; s++ {
			ws = append(ws, math.Min(hi, float64(s+1))-math.Max(lo, float64(s)))
		}
		out[i] = span{first: first, weights: ws}
	}
	return out
}

// ResampleAverage shrinks in to width x height, each output pixel being the
// area-weighted mean of the finite source pixels it covers. The transform
// is scaled so the footprint is unchanged. It matches GDAL's average
// resampling for buffers that never touch a file.
func ResampleAverage(in *Buffer, width, height int) (*Buffer, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("%w: target %dx%d", ErrScale, width, height)
	}
	if width > in.Width || height > in.Height {
		return nil, fmt.Errorf("%w: %dx%d is larger than source %dx%d", ErrScale, width, height, in.Width, in.Height)
	}
	cols := spans(in.Width, width)
	rows := spans(in.Height, height)

	out := NewBuffer(len(in.Bands), width, height, in.DataType)
	out.CRS = in.CRS
	out.Transform = in.Transform.Scale(float64(in.Width)/float64(width), float64(in.Height)/float64(height))

	for bi, band := range in.Bands {
		dst := out.Bands[bi]
		for r, rs := range rows {
			for c, cs := range cols {
				var sum, weight float64
				for dy, wy := range rs.weights {
					rowOff := (rs.first + dy) * in.Width
					for dx, wx := range cs.weights {
						v := band[rowOff+cs.first+dx]
						if math.IsNaN(v) || math.IsInf(v, 0) {
							continue
						}
						sum += v * wx * wy
						weight += wx * wy
					}
				}
				if weight > 0 {
					dst[r*width+c] = sum / weight
				} else {
					dst[r*width+c] = math.NaN()
				}
			}
		}
	}
	return out, nil
}
