package raster

import "math"

// BandRange returns the min and max of the finite samples. ok is false when
// the band has none.
func BandRange(band []float64) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range band {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		ok = true
	}
	return lo, hi, ok
}

// NormalizeBands stretches every band independently onto [0, 255] using
// that band's own finite min and max, truncating to 8-bit. Constant bands
// and non-finite samples become 0. The input is not modified.
func NormalizeBands(in *Buffer) *Buffer {
	out := NewBuffer(len(in.Bands), in.Width, in.Height, Byte)
	out.Transform = in.Transform
	out.CRS = in.CRS
	for bi, band := range in.Bands {
		lo, hi, ok := BandRange(band)
		if !ok || hi <= lo {
			continue
		}
		span := hi - lo
		dst := out.Bands[bi]
		for i, v := range band {
			switch {
			case math.IsNaN(v) || math.IsInf(v, 0):
				continue
			case v == hi:
				dst[i] = 255
				continue
			}
			s := math.Floor((v - lo) * 255 / span)
			dst[i] = math.Max(0, math.Min(255, s))
		}
	}
	return out
}
