package raster

import (
	"errors"
	"fmt"
	"math"
)

// Affine maps pixel (col, row) to world (x, y):
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
//
// North-up rasters have B = D = 0 and E < 0.
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Identity is the transform of an ungeoreferenced raster.
var Identity = Affine{A: 1, E: 1}

// FromGDAL converts a GDAL geotransform (C, A, B, F, D, E) to an Affine.
func FromGDAL(gt [6]float64) Affine {
	return Affine{A: gt[1], B: gt[2], C: gt[0], D: gt[4], E: gt[5], F: gt[3]}
}

// GDAL returns the transform in GDAL geotransform order.
func (t Affine) GDAL() [6]float64 {
	return [6]float64{t.C, t.A, t.B, t.F, t.D, t.E}
}

// Apply maps a pixel position to world coordinates.
func (t Affine) Apply(col, row float64) (x, y float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

func (t Affine) determinant() float64 { return t.A*t.E - t.B*t.D }

// Invert returns the world-to-pixel transform.
func (t Affine) Invert() (Affine, error) {
	det := t.determinant()
	if det == 0 || math.IsNaN(det) {
		return Affine{}, errors.New("affine transform is not invertible")
	}
	ia := t.E / det
	ib := -t.B / det
	id := -t.D / det
	ie := t.A / det
	return Affine{
		A: ia, B: ib, C: -ia*t.C - ib*t.F,
		D: id, E: ie, F: -id*t.C - ie*t.F,
	}, nil
}

// Offset moves the origin to pixel (col, row) of the current grid.
func (t Affine) Offset(col, row float64) Affine {
	x, y := t.Apply(col, row)
	out := t
	out.C, out.F = x, y
	return out
}

// Scale multiplies the pixel size by sx along columns and sy along rows.
func (t Affine) Scale(sx, sy float64) Affine {
	return Affine{
		A: t.A * sx, B: t.B * sy, C: t.C,
		D: t.D * sx, E: t.E * sy, F: t.F,
	}
}

// PixelWidth is the column-scale coefficient.
func (t Affine) PixelWidth() float64 { return t.A }

// PixelHeight is the magnitude of the row-scale coefficient.
func (t Affine) PixelHeight() float64 { return math.Abs(t.E) }

// Shift rebases the transform by a pixel-space shift. Only the translation
// terms change: C moves by shiftCol pixel widths and F by shiftRow pixel
// heights, negated because rows grow southward while y grows northward.
// A zero shift returns t unchanged.
func (t Affine) Shift(shiftRow, shiftCol float64) Affine {
	if shiftRow == 0 && shiftCol == 0 {
		return t
	}
	out := t
	out.C = t.C + shiftCol*t.PixelWidth()
	out.F = t.F - shiftRow*t.PixelHeight()
	return out
}

func (t Affine) String() string {
	return fmt.Sprintf("Affine(%g, %g, %g, %g, %g, %g)", t.A, t.B, t.C, t.D, t.E, t.F)
}
