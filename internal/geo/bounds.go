package geo

import (
	"errors"
	"fmt"
	"math"
)

// ErrReprojection is returned when a rectangle cannot be carried from one
// CRS into another.
var ErrReprojection = errors.New("reprojection failed")

// DefaultDensifyPoints matches the number of interior samples per edge used
// when enclosing a reprojected rectangle.
const DefaultDensifyPoints = 21

// Bounds is an axis-aligned rectangle in some CRS.
type Bounds struct {
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
	Top    float64 `json:"top"`
}

func (b Bounds) Width() float64  { return b.Right - b.Left }
func (b Bounds) Height() float64 { return b.Top - b.Bottom }

// Intersects reports whether b and o share a region of non-zero area.
func (b Bounds) Intersects(o Bounds) bool {
	return b.Left < o.Right && o.Left < b.Right && b.Bottom < o.Top && o.Bottom < b.Top
}

// Contains reports whether o lies inside b (edges inclusive).
func (b Bounds) Contains(o Bounds) bool {
	return o.Left >= b.Left && o.Right <= b.Right && o.Bottom >= b.Bottom && o.Top <= b.Top
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%g %g %g %g]", b.Left, b.Bottom, b.Right, b.Top)
}

// PointTransformer maps coordinates in place from one CRS to another.
type PointTransformer interface {
	TransformPoints(xs, ys []float64) error
}

// PointTransformerFunc adapts a function to PointTransformer.
type PointTransformerFunc func(xs, ys []float64) error

func (f PointTransformerFunc) TransformPoints(xs, ys []float64) error { return f(xs, ys) }

// Densify samples the rectangle boundary: the four corners plus n evenly
// spaced interior points on every edge, walked counter-clockwise from the
// bottom-left corner.
func Densify(b Bounds, n int) (xs, ys []float64) {
	if n < 0 {
		n = 0
	}
	corners := [5][2]float64{
		{b.Left, b.Bottom},
		{b.Right, b.Bottom},
		{b.Right, b.Top},
		{b.Left, b.Top},
		{b.Left, b.Bottom},
	}
	xs = make([]float64, 0, 4*(n+1))
	ys = make([]float64, 0, 4*(n+1))
	for e := 0; e < 4; e++ {
		x0, y0 := corners[e][0], corners[e][1]
		x1, y1 := corners[e+1][0], corners[e+1][1]
		for i := 0; i <= n; i++ {
			t := float64(i) / float64(n+1)
			xs = append(xs, x0+(x1-x0)*t)
			ys = append(ys, y0+(y1-y0)*t)
		}
	}
	return xs, ys
}

// Envelope returns the bounding rectangle of the finite points. It fails if
// no point is finite.
func Envelope(xs, ys []float64) (Bounds, error) {
	out := Bounds{Left: math.Inf(1), Bottom: math.Inf(1), Right: math.Inf(-1), Top: math.Inf(-1)}
	n := 0
	for i := range xs {
		x, y := xs[i], ys[i]
		if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			continue
		}
		out.Left = math.Min(out.Left, x)
		out.Right = math.Max(out.Right, x)
		out.Bottom = math.Min(out.Bottom, y)
		out.Top = math.Max(out.Top, y)
		n++
	}
	if n == 0 {
		return Bounds{}, fmt.Errorf("%w: no finite points after transform", ErrReprojection)
	}
	return out, nil
}

// Reproject densifies b, carries every boundary point through t and returns
// the enclosing rectangle. Straight edges can bow under non-linear
// projections, so corners alone under-estimate the envelope.
func Reproject(b Bounds, t PointTransformer, densify int) (Bounds, error) {
	xs, ys := Densify(b, densify)
	if err := t.TransformPoints(xs, ys); err != nil {
		if errors.Is(err, ErrReprojection) {
			return Bounds{}, err
		}
		return Bounds{}, fmt.Errorf("%w: %v", ErrReprojection, err)
	}
	return Envelope(xs, ys)
}
