package raster

import (
	"fmt"
	"math"

	"georeg/internal/geo"
)

// Window is a pixel rectangle: columns [Col, Col+Width), rows [Row, Row+Height).
type Window struct {
	Col    int `json:"col"`
	Row    int `json:"row"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (w Window) Empty() bool { return w.Width <= 0 || w.Height <= 0 }

func (w Window) String() string {
	return fmt.Sprintf("window(col=%d row=%d %dx%d)", w.Col, w.Row, w.Width, w.Height)
}

// ClipResult is either a cropped buffer or the no-overlap placeholder.
// NoOverlap is a data condition: Buffer is then a 1x1 zero raster with the
// source band count, data type and transform.
type ClipResult struct {
	Buffer    *Buffer
	Window    Window
	NoOverlap bool
}

// snap tolerance for pixel coordinates that should be integral
const pixelEpsilon = 1e-9

func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < pixelEpsilon {
		return r
	}
	return v
}

// WindowFor returns the minimal pixel window of m covering b (given in m's
// CRS), clamped to the raster grid. With allTouched every pixel the
// rectangle touches is included; otherwise only pixels whose centers fall
// inside. ok is false when nothing of the raster is covered.
func WindowFor(m Meta, b geo.Bounds, allTouched bool) (w Window, ok bool) {
	for _, v := range []float64{b.Left, b.Bottom, b.Right, b.Top} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Window{}, false
		}
	}
	inv, err := m.Transform.Invert()
	if err != nil {
		return Window{}, false
	}

	colMin, rowMin := math.Inf(1), math.Inf(1)
	colMax, rowMax := math.Inf(-1), math.Inf(-1)
	for _, p := range [][2]float64{{b.Left, b.Bottom}, {b.Right, b.Bottom}, {b.Right, b.Top}, {b.Left, b.Top}} {
		c, r := inv.Apply(p[0], p[1])
		c, r = snap(c), snap(r)
		colMin, colMax = math.Min(colMin, c), math.Max(colMax, c)
		rowMin, rowMax = math.Min(rowMin, r), math.Max(rowMax, r)
	}

	var c0, c1, r0, r1 float64
	if allTouched {
		c0, c1 = math.Floor(colMin), math.Ceil(colMax)
		r0, r1 = math.Floor(rowMin), math.Ceil(rowMax)
	} else {
		c0, c1 = math.Ceil(colMin-0.5), math.Floor(colMax-0.5)+1
		r0, r1 = math.Ceil(rowMin-0.5), math.Floor(rowMax-0.5)+1
	}

	c0 = math.Max(c0, 0)
	r0 = math.Max(r0, 0)
	c1 = math.Min(c1, float64(m.Width))
	r1 = math.Min(r1, float64(m.Height))
	if c1 <= c0 || r1 <= r0 {
		return Window{}, false
	}
	return Window{Col: int(c0), Row: int(r0), Width: int(c1 - c0), Height: int(r1 - r0)}, true
}

// Clip crops src to the rectangle b expressed in src's own CRS. A rectangle
// that misses the raster yields NoOverlap instead of an error.
func Clip(src Source, b geo.Bounds, allTouched bool) (ClipResult, error) {
	m := src.Meta()
	w, ok := WindowFor(m, b, allTouched)
	if !ok {
		return ClipResult{Buffer: placeholder(m), NoOverlap: true}, nil
	}
	buf, err := src.ReadWindow(w)
	if err != nil {
		return ClipResult{}, fmt.Errorf("read %s: %w", w, err)
	}
	return ClipResult{Buffer: buf, Window: w}, nil
}

func placeholder(m Meta) *Buffer {
	bands := m.Bands
	if bands < 1 {
		bands = 1
	}
	buf := NewBuffer(bands, 1, 1, m.DataType)
	buf.Transform = m.Transform
	buf.CRS = m.CRS
	return buf
}

// MemSource serves windows out of an in-memory buffer.
type MemSource struct {
	buf    *Buffer
	closed bool
}

// NewMemSource wraps buf; the buffer is not copied until a window is read.
func NewMemSource(buf *Buffer) *MemSource { return &MemSource{buf: buf} }

func (s *MemSource) Meta() Meta { return s.buf.Meta() }

func (s *MemSource) ReadWindow(w Window) (*Buffer, error) {
	if s.closed {
		return nil, fmt.Errorf("read from closed source")
	}
	if w.Empty() || w.Col < 0 || w.Row < 0 || w.Col+w.Width > s.buf.Width || w.Row+w.Height > s.buf.Height {
		return nil, fmt.Errorf("%s outside %dx%d raster", w, s.buf.Width, s.buf.Height)
	}
	out := NewBuffer(len(s.buf.Bands), w.Width, w.Height, s.buf.DataType)
	out.CRS = s.buf.CRS
	out.Transform = s.buf.Transform.Offset(float64(w.Col), float64(w.Row))
	for bi := range s.buf.Bands {
		for r := 0; r < w.Height; r++ {
			srcRow := s.buf.Bands[bi][(w.Row+r)*s.buf.Width+w.Col : (w.Row+r)*s.buf.Width+w.Col+w.Width]
			copy(out.Bands[bi][r*w.Width:(r+1)*w.Width], srcRow)
		}
	}
	return out, nil
}

func (s *MemSource) Close() error {
	s.closed = true
	return nil
}
