package raster

import (
	"errors"
	"fmt"

	"georeg/internal/geo"
)

// ErrWrite is returned when a raster cannot be persisted.
var ErrWrite = errors.New("raster write failed")

// DataType names a pixel storage type.
type DataType string

const (
	Byte    DataType = "uint8"
	UInt16  DataType = "uint16"
	Int16   DataType = "int16"
	UInt32  DataType = "uint32"
	Int32   DataType = "int32"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
)

// Meta describes a raster independently of its pixels.
type Meta struct {
	CRS       string // WKT or any identifier GDAL understands
	Transform Affine
	Width     int
	Height    int
	Bands     int
	DataType  DataType
}

// Bounds returns the world-space envelope of the full pixel grid.
func (m Meta) Bounds() geo.Bounds {
	return gridBounds(m.Transform, 0, 0, m.Width, m.Height)
}

func gridBounds(t Affine, col0, row0, w, h int) geo.Bounds {
	xs := make([]float64, 0, 4)
	ys := make([]float64, 0, 4)
	for _, c := range [][2]int{{col0, row0}, {col0 + w, row0}, {col0, row0 + h}, {col0 + w, row0 + h}} {
		x, y := t.Apply(float64(c[0]), float64(c[1]))
		xs = append(xs, x)
		ys = append(ys, y)
	}
	b, _ := geo.Envelope(xs, ys)
	return b
}

// Source is a read-only raster, opened for the duration of one stage.
type Source interface {
	Meta() Meta
	// ReadWindow returns every band of the window as a new Buffer whose
	// transform is already offset to the window origin.
	ReadWindow(w Window) (*Buffer, error)
	Close() error
}

// Buffer holds pixels band-major: Bands[b][row*Width+col]. Values are kept
// as float64 whatever DataType says; DataType is the on-disk type.
type Buffer struct {
	Bands     [][]float64
	Width     int
	Height    int
	Transform Affine
	CRS       string
	DataType  DataType
}

// NewBuffer allocates a zero-filled buffer.
func NewBuffer(bands, width, height int, dt DataType) *Buffer {
	b := &Buffer{Width: width, Height: height, DataType: dt, Transform: Identity}
	b.Bands = make([][]float64, bands)
	for i := range b.Bands {
		b.Bands[i] = make([]float64, width*height)
	}
	return b
}

// Count is the number of bands.
func (b *Buffer) Count() int { return len(b.Bands) }

// At returns band bi at (col, row).
func (b *Buffer) At(bi, col, row int) float64 { return b.Bands[bi][row*b.Width+col] }

// Set writes band bi at (col, row).
func (b *Buffer) Set(bi, col, row int, v float64) { b.Bands[bi][row*b.Width+col] = v }

// Meta describes the buffer as a raster.
func (b *Buffer) Meta() Meta {
	return Meta{
		CRS:       b.CRS,
		Transform: b.Transform,
		Width:     b.Width,
		Height:    b.Height,
		Bands:     len(b.Bands),
		DataType:  b.DataType,
	}
}

// Bounds is the world-space footprint of the buffer.
func (b *Buffer) Bounds() geo.Bounds { return b.Meta().Bounds() }

// Clone deep-copies the buffer so the copy can be handed to another stage.
func (b *Buffer) Clone() *Buffer {
	out := *b
	out.Bands = make([][]float64, len(b.Bands))
	for i, band := range b.Bands {
		out.Bands[i] = append([]float64(nil), band...)
	}
	return &out
}

// Validate checks that the band slices match the declared size.
func (b *Buffer) Validate() error {
	if b.Width < 1 || b.Height < 1 {
		return fmt.Errorf("raster buffer has empty size %dx%d", b.Width, b.Height)
	}
	if len(b.Bands) == 0 {
		return errors.New("raster buffer has no bands")
	}
	for i, band := range b.Bands {
		if len(band) != b.Width*b.Height {
			return fmt.Errorf("band %d has %d samples, want %d", i+1, len(band), b.Width*b.Height)
		}
	}
	return nil
}
