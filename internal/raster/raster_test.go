package raster

import (
	"errors"
	"math"
	"testing"

	"georeg/internal/geo"
)

// tenByTen is a 10x10 single-band grid with unit pixels covering x in
// [0, 10] and y in [0, 10], values row*10+col.
func tenByTen() *Buffer {
	b := NewBuffer(1, 10, 10, Float32)
	b.Transform = Affine{A: 1, C: 0, E: -1, F: 10}
	b.CRS = "EPSG:32633"
	for r := 0; r < 10; r++ {
		for c := 0; c < 10; c++ {
			b.Set(0, c, r, float64(r*10+c))
		}
	}
	return b
}

func TestAffineRoundTripsThroughGDALOrder(t *testing.T) {
	gt := [6]float64{500000, 10, 0, 4200000, 0, -10}
	tr := FromGDAL(gt)
	if tr.A != 10 || tr.E != -10 || tr.C != 500000 || tr.F != 4200000 {
		t.Fatalf("unexpected affine %s", tr)
	}
	if tr.GDAL() != gt {
		t.Fatalf("GDAL() = %v, want %v", tr.GDAL(), gt)
	}
	inv, err := tr.Invert()
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	col, row := inv.Apply(tr.Apply(3, 7))
	if math.Abs(col-3) > 1e-9 || math.Abs(row-7) > 1e-9 {
		t.Fatalf("inverse mapped back to (%g, %g)", col, row)
	}
	if _, err := (Affine{}).Invert(); err == nil {
		t.Fatalf("singular transform must not invert")
	}
}

func TestShiftMovesOnlyTranslation(t *testing.T) {
	tr := Affine{A: 10, E: -10, C: 1000, F: 2000}
	if got := tr.Shift(0, 0); got != tr {
		t.Fatalf("zero shift changed transform: %s", got)
	}
	got := tr.Shift(2, 3)
	if got.A != tr.A || got.B != tr.B || got.D != tr.D || got.E != tr.E {
		t.Fatalf("shift altered scale terms: %s", got)
	}
	if got.C != 1030 {
		t.Fatalf("C = %g, want 1030", got.C)
	}
	// positive row shift moves the raster south
	if got.F != 1980 {
		t.Fatalf("F = %g, want 1980", got.F)
	}
}

func TestWindowForAllTouchedVersusCenters(t *testing.T) {
	m := tenByTen().Meta()
	b := geo.Bounds{Left: 2.5, Bottom: 3.5, Right: 5.2, Top: 7.5}

	w, ok := WindowFor(m, b, true)
	if !ok {
		t.Fatalf("expected overlap")
	}
	if want := (Window{Col: 2, Row: 2, Width: 4, Height: 5}); w != want {
		t.Fatalf("all touched: got %s, want %s", w, want)
	}

	w, ok = WindowFor(m, b, false)
	if !ok {
		t.Fatalf("expected overlap")
	}
	if want := (Window{Col: 2, Row: 2, Width: 3, Height: 5}); w != want {
		t.Fatalf("centers: got %s, want %s", w, want)
	}
}

func TestWindowForClampsToGrid(t *testing.T) {
	m := tenByTen().Meta()
	w, ok := WindowFor(m, geo.Bounds{Left: -5, Bottom: -5, Right: 3, Top: 20}, true)
	if !ok {
		t.Fatalf("expected overlap")
	}
	if want := (Window{Col: 0, Row: 0, Width: 3, Height: 10}); w != want {
		t.Fatalf("got %s, want %s", w, want)
	}
}

func TestClipReadsWindowAndOffsetsTransform(t *testing.T) {
	src := NewMemSource(tenByTen())
	res, err := Clip(src, geo.Bounds{Left: 2, Bottom: 5, Right: 4, Top: 8}, true)
	if err != nil {
		t.Fatalf("Clip: %v", err)
	}
	if res.NoOverlap {
		t.Fatalf("unexpected no-overlap")
	}
	buf := res.Buffer
	if buf.Width != 2 || buf.Height != 3 {
		t.Fatalf("clipped size %dx%d, want 2x3", buf.Width, buf.Height)
	}
	if buf.Transform.C != 2 || buf.Transform.F != 8 {
		t.Fatalf("clipped origin (%g, %g), want (2, 8)", buf.Transform.C, buf.Transform.F)
	}
	// top-left pixel of the clip is row 2, col 2 of the source
	if v := buf.At(0, 0, 0); v != 22 {
		t.Fatalf("first sample %g, want 22", v)
	}
	if buf.CRS != "EPSG:32633" {
		t.Fatalf("CRS not carried over: %q", buf.CRS)
	}
	if got := buf.Bounds(); got != (geo.Bounds{Left: 2, Bottom: 5, Right: 4, Top: 8}) {
		t.Fatalf("clipped bounds %s", got)
	}
}

func TestClipNoOverlapYieldsPlaceholder(t *testing.T) {
	in := tenByTen()
	in.Bands = append(in.Bands, make([]float64, 100))
	res, err := Clip(NewMemSource(in), geo.Bounds{Left: 100, Bottom: 100, Right: 110, Top: 110}, true)
	if err != nil {
		t.Fatalf("no overlap must not be an error: %v", err)
	}
	if !res.NoOverlap {
		t.Fatalf("expected NoOverlap")
	}
	buf := res.Buffer
	if buf.Width != 1 || buf.Height != 1 || buf.Count() != 2 {
		t.Fatalf("placeholder is %dx%d with %d bands", buf.Width, buf.Height, buf.Count())
	}
	if buf.DataType != Float32 || buf.Transform != in.Transform {
		t.Fatalf("placeholder lost source metadata: %s %s", buf.DataType, buf.Transform)
	}
	if buf.At(0, 0, 0) != 0 || buf.At(1, 0, 0) != 0 {
		t.Fatalf("placeholder must be zero filled")
	}
}

func TestNormalizeBandsStretchesEachBand(t *testing.T) {
	in := NewBuffer(3, 3, 1, Float64)
	copy(in.Bands[0], []float64{0, 50, 100})
	copy(in.Bands[1], []float64{-1, 0, 1})
	copy(in.Bands[2], []float64{7, 7, 7})

	out := NormalizeBands(in)
	if out.DataType != Byte {
		t.Fatalf("normalized type %s, want uint8", out.DataType)
	}
	want := [][]float64{{0, 127, 255}, {0, 127, 255}, {0, 0, 0}}
	for bi := range want {
		for i := range want[bi] {
			if out.Bands[bi][i] != want[bi][i] {
				t.Fatalf("band %d = %v, want %v", bi, out.Bands[bi], want[bi])
			}
		}
	}
	if in.Bands[0][1] != 50 {
		t.Fatalf("input modified")
	}
}

func TestNormalizeBandsIsNearlyIdempotent(t *testing.T) {
	in := NewBuffer(1, 16, 16, UInt16)
	for i := range in.Bands[0] {
		in.Bands[0][i] = float64(i*37%1000) + 12
	}
	once := NormalizeBands(in)
	twice := NormalizeBands(once)
	for i := range once.Bands[0] {
		if math.Abs(once.Bands[0][i]-twice.Bands[0][i]) > 1 {
			t.Fatalf("sample %d drifted from %g to %g", i, once.Bands[0][i], twice.Bands[0][i])
		}
	}
}

func TestNormalizeBandsZeroesNonFinite(t *testing.T) {
	in := NewBuffer(1, 3, 1, Float32)
	copy(in.Bands[0], []float64{math.NaN(), 10, 20})
	out := NormalizeBands(in)
	if out.Bands[0][0] != 0 || out.Bands[0][1] != 0 || out.Bands[0][2] != 255 {
		t.Fatalf("got %v", out.Bands[0])
	}
}

func TestScaledSize(t *testing.T) {
	w, h, err := ScaledSize(1000, 801, 0.25)
	if err != nil {
		t.Fatalf("ScaledSize: %v", err)
	}
	if w != 250 || h != 200 {
		t.Fatalf("got %dx%d, want 250x200", w, h)
	}
	for _, s := range []float64{0, -1, 1.5, math.NaN()} {
		if _, _, err := ScaledSize(100, 100, s); !errors.Is(err, ErrScale) {
			t.Fatalf("scale %g: expected ErrScale, got %v", s, err)
		}
	}
	if _, _, err := ScaledSize(3, 100, 0.25); !errors.Is(err, ErrScale) {
		t.Fatalf("collapsed width should fail, got %v", err)
	}
}

func TestResampleAverageBlocks(t *testing.T) {
	in := NewBuffer(1, 4, 4, Float32)
	in.Transform = Affine{A: 10, E: -10, C: 0, F: 40}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			in.Set(0, c, r, float64((r/2)*2+c/2))
		}
	}
	in.Set(0, 3, 3, math.NaN())

	out, err := ResampleAverage(in, 2, 2)
	if err != nil {
		t.Fatalf("ResampleAverage: %v", err)
	}
	want := []float64{0, 1, 2, 3}
	for i, v := range want {
		if math.Abs(out.Bands[0][i]-v) > 1e-12 {
			t.Fatalf("got %v, want %v", out.Bands[0], want)
		}
	}
	if out.Transform.A != 20 || out.Transform.E != -20 || out.Transform.C != 0 || out.Transform.F != 40 {
		t.Fatalf("scaled transform %s", out.Transform)
	}
	if out.Bounds() != in.Bounds() {
		t.Fatalf("footprint changed: %s vs %s", out.Bounds(), in.Bounds())
	}
}

func TestResampleAverageFractionalCells(t *testing.T) {
	in := NewBuffer(1, 3, 1, Float64)
	copy(in.Bands[0], []float64{0, 3, 6})
	out, err := ResampleAverage(in, 2, 1)
	if err != nil {
		t.Fatalf("ResampleAverage: %v", err)
	}
	// cells cover [0,1.5) and [1.5,3)
	if math.Abs(out.Bands[0][0]-1) > 1e-12 || math.Abs(out.Bands[0][1]-5) > 1e-12 {
		t.Fatalf("got %v, want [1 5]", out.Bands[0])
	}
	if _, err := ResampleAverage(in, 4, 1); !errors.Is(err, ErrScale) {
		t.Fatalf("upsampling should be rejected, got %v", err)
	}
}
