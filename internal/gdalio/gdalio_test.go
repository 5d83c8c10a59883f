package gdalio

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"georeg/internal/geo"
	"georeg/internal/raster"
)

func TestWriteThenOpenRoundTripsGeoreferencing(t *testing.T) {
	buf := raster.NewBuffer(2, 5, 4, raster.UInt16)
	buf.Transform = raster.Affine{A: 30, E: -30, C: 500000, F: 4200000}
	buf.CRS = "EPSG:32633"
	for i := range buf.Bands[0] {
		buf.Bands[0][i] = float64(i)
		buf.Bands[1][i] = float64(1000 + i)
	}

	path := filepath.Join(t.TempDir(), "nested", "out.tif")
	if err := Write(path, buf, WriteOptions{Compression: "LZW"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ds, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	m := ds.Meta()
	if m.Width != 5 || m.Height != 4 || m.Bands != 2 || m.DataType != raster.UInt16 {
		t.Fatalf("unexpected meta %+v", m)
	}
	if m.Transform != buf.Transform {
		t.Fatalf("transform %s, want %s", m.Transform, buf.Transform)
	}
	if m.CRS == "" {
		t.Fatalf("projection not written")
	}

	got, err := ds.ReadWindow(raster.Window{Col: 1, Row: 2, Width: 3, Height: 2})
	if err != nil {
		t.Fatalf("ReadWindow: %v", err)
	}
	if v := got.At(1, 0, 0); v != 1011 {
		t.Fatalf("band 2 at window origin = %g, want 1011", v)
	}
	if got.Transform.C != 500030 || got.Transform.F != 4199940 {
		t.Fatalf("window transform %s", got.Transform)
	}
}

func TestWriteRejectsInvalidBuffer(t *testing.T) {
	buf := &raster.Buffer{Width: 2, Height: 2, DataType: raster.Byte}
	err := Write(filepath.Join(t.TempDir(), "x.tif"), buf, WriteOptions{})
	if !errors.Is(err, raster.ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.tif")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestReadResampledAveragesBlocks(t *testing.T) {
	buf := raster.NewBuffer(1, 4, 4, raster.Float32)
	buf.Transform = raster.Affine{A: 10, E: -10, C: 1000, F: 2000}
	buf.CRS = "EPSG:32633"
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			block := (r/2)*2 + c/2
			buf.Set(0, c, r, float64(10*block+(r%2)*2+c%2))
		}
	}
	path := filepath.Join(t.TempDir(), "big.tif")
	if err := Write(path, buf, WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := ReadResampled(path, 2, 2)
	if err != nil {
		t.Fatalf("ReadResampled: %v", err)
	}
	want := []float64{1.5, 11.5, 21.5, 31.5}
	for i, v := range got.Bands[0] {
		if math.Abs(v-want[i]) > 1e-6 {
			t.Fatalf("cell %d = %g, want %g", i, v, want[i])
		}
	}
	if got.Transform.A != 20 || got.Transform.E != -20 || got.Transform.C != 1000 || got.Transform.F != 2000 {
		t.Fatalf("transform %s", got.Transform)
	}
	if got.DataType != raster.Float32 || got.CRS == "" {
		t.Fatalf("type %s crs %q", got.DataType, got.CRS)
	}

	if _, err := ReadResampled(path, 8, 8); !errors.Is(err, raster.ErrScale) {
		t.Fatalf("upsampling should be ErrScale, got %v", err)
	}
}

func TestReprojectBoundsToWebMercator(t *testing.T) {
	b := geo.Bounds{Left: 0, Bottom: 0, Right: 1, Top: 1}
	got, err := ReprojectBounds(b, "EPSG:4326", "EPSG:3857", geo.DefaultDensifyPoints)
	if err != nil {
		t.Fatalf("ReprojectBounds: %v", err)
	}
	if math.Abs(got.Left) > 1e-6 || math.Abs(got.Bottom) > 1e-6 {
		t.Fatalf("origin moved: %s", got)
	}
	if math.Abs(got.Right-111319.490793) > 1e-3 {
		t.Fatalf("right = %f", got.Right)
	}
	if math.Abs(got.Top-111325.142866) > 1e-3 {
		t.Fatalf("top = %f", got.Top)
	}
}

func TestReprojectBoundsIdentity(t *testing.T) {
	b := geo.Bounds{Left: 10, Bottom: 20, Right: 11, Top: 21}
	got, err := ReprojectBounds(b, "EPSG:4326", "EPSG:4326", geo.DefaultDensifyPoints)
	if err != nil {
		t.Fatalf("ReprojectBounds: %v", err)
	}
	if got != b {
		t.Fatalf("identity reprojection changed bounds: %s", got)
	}
}

func TestReprojectBoundsBadCRS(t *testing.T) {
	_, err := ReprojectBounds(geo.Bounds{Right: 1, Top: 1}, "EPSG:4326", "not a crs", 4)
	if !errors.Is(err, geo.ErrReprojection) {
		t.Fatalf("expected ErrReprojection, got %v", err)
	}
	_, err = ReprojectBounds(geo.Bounds{Right: 1, Top: 1}, "", "EPSG:4326", 4)
	if !errors.Is(err, geo.ErrReprojection) {
		t.Fatalf("missing CRS should be ErrReprojection, got %v", err)
	}
}
