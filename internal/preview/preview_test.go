package preview

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/gographics/imagick.v3/imagick"
)

func TestFit(t *testing.T) {
	cases := []struct {
		w, h, edge, ww, wh int
	}{
		{100, 50, 200, 100, 50},
		{2000, 1000, 1000, 1000, 500},
		{1000, 4000, 1000, 250, 1000},
		{5000, 2, 1000, 1000, 1},
		{300, 300, 0, 300, 300},
	}
	for _, tc := range cases {
		w, h := Fit(tc.w, tc.h, tc.edge)
		if w != tc.ww || h != tc.wh {
			t.Fatalf("Fit(%d,%d,%d) = %dx%d, want %dx%d", tc.w, tc.h, tc.edge, w, h, tc.ww, tc.wh)
		}
	}
}

func TestRenderPNG(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.tif")

	imagick.Initialize()
	wand := imagick.NewMagickWand()
	pw := imagick.NewPixelWand()
	pw.SetColor("gray")
	if err := wand.NewImage(64, 32, pw); err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	if err := wand.WriteImage(src); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	pw.Destroy()
	wand.Destroy()
	imagick.Terminate()

	dst := PNGPath(filepath.Join(dir, "out", "small.tif"))
	if err := RenderPNG(src, dst, 16); err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	if info, err := os.Stat(dst); err != nil || info.Size() == 0 {
		t.Fatalf("preview not written: %v", err)
	}
}
