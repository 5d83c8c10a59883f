// Package preview renders browser-friendly quicklooks of 8-bit rasters.
package preview

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"

	"georeg/internal/fsutil"
)

// PNGPath is where the quicklook for a raster written at output goes.
func PNGPath(output string) string { return output + ".png" }

// Fit returns width x height scaled so the longer edge is at most maxEdge,
// never enlarging and never below one pixel.
func Fit(width, height, maxEdge int) (int, int) {
	if maxEdge <= 0 || (width <= maxEdge && height <= maxEdge) {
		return width, height
	}
	if width >= height {
		h := height * maxEdge / width
		return maxEdge, max(h, 1)
	}
	w := width * maxEdge / height
	return max(w, 1), maxEdge
}

// RenderPNG reads src with ImageMagick and writes a PNG thumbnail to dst.
func RenderPNG(src, dst string, maxEdge int) error {
	imagick.Initialize()
	defer imagick.Terminate()

	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ReadImage(src); err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	w, h := Fit(int(wand.GetImageWidth()), int(wand.GetImageHeight()), maxEdge)
	if err := wand.ThumbnailImage(uint(w), uint(h)); err != nil {
		return fmt.Errorf("failed to resize preview: %w", err)
	}
	if err := wand.SetImageFormat("PNG"); err != nil {
		return fmt.Errorf("failed to set preview format: %w", err)
	}
	if err := fsutil.EnsureParentDir(dst); err != nil {
		return err
	}
	if err := wand.WriteImage(dst); err != nil {
		return fmt.Errorf("failed to write preview %s: %w", dst, err)
	}
	return nil
}
