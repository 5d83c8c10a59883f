package tasks

import (
	"georeg/internal/fsutil"
	"georeg/internal/gdalio"
	"georeg/internal/geo"
	"georeg/internal/preview"
	"georeg/internal/raster"
)

// Backend is the raster I/O a Runner works against. Tests swap in
// in-memory implementations.
type Backend struct {
	Open  func(path string) (raster.Source, error)
	Write func(path string, buf *raster.Buffer) error
	// ReadResampled reads a whole raster area-averaged onto a
	// width x height grid, with its transform scaled to match.
	ReadResampled func(path string, width, height int) (*raster.Buffer, error)
	Reproject     func(b geo.Bounds, srcCRS, dstCRS string, densify int) (geo.Bounds, error)
	Preview       func(src, dst string, maxEdge int) error
}

// GDALBackend reads and writes GeoTIFFs through GDAL and renders quicklooks
// with ImageMagick. compression is the GTiff COMPRESS option.
func GDALBackend(compression string) Backend {
	return Backend{
		Open: func(path string) (raster.Source, error) {
			if err := fsutil.RequireFile(path); err != nil {
				return nil, err
			}
			ds, err := gdalio.Open(path)
			if err != nil {
				return nil, err
			}
			return ds, nil
		},
		Write: func(path string, buf *raster.Buffer) error {
			return gdalio.Write(path, buf, gdalio.WriteOptions{Compression: compression})
		},
		ReadResampled: gdalio.ReadResampled,
		Reproject:     gdalio.ReprojectBounds,
		Preview:       preview.RenderPNG,
	}
}

// clipFile opens path for the duration of one clip. footprint receives the
// raster's metadata and returns the rectangle to cut in the raster's CRS.
func clipFile(be Backend, path string, allTouched bool, footprint func(m raster.Meta) (geo.Bounds, error)) (raster.ClipResult, raster.Meta, error) {
	src, err := be.Open(path)
	if err != nil {
		return raster.ClipResult{}, raster.Meta{}, err
	}
	defer src.Close()

	m := src.Meta()
	b, err := footprint(m)
	if err != nil {
		return raster.ClipResult{}, m, err
	}
	res, err := raster.Clip(src, b, allTouched)
	if err != nil {
		return raster.ClipResult{}, m, err
	}
	return res, m, nil
}
