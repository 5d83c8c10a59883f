// Package gdalio binds the raster and geo packages to GDAL.
package gdalio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"

	"georeg/internal/geo"
	"georeg/internal/raster"
)

var registerOnce sync.Once

func ensureDrivers() { registerOnce.Do(godal.RegisterAll) }

var toGDAL = map[raster.DataType]godal.DataType{
	raster.Byte:    godal.Byte,
	raster.UInt16:  godal.UInt16,
	raster.Int16:   godal.Int16,
	raster.UInt32:  godal.UInt32,
	raster.Int32:   godal.Int32,
	raster.Float32: godal.Float32,
	raster.Float64: godal.Float64,
}

func fromGDAL(dt godal.DataType) (raster.DataType, error) {
	for k, v := range toGDAL {
		if v == dt {
			return k, nil
		}
	}
	return "", fmt.Errorf("unsupported pixel type %v", dt)
}

// Dataset is a GDAL raster opened read-only. It satisfies raster.Source.
type Dataset struct {
	path string
	ds   *godal.Dataset
	meta raster.Meta
}

// Open opens path and reads its georeferencing. Rasters without a
// geotransform are rejected since they cannot be clipped.
func Open(path string) (*Dataset, error) {
	ensureDrivers()
	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	st := ds.Structure()
	dt, err := fromGDAL(st.DataType)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("open %s: no geotransform: %w", path, err)
	}
	return &Dataset{
		path: path,
		ds:   ds,
		meta: raster.Meta{
			CRS:       ds.Projection(),
			Transform: raster.FromGDAL(gt),
			Width:     st.SizeX,
			Height:    st.SizeY,
			Bands:     st.NBands,
			DataType:  dt,
		},
	}, nil
}

// Path is the file the dataset was opened from.
func (d *Dataset) Path() string { return d.path }

func (d *Dataset) Meta() raster.Meta { return d.meta }

// ReadWindow reads every band of w as float64 samples.
func (d *Dataset) ReadWindow(w raster.Window) (*raster.Buffer, error) {
	if w.Empty() || w.Col < 0 || w.Row < 0 || w.Col+w.Width > d.meta.Width || w.Row+w.Height > d.meta.Height {
		return nil, fmt.Errorf("%s outside %dx%d raster %s", w, d.meta.Width, d.meta.Height, d.path)
	}
	bands := d.ds.Bands()
	out := raster.NewBuffer(len(bands), w.Width, w.Height, d.meta.DataType)
	out.CRS = d.meta.CRS
	out.Transform = d.meta.Transform.Offset(float64(w.Col), float64(w.Row))
	for i, b := range bands {
		if err := b.Read(w.Col, w.Row, out.Bands[i], w.Width, w.Height); err != nil {
			return nil, fmt.Errorf("read band %d of %s: %w", i+1, d.path, err)
		}
	}
	return out, nil
}

// ReadResampled reads the whole raster onto a width x height grid with
// GDAL's average resampling. The transform is scaled so the footprint is
// unchanged.
func (d *Dataset) ReadResampled(width, height int) (*raster.Buffer, error) {
	if width < 1 || height < 1 || width > d.meta.Width || height > d.meta.Height {
		return nil, fmt.Errorf("%w: %dx%d from %dx%d raster %s", raster.ErrScale, width, height, d.meta.Width, d.meta.Height, d.path)
	}
	bands := d.ds.Bands()
	out := raster.NewBuffer(len(bands), width, height, d.meta.DataType)
	out.CRS = d.meta.CRS
	out.Transform = d.meta.Transform.Scale(float64(d.meta.Width)/float64(width), float64(d.meta.Height)/float64(height))
	for i, b := range bands {
		err := b.Read(0, 0, out.Bands[i], width, height,
			godal.Window(d.meta.Width, d.meta.Height),
			godal.Resampling(godal.Average))
		if err != nil {
			return nil, fmt.Errorf("resample band %d of %s: %w", i+1, d.path, err)
		}
	}
	return out, nil
}

// ReadResampled opens path and reads it resampled to width x height.
func ReadResampled(path string, width, height int) (*raster.Buffer, error) {
	ds, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer ds.Close()
	return ds.ReadResampled(width, height)
}

func (d *Dataset) Close() error {
	if d.ds == nil {
		return nil
	}
	err := d.ds.Close()
	d.ds = nil
	return err
}

// WriteOptions control GeoTIFF creation.
type WriteOptions struct {
	// Compression is the GTiff COMPRESS creation option; empty or NONE
	// writes uncompressed.
	Compression string
}

// Write persists buf as a GeoTIFF at path, creating parent directories.
// Samples are converted to buf.DataType by GDAL. Every failure wraps
// raster.ErrWrite.
func Write(path string, buf *raster.Buffer, opts WriteOptions) (err error) {
	ensureDrivers()
	if verr := buf.Validate(); verr != nil {
		return fmt.Errorf("%w: %s: %v", raster.ErrWrite, path, verr)
	}
	dt, ok := toGDAL[buf.DataType]
	if !ok {
		return fmt.Errorf("%w: %s: unsupported pixel type %q", raster.ErrWrite, path, buf.DataType)
	}
	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return fmt.Errorf("%w: %v", raster.ErrWrite, mkErr)
	}

	var createOpts []godal.DatasetCreateOption
	if c := strings.ToUpper(strings.TrimSpace(opts.Compression)); c != "" && c != "NONE" {
		createOpts = append(createOpts, godal.CreationOption("COMPRESS="+c))
	}
	ds, cerr := godal.Create(godal.GTiff, path, buf.Count(), dt, buf.Width, buf.Height, createOpts...)
	if cerr != nil {
		return fmt.Errorf("%w: create %s: %v", raster.ErrWrite, path, cerr)
	}
	defer func() {
		if closeErr := ds.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", raster.ErrWrite, path, closeErr)
		}
	}()

	if gerr := ds.SetGeoTransform(buf.Transform.GDAL()); gerr != nil {
		return fmt.Errorf("%w: set transform on %s: %v", raster.ErrWrite, path, gerr)
	}
	if buf.CRS != "" {
		// accepts WKT as read back by Open as well as "EPSG:n" codes
		sr, serr := godal.NewSpatialRef(buf.CRS)
		if serr != nil {
			return fmt.Errorf("%w: CRS of %s: %v", raster.ErrWrite, path, serr)
		}
		defer sr.Close()
		if perr := ds.SetSpatialRef(sr); perr != nil {
			return fmt.Errorf("%w: set projection on %s: %v", raster.ErrWrite, path, perr)
		}
	}
	for i, b := range ds.Bands() {
		if werr := b.Write(0, 0, buf.Bands[i], buf.Width, buf.Height); werr != nil {
			return fmt.Errorf("%w: write band %d of %s: %v", raster.ErrWrite, i+1, path, werr)
		}
	}
	return nil
}

// ReprojectBounds maps b from srcCRS to dstCRS, densifying each edge with
// densify extra points. Identical CRSs return b unchanged.
func ReprojectBounds(b geo.Bounds, srcCRS, dstCRS string, densify int) (geo.Bounds, error) {
	if srcCRS == dstCRS {
		return b, nil
	}
	if srcCRS == "" || dstCRS == "" {
		return geo.Bounds{}, fmt.Errorf("%w: missing CRS (src=%q dst=%q)", geo.ErrReprojection, srcCRS, dstCRS)
	}
	ensureDrivers()
	src, err := godal.NewSpatialRef(srcCRS)
	if err != nil {
		return geo.Bounds{}, fmt.Errorf("%w: source CRS: %v", geo.ErrReprojection, err)
	}
	defer src.Close()
	dst, err := godal.NewSpatialRef(dstCRS)
	if err != nil {
		return geo.Bounds{}, fmt.Errorf("%w: destination CRS: %v", geo.ErrReprojection, err)
	}
	defer dst.Close()
	if src.IsSame(dst) {
		return b, nil
	}
	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return geo.Bounds{}, fmt.Errorf("%w: %v", geo.ErrReprojection, err)
	}
	defer trn.Close()

	return geo.Reproject(b, geo.PointTransformerFunc(func(xs, ys []float64) error {
		zs := make([]float64, len(xs))
		ok := make([]bool, len(xs))
		if err := trn.TransformEx(xs, ys, zs, ok); err != nil {
			// partial failures are marked in ok; Envelope drops them
			if !anyTrue(ok) {
				return err
			}
			for i, good := range ok {
				if !good {
					xs[i], ys[i] = math.NaN(), math.NaN()
				}
			}
		}
		return nil
	}), densify)
}

func anyTrue(v []bool) bool {
	for _, b := range v {
		if b {
			return true
		}
	}
	return false
}
