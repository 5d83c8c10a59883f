package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var rasterExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".vrt":  {},
	".img":  {},
	".jp2":  {},
	".nc":   {},
}

var manifestExts = map[string]struct{}{
	".yaml": {},
	".yml":  {},
	".json": {},
}

// ListRasters returns all raster-like files under root.
func ListRasters(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsRasterFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsRasterFile checks if a file has a GDAL raster extension we accept.
func IsRasterFile(path string) bool {
	_, ok := rasterExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsManifest checks if a file looks like a job manifest.
func IsManifest(path string) bool {
	_, ok := manifestExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// RequireFile returns an error wrapping os.ErrNotExist unless path is an
// existing regular file.
func RequireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("input %s: %w", path, os.ErrNotExist)
		}
		return fmt.Errorf("input %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("input %s is a directory", path)
	}
	return nil
}

// EnsureParentDir creates the directory that will hold path.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
