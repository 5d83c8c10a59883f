package server

import (
	"encoding/json"
	"fmt"
	"os"
)

// Values written to a sidecar metadata file's "status" key.
const (
	MetaStatusReady = "ready"
	MetaStatusError = "error"
)

// MetaUpdate is the patch applied to a sidecar metadata file.
type MetaUpdate struct {
	Status          string
	PreviewFileName string
	Error           string
}

// PatchMeta rewrites the JSON object at path, setting status and error and,
// when given, previewFileName. Other keys are preserved. A missing file is
// reported as os.ErrNotExist and left missing.
func PatchMeta(path string, u MetaUpdate) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	meta := map[string]any{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if u.PreviewFileName != "" {
		meta["previewFileName"] = u.PreviewFileName
	}
	meta["status"] = u.Status
	if u.Error != "" {
		meta["error"] = u.Error
	} else {
		meta["error"] = nil
	}
	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, info.Mode().Perm())
}
