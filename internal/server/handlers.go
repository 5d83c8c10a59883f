package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"georeg/internal/pipeline"
)

type processAOIRequest struct {
	ImageA string `json:"imageA"`
	ImageB string `json:"imageB"`
	AOI    any    `json:"aoi"`
	OutDir string `json:"outDir"`
	JobID  string `json:"jobId"`
}

type downsampleRequest struct {
	Input   string   `json:"input"`
	Output  string   `json:"output"`
	Scale   *float64 `json:"scale"`
	Meta    string   `json:"meta"`
	Preview *bool    `json:"preview"`
}

type clipRequest struct {
	Image  string `json:"image"`
	AOI    any    `json:"aoi"`
	Output string `json:"output"`
	JobID  string `json:"jobId"`
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleProcessAOI(w http.ResponseWriter, r *http.Request) {
	var req processAOIRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ImageA == "" || req.ImageB == "" || req.OutDir == "" {
		writeError(w, http.StatusBadRequest, errors.New("imageA, imageB and outDir are required"))
		return
	}
	if req.JobID == "" {
		req.JobID = pipeline.NewID("coregister")
	}
	job := pipeline.Job{
		ID:        req.JobID,
		Type:      pipeline.JobCoregister,
		InputPath: req.ImageA,
		Output:    req.OutDir,
		Options: map[string]any{
			"imageA": req.ImageA,
			"imageB": req.ImageB,
			"aoi":    req.AOI,
		},
	}
	res, err := s.pipeline.SubmitAndWait(r.Context(), job)
	if err != nil {
		s.log.Error("process_aoi failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "done",
		"jobId":     job.ID,
		"outputDir": req.OutDir,
		"shift": map[string]any{
			"row":   res.Meta["shiftRow"],
			"col":   res.Meta["shiftCol"],
			"error": res.Meta["shiftError"],
		},
	})
}

func (s *Server) handleDownsample(w http.ResponseWriter, r *http.Request) {
	var req downsampleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Input == "" || req.Output == "" {
		writeError(w, http.StatusBadRequest, errors.New("input and output are required"))
		return
	}
	opts := map[string]any{}
	if req.Scale != nil {
		opts["scale"] = *req.Scale
	}
	if req.Preview != nil {
		opts["preview"] = *req.Preview
	}
	job := pipeline.Job{
		ID:        pipeline.NewID("downsample"),
		Type:      pipeline.JobDownsample,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   opts,
	}
	res, err := s.pipeline.SubmitAndWait(r.Context(), job)
	if err != nil {
		s.log.Error("downsample failed", "job_id", job.ID, "error", err)
		if req.Meta != "" {
			s.patchMeta(req.Meta, MetaUpdate{Status: MetaStatusError, Error: err.Error()})
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if req.Meta != "" {
		preview, _ := res.Meta["previewFileName"].(string)
		s.patchMeta(req.Meta, MetaUpdate{Status: MetaStatusReady, PreviewFileName: preview})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "output": req.Output, "jobId": job.ID})
}

func (s *Server) patchMeta(path string, u MetaUpdate) {
	if err := PatchMeta(path, u); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Warn("meta file not found", "path", path)
			return
		}
		s.log.Warn("failed to update meta", "path", path, "error", err)
	}
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	var req clipRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Image == "" || req.Output == "" {
		writeError(w, http.StatusBadRequest, errors.New("image and output are required"))
		return
	}
	if req.JobID == "" {
		req.JobID = pipeline.NewID("clip")
	}
	job := pipeline.Job{
		ID:        req.JobID,
		Type:      pipeline.JobClip,
		InputPath: req.Image,
		Output:    req.Output,
		Options:   map[string]any{"aoi": req.AOI},
	}
	res, err := s.pipeline.SubmitAndWait(r.Context(), job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"output":    req.Output,
		"jobId":     job.ID,
		"noOverlap": res.Meta["noOverlap"],
	})
}
