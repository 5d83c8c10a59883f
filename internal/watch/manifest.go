package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"georeg/internal/pipeline"
)

// Manifest is a job request dropped into the inbox as YAML or JSON.
type Manifest struct {
	Type    string   `yaml:"type" json:"type"`
	JobID   string   `yaml:"jobId" json:"jobId"`
	ImageA  string   `yaml:"imageA" json:"imageA"`
	ImageB  string   `yaml:"imageB" json:"imageB"`
	AOI     any      `yaml:"aoi" json:"aoi"`
	OutDir  string   `yaml:"outDir" json:"outDir"`
	Input   string   `yaml:"input" json:"input"`
	Output  string   `yaml:"output" json:"output"`
	Scale   *float64 `yaml:"scale" json:"scale"`
	Preview bool     `yaml:"preview" json:"preview"`
}

// ParseManifest reads a manifest, choosing the decoder by extension.
func ParseManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &m)
	default:
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Job converts the manifest into a pipeline job. A missing type is inferred
// from which fields are set.
func (m Manifest) Job() (pipeline.Job, error) {
	typ := m.Type
	if typ == "" {
		switch {
		case m.ImageA != "" && m.ImageB != "":
			typ = string(pipeline.JobCoregister)
		case m.AOI != nil:
			typ = string(pipeline.JobClip)
		default:
			typ = string(pipeline.JobDownsample)
		}
	}
	jt, err := pipeline.ParseJobType(typ)
	if err != nil {
		return pipeline.Job{}, err
	}
	id := m.JobID
	if id == "" {
		id = pipeline.NewID(string(jt))
	}
	job := pipeline.Job{ID: id, Type: jt, Options: map[string]any{}}
	switch jt {
	case pipeline.JobCoregister:
		if m.ImageA == "" || m.ImageB == "" || m.OutDir == "" {
			return pipeline.Job{}, fmt.Errorf("coregister manifest needs imageA, imageB and outDir")
		}
		job.InputPath, job.Output = m.ImageA, m.OutDir
		job.Options["imageA"], job.Options["imageB"], job.Options["aoi"] = m.ImageA, m.ImageB, m.AOI
	case pipeline.JobClip:
		if m.Input == "" || m.Output == "" {
			return pipeline.Job{}, fmt.Errorf("clip manifest needs input and output")
		}
		job.InputPath, job.Output = m.Input, m.Output
		job.Options["aoi"] = m.AOI
	case pipeline.JobDownsample:
		if m.Input == "" || m.Output == "" {
			return pipeline.Job{}, fmt.Errorf("downsample manifest needs input and output")
		}
		job.InputPath, job.Output = m.Input, m.Output
		if m.Scale != nil {
			job.Options["scale"] = *m.Scale
		}
		job.Options["preview"] = m.Preview
	}
	return job, nil
}
