package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"georeg/internal/pipeline"
)

type jobSink struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (s *jobSink) submit(job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *jobSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

const coregisterYAML = `type: coregister
jobId: inbox-1
imageA: /data/a.tif
imageB: /data/b.tif
outDir: /out/inbox-1
aoi:
  north: 54
  south: 14
  east: 50
  west: 10
`

func TestParseManifestYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(yml, []byte(coregisterYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := ParseManifest(yml)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	job, err := m.Job()
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.ID != "inbox-1" || job.Type != pipeline.JobCoregister || job.Output != "/out/inbox-1" {
		t.Fatalf("job %+v", job)
	}
	if aoi, ok := job.Options["aoi"].(map[string]any); !ok || aoi["north"] != 54 {
		t.Fatalf("aoi option %#v", job.Options["aoi"])
	}

	js := filepath.Join(dir, "small.json")
	if err := os.WriteFile(js, []byte(`{"input":"/data/a.tif","output":"/out/a_small.tif","scale":0.5}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err = ParseManifest(js)
	if err != nil {
		t.Fatalf("ParseManifest json: %v", err)
	}
	job, err = m.Job()
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Type != pipeline.JobDownsample || job.Options["scale"] != 0.5 {
		t.Fatalf("inferred job %+v", job)
	}
}

func TestManifestValidation(t *testing.T) {
	cases := []Manifest{
		{Type: "coregister", ImageA: "a.tif"},
		{Type: "clip", Input: "a.tif"},
		{Type: "downsample"},
		{Type: "stack", Input: "a", Output: "b"},
	}
	for _, m := range cases {
		if _, err := m.Job(); err == nil {
			t.Fatalf("expected error for %+v", m)
		}
	}
}

func TestHandleMovesManifests(t *testing.T) {
	dir := t.TempDir()
	sink := &jobSink{}
	w := New(dir, sink.submit, nil)

	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(good, []byte(coregisterYAML), 0o644)
	os.WriteFile(bad, []byte("type: [oops"), 0o644)

	if id, err := w.Handle(good); err != nil || id != "inbox-1" {
		t.Fatalf("Handle(good) = %q, %v", id, err)
	}
	if _, err := w.Handle(bad); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := os.Stat(filepath.Join(dir, SubmittedDir, "good.yaml")); err != nil {
		t.Fatalf("good manifest not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, RejectedDir, "bad.yaml")); err != nil {
		t.Fatalf("bad manifest not archived: %v", err)
	}

	sink.err = errors.New("queue full")
	again := filepath.Join(dir, "again.yaml")
	os.WriteFile(again, []byte(coregisterYAML), 0o644)
	if _, err := w.Handle(again); err == nil {
		t.Fatalf("expected submit error")
	}
	if _, err := os.Stat(filepath.Join(dir, RejectedDir, "again.yaml")); err != nil {
		t.Fatalf("rejected manifest not archived: %v", err)
	}
}

func TestRunPicksUpExistingAndNewManifests(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "first.yaml"), []byte(coregisterYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := &jobSink{}
	w := New(dir, sink.submit, nil)
	w.settle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool { return sink.count() == 1 })

	tmp := filepath.Join(dir, "second.tmp")
	if err := os.WriteFile(tmp, []byte(`{"input":"a.tif","output":"b.tif"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "second.json")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sink.count() == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
