package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"georeg/internal/config"
)

type fakeJobsClient struct {
	got   map[string]any
	reply map[string]any
	err   error
}

func (f *fakeJobsClient) Submit(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	f.got = in.AsMap()
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(f.reply)
}

type nopCloser struct{ closed *bool }

func (n nopCloser) Close() error { *n.closed = true; return nil }

func withFakeDial(root *Root, client *fakeJobsClient) (*config.Client, *bool) {
	var used config.Client
	closed := false
	root.dialFn = func(cfg config.Client) (jobsClient, io.Closer, error) {
		used = cfg
		return client, nopCloser{&closed}, nil
	}
	return &used, &closed
}

func writeManifest(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubmitSendsManifest(t *testing.T) {
	root, pipe, out := newTestRoot(t)
	client := &fakeJobsClient{reply: map[string]any{"jobId": "r1", "status": "completed"}}
	used, closed := withFakeDial(root, client)

	path := writeManifest(t, "job.yaml", `
jobId: r1
imageA: /data/a.tif
imageB: /data/b.tif
outDir: /data/out/r1
aoi:
  north: 54
  south: 14
  east: 50
  west: 10
`)
	if err := run(root, "submit", path, "--server", "geo:9443", "--wait"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if used.Addr != "geo:9443" || !used.Insecure {
		t.Fatalf("dialled %+v", *used)
	}
	if !*closed {
		t.Fatalf("connection not closed")
	}
	if client.got["type"] != "coregister" || client.got["jobId"] != "r1" || client.got["wait"] != true {
		t.Fatalf("request %v", client.got)
	}
	if aoi := client.got["aoi"].(map[string]any); aoi["north"] != 54.0 {
		t.Fatalf("aoi %v", aoi)
	}
	if _, ok := client.got["scale"]; ok {
		t.Fatalf("unset scale should be omitted: %v", client.got)
	}
	if !strings.Contains(out.String(), `"status": "completed"`) {
		t.Fatalf("output %q", out.String())
	}
	if len(pipe.submitted()) != 0 {
		t.Fatalf("remote submit must not touch the local pipeline")
	}
}

func TestSubmitReportsJobFailure(t *testing.T) {
	root, _, _ := newTestRoot(t)
	client := &fakeJobsClient{reply: map[string]any{"jobId": "r2", "status": "failed", "error": "boom"}}
	withFakeDial(root, client)
	path := writeManifest(t, "job.json", `{"input": "a.tif", "output": "b.tif", "scale": 0.5}`)

	err := run(root, "submit", path, "--wait")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected job failure, got %v", err)
	}
	if client.got["type"] != "downsample" || client.got["scale"] != 0.5 {
		t.Fatalf("request %v", client.got)
	}
}

func TestSubmitRejectsInvalidManifestBeforeDialling(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dialled := false
	root.dialFn = func(config.Client) (jobsClient, io.Closer, error) {
		dialled = true
		return nil, nil, errors.New("unexpected dial")
	}
	path := writeManifest(t, "job.yaml", "type: coregister\nimageA: a.tif\n")
	if err := run(root, "submit", path); err == nil {
		t.Fatalf("expected manifest error")
	}
	if dialled {
		t.Fatalf("dialled with an invalid manifest")
	}
}

func TestSubmitTransportError(t *testing.T) {
	root, _, _ := newTestRoot(t)
	withFakeDial(root, &fakeJobsClient{err: errors.New("unavailable")})
	path := writeManifest(t, "job.yaml", "input: a.tif\noutput: b.tif\n")
	if err := run(root, "submit", path); err == nil || !strings.Contains(err.Error(), "unavailable") {
		t.Fatalf("expected transport error, got %v", err)
	}
}
