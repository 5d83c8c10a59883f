package grpcserver

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"georeg/internal/pipeline"
	"georeg/internal/storage"
	"georeg/internal/tasks"
)

type stubProcessor struct {
	fail error
}

func (s stubProcessor) Process(_ context.Context, job pipeline.Job, progress tasks.ProgressFunc) pipeline.Result {
	progress(tasks.Progress{JobID: job.ID, State: tasks.StateStart, Percent: 5})
	if s.fail != nil {
		return pipeline.Result{Error: s.fail}
	}
	progress(tasks.Progress{JobID: job.ID, State: tasks.StateDone, Percent: 100})
	return pipeline.Result{Meta: map[string]any{"shiftRow": 2.0, "milestones": []int{5, 100}}}
}

func dial(t *testing.T, proc pipeline.Processor) (*Client, *grpc.ClientConn) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	p := pipeline.New(context.Background(), 1, nil, store, proc, nil)
	t.Cleanup(p.Stop)

	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(NewService(p, store, nil))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), conn
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSubmitWaitAndGetJob(t *testing.T) {
	client, _ := dial(t, stubProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.Submit(ctx, mustStruct(t, map[string]any{
		"type":   "coregister",
		"jobId":  "g1",
		"imageA": "a.tif",
		"imageB": "b.tif",
		"outDir": "/out/g1",
		"aoi":    map[string]any{"north": 1.0, "south": 0.0, "east": 1.0, "west": 0.0},
		"wait":   true,
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m := out.AsMap()
	if m["status"] != "completed" || m["jobId"] != "g1" {
		t.Fatalf("submit reply %v", m)
	}
	if meta := m["meta"].(map[string]any); meta["shiftRow"] != 2.0 {
		t.Fatalf("meta %v", meta)
	}

	job, err := client.GetJob(ctx, mustStruct(t, map[string]any{"jobId": "g1"}))
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	jm := job.AsMap()
	if rec := jm["job"].(map[string]any); rec["status"] != "completed" || rec["type"] != "coregister" {
		t.Fatalf("job record %v", rec)
	}
	if progress := jm["progress"].([]any); len(progress) != 2 {
		t.Fatalf("progress %v", progress)
	}
}

func TestSubmitWithoutWaitQueues(t *testing.T) {
	client, _ := dial(t, stubProcessor{})
	out, err := client.Submit(context.Background(), mustStruct(t, map[string]any{
		"type": "downsample", "input": "a.tif", "output": "b.tif", "scale": 0.5,
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m := out.AsMap(); m["status"] != "queued" || m["jobId"] == "" {
		t.Fatalf("reply %v", m)
	}
}

func TestSubmitErrors(t *testing.T) {
	client, _ := dial(t, stubProcessor{fail: errors.New("boom")})
	ctx := context.Background()

	_, err := client.Submit(ctx, mustStruct(t, map[string]any{"type": "panorama"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	out, err := client.Submit(ctx, mustStruct(t, map[string]any{"type": "clip", "input": "a.tif", "output": "c.tif", "aoi": "north=1;south=0;east=1;west=0", "wait": true}))
	if err != nil {
		t.Fatalf("failed jobs are reported in the reply: %v", err)
	}
	if m := out.AsMap(); m["status"] != "failed" || m["error"] != "boom" {
		t.Fatalf("reply %v", m)
	}

	_, err = client.GetJob(ctx, mustStruct(t, map[string]any{"jobId": "nope"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHealthService(t *testing.T) {
	_, conn := dial(t, stubProcessor{})
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status %v", resp.GetStatus())
	}
}

func TestJobFromStruct(t *testing.T) {
	in, _ := structpb.NewStruct(map[string]any{"type": "align", "imageA": "a.tif", "imageB": "b.tif", "outDir": "/o"})
	job, err := JobFromStruct(in)
	if err != nil {
		t.Fatal(err)
	}
	if job.Type != pipeline.JobCoregister || job.Output != "/o" || job.InputPath != "a.tif" || job.ID == "" {
		t.Fatalf("job %+v", job)
	}
}
