// Package grpcserver exposes the job pipeline as the georeg.v1.Jobs gRPC
// service. Messages are google.protobuf.Struct so no generated code is
// needed on either side.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"georeg/internal/pipeline"
	"georeg/internal/storage"
)

const serviceName = "georeg.v1.Jobs"

// JobsServer is the server API for georeg.v1.Jobs.
type JobsServer interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes georeg.v1.Jobs for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", JobsServer.Submit)},
		{MethodName: "GetJob", Handler: unaryHandler("GetJob", JobsServer.GetJob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "georeg/v1/jobs.proto",
}

type methodFunc func(JobsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call methodFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + serviceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls georeg.v1.Jobs.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) Submit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Submit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type jobRunner interface {
	Submit(job pipeline.Job) error
	SubmitAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// Service implements JobsServer on top of the pipeline.
type Service struct {
	pipeline jobRunner
	store    *storage.Store
	log      *slog.Logger
}

// NewService builds the service. store may be nil; GetJob then fails.
func NewService(pipe jobRunner, store *storage.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{pipeline: pipe, store: store, log: log}
}

// JobFromStruct turns a request into a pipeline job. Recognised fields:
// type, jobId, input, output, imageA, imageB, outDir, aoi, scale, preview.
func JobFromStruct(in *structpb.Struct) (pipeline.Job, error) {
	m := in.AsMap()
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	jt, err := pipeline.ParseJobType(str("type"))
	if err != nil {
		return pipeline.Job{}, err
	}
	job := pipeline.Job{
		ID:        str("jobId"),
		Type:      jt,
		InputPath: str("input"),
		Output:    str("output"),
		Options:   map[string]any{},
	}
	if job.ID == "" {
		job.ID = pipeline.NewID(string(jt))
	}
	if v, ok := m["aoi"]; ok {
		job.Options["aoi"] = v
	}
	switch jt {
	case pipeline.JobCoregister:
		job.Options["imageA"] = str("imageA")
		job.Options["imageB"] = str("imageB")
		job.InputPath = str("imageA")
		if out := str("outDir"); out != "" {
			job.Output = out
		}
	case pipeline.JobDownsample:
		if v, ok := m["scale"]; ok {
			job.Options["scale"] = v
		}
		if v, ok := m["preview"].(bool); ok {
			job.Options["preview"] = v
		}
	}
	return job, nil
}

// Submit queues a job; with wait=true it blocks until the job finishes.
func (s *Service) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	job, err := JobFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	wait := in.GetFields()["wait"].GetBoolValue()
	if !wait {
		if err := s.pipeline.Submit(job); err != nil {
			return nil, submitError(err)
		}
		return toStruct(map[string]any{"jobId": job.ID, "status": "queued"})
	}
	res, err := s.pipeline.SubmitAndWait(ctx, job)
	if errors.Is(err, pipeline.ErrQueueFull) {
		return nil, submitError(err)
	}
	out := map[string]any{"jobId": job.ID, "status": res.Status(), "meta": res.Meta}
	if err != nil {
		out["error"] = err.Error()
	}
	return toStruct(out)
}

func submitError(err error) error {
	if errors.Is(err, pipeline.ErrQueueFull) {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// GetJob returns the stored record, progress and result meta for jobId.
func (s *Service) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["jobId"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "jobId is required")
	}
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "job store disabled")
	}
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	progress, err := s.store.Progress(id)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"job": rec, "progress": progress, "meta": meta})
}

// toStruct converts through JSON so records, times and typed slices become
// plain Struct values.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// NewGRPCServer registers the jobs and health services on a new server.
func NewGRPCServer(svc JobsServer, opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, svc)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, svc JobsServer, log *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	gs := NewGRPCServer(svc)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	log.Info("grpc server starting", "addr", addr)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
