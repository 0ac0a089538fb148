package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/feed"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/queue"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tasksphere.scheduler.v1.SchedulerService"

// CodecName is the content-subtype clients must request
// (grpc.CallContentSubtype(CodecName)).
const CodecName = "json"

func init() { encoding.RegisterCodec(jsonCodec{}) }

// jsonCodec carries the service's plain Go messages as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// TaskRequest identifies a task.
type TaskRequest struct {
	TaskID string `json:"task_id"`
}

// ProjectRequest identifies a project.
type ProjectRequest struct {
	ProjectID string `json:"project_id"`
}

// SchedulerServer is the server API of SchedulerService.
type SchedulerServer interface {
	Allocate(ctx context.Context, req *queue.Request) (*queue.Allocation, error)
	Preview(ctx context.Context, req *queue.Request) (*queue.Allocation, error)
	Transition(ctx context.Context, req *queue.TransitionRequest) (*domain.Task, error)
	GetTask(ctx context.Context, req *TaskRequest) (*domain.Task, error)
	GetBoard(ctx context.Context, req *ProjectRequest) (*feed.Update, error)
	StreamBoard(req *ProjectRequest, stream grpc.ServerStream) error
}

// GRPC implements SchedulerServer.
type GRPC struct {
	Deps
}

var _ SchedulerServer = (*GRPC)(nil)

// NewGRPC creates a new gRPC handler sharing the same dependencies as REST.
func NewGRPC(d Deps) *GRPC {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &GRPC{Deps: d}
}

// Register adds the service to s.
func (g *GRPC) Register(s grpc.ServiceRegistrar) { s.RegisterService(&ServiceDesc, g) }

func (g *GRPC) Allocate(ctx context.Context, req *queue.Request) (*queue.Allocation, error) {
	if err := validateRequest(*req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	alloc, err := g.allocate(ctx, *req)
	if err != nil {
		return nil, g.status(err, "Allocate", slog.String("project_id", req.ProjectID))
	}
	g.Logger.Info("grpc: task allocated",
		slog.String("project_id", req.ProjectID),
		slog.String("task_id", alloc.Task.ID),
	)
	return alloc, nil
}

func (g *GRPC) Preview(ctx context.Context, req *queue.Request) (*queue.Allocation, error) {
	if err := validateRequest(*req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	alloc, err := g.preview(ctx, *req)
	if err != nil {
		return nil, g.status(err, "Preview", slog.String("project_id", req.ProjectID))
	}
	return alloc, nil
}

func (g *GRPC) Transition(ctx context.Context, req *queue.TransitionRequest) (*domain.Task, error) {
	if req.TaskID == "" || req.StatusID == 0 {
		return nil, status.Error(codes.InvalidArgument, "task_id and status_id are required")
	}
	task, err := g.transition(ctx, *req)
	if err != nil {
		return nil, g.status(err, "Transition", slog.String("task_id", req.TaskID))
	}
	return task, nil
}

func (g *GRPC) GetTask(ctx context.Context, req *TaskRequest) (*domain.Task, error) {
	if req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	task, err := g.Store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, g.status(err, "GetTask", slog.String("task_id", req.TaskID))
	}
	return task, nil
}

func (g *GRPC) GetBoard(ctx context.Context, req *ProjectRequest) (*feed.Update, error) {
	if req.ProjectID == "" {
		return nil, status.Error(codes.InvalidArgument, "project_id is required")
	}
	u, err := g.board(ctx, req.ProjectID)
	if err != nil {
		return nil, g.status(err, "GetBoard", slog.String("project_id", req.ProjectID))
	}
	return u, nil
}

// StreamBoard sends the project's board on open and after every burst of
// changes until the client goes away.
func (g *GRPC) StreamBoard(req *ProjectRequest, stream grpc.ServerStream) error {
	if req.ProjectID == "" {
		return status.Error(codes.InvalidArgument, "project_id is required")
	}
	err := g.streamBoard(stream.Context(), req.ProjectID, func(u feed.Update) error {
		return stream.SendMsg(&u)
	})
	if err != nil && stream.Context().Err() == nil {
		return g.status(err, "StreamBoard", slog.String("project_id", req.ProjectID))
	}
	return nil
}

func (g *GRPC) status(err error, method string, attrs ...any) error {
	f := classify(err)
	if f.httpStatus >= 500 {
		g.Logger.Error("grpc "+method, append(attrs, slog.String("error", err.Error()))...)
	}
	return status.Error(f.grpcCode, f.message)
}

// ServiceDesc describes SchedulerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Allocate", SchedulerServer.Allocate),
		unary("Preview", SchedulerServer.Preview),
		unary("Transition", SchedulerServer.Transition),
		unary("GetTask", SchedulerServer.GetTask),
		unary("GetBoard", SchedulerServer.GetBoard),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamBoard",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(ProjectRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SchedulerServer).StreamBoard(in, stream)
			},
		},
	},
	Metadata: "tasksphere/scheduler/v1/scheduler.json",
}

func unary[Req, Resp any](name string, call func(SchedulerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SchedulerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SchedulerServer), ctx, req.(*Req))
			})
		},
	}
}
