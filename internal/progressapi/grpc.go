package progressapi

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nuetzliches/newsletterd/internal/queue"
)

const (
	ServiceName            = "newsletter.v1.Progress"
	GetIssueProgressMethod = "/" + ServiceName + "/GetIssueProgress"
)

// ProgressServer answers GetIssueProgress with the issue id as a
// StringValue and the progress counters as a Struct.
type ProgressServer interface {
	GetIssueProgress(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

var progressServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProgressServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetIssueProgress",
			Handler:    getIssueProgressHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "newsletter/v1/progress.proto",
}

func getIssueProgressHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProgressServer).GetIssueProgress(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetIssueProgressMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProgressServer).GetIssueProgress(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func RegisterProgressServer(r grpc.ServiceRegistrar, srv ProgressServer) {
	r.RegisterService(&progressServiceDesc, srv)
}

type GRPCServer struct {
	Service   *Service
	Authorize func(ctx context.Context) bool
}

func (s *GRPCServer) GetIssueProgress(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if s.Authorize != nil && !s.Authorize(ctx) {
		return nil, status.Error(codes.Unauthenticated, "request is not authorized")
	}
	p, opErr := s.Service.IssueProgress(ctx, req.GetValue())
	if opErr != nil {
		return nil, mapOpError(opErr)
	}
	return progressToStruct(p), nil
}

// NewGRPCServer builds a server with the progress service and the standard
// health service registered. The health status of the progress service is
// SERVING until the returned health server is shut down.
func NewGRPCServer(svc *Service, authorize func(ctx context.Context) bool, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(opts...)
	RegisterProgressServer(srv, &GRPCServer{Service: svc, Authorize: authorize})

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func mapOpError(opErr *OpError) error {
	if opErr == nil {
		return nil
	}
	switch opErr.StatusCode {
	case 400:
		return status.Error(codes.InvalidArgument, opErr.Detail)
	case 401:
		return status.Error(codes.Unauthenticated, opErr.Detail)
	case 404:
		return status.Error(codes.NotFound, opErr.Detail)
	case 503:
		return status.Error(codes.Unavailable, opErr.Detail)
	default:
		return status.Error(codes.Internal, opErr.Detail)
	}
}

func progressToStruct(p queue.Progress) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"issue_id":          structpb.NewStringValue(p.IssueID),
		"status":            structpb.NewStringValue(statusLabel(p.Status)),
		"required_n_tasks":  structpb.NewNumberValue(float64(p.RequiredTasks)),
		"finished_n_tasks":  structpb.NewNumberValue(float64(p.FinishedTasks)),
		"remaining_n_tasks": structpb.NewNumberValue(float64(p.RemainingTasks)),
		"dropped_n_tasks":   structpb.NewNumberValue(float64(p.DroppedTasks)),
	}}
}

func progressFromStruct(s *structpb.Struct) (queue.Progress, error) {
	if s == nil {
		return queue.Progress{}, errors.New("empty progress response")
	}
	fields := s.GetFields()
	num := func(name string) int {
		return int(fields[name].GetNumberValue())
	}
	st := queue.IssueStatus(fields["status"].GetStringValue())
	if st == "UNPUBLISHED" {
		st = queue.StatusUnpublished
	}
	return queue.Progress{
		IssueID:        fields["issue_id"].GetStringValue(),
		Status:         st,
		RequiredTasks:  num("required_n_tasks"),
		FinishedTasks:  num("finished_n_tasks"),
		RemainingTasks: num("remaining_n_tasks"),
		DroppedTasks:   num("dropped_n_tasks"),
	}, nil
}

// Client calls the progress service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetIssueProgress(ctx context.Context, issueID string, opts ...grpc.CallOption) (queue.Progress, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetIssueProgressMethod, wrapperspb.String(issueID), out, opts...); err != nil {
		return queue.Progress{}, err
	}
	return progressFromStruct(out)
}
