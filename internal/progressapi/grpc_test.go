package progressapi

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nuetzliches/newsletterd/internal/queue"
)

func startGRPC(t *testing.T, store queue.Store, tokens Tokens) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, hs := NewGRPCServer(NewService(store), tokens.AuthorizeGRPC)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		hs.Shutdown()
		srv.Stop()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCGetIssueProgress(t *testing.T) {
	conn := startGRPC(t, newPublishedStore(t), NewTokens())
	client := NewClient(conn)

	p, err := client.GetIssueProgress(context.Background(), "issue_1")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	want := queue.Progress{
		IssueID:        "issue_1",
		Status:         queue.StatusAvailable,
		RequiredTasks:  2,
		RemainingTasks: 2,
	}
	if p != want {
		t.Fatalf("progress=%+v, want %+v", p, want)
	}
}

func TestGRPCGetIssueProgress_Errors(t *testing.T) {
	conn := startGRPC(t, newPublishedStore(t), NewTokens())
	client := NewClient(conn)

	if _, err := client.GetIssueProgress(context.Background(), "missing"); status.Code(err) != codes.NotFound {
		t.Fatalf("missing issue code=%v err=%v", status.Code(err), err)
	}
	if _, err := client.GetIssueProgress(context.Background(), ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty id code=%v err=%v", status.Code(err), err)
	}
}

func TestGRPCBearerAuth(t *testing.T) {
	conn := startGRPC(t, newPublishedStore(t), NewTokens("s3cret"))
	client := NewClient(conn)

	if _, err := client.GetIssueProgress(context.Background(), "issue_1"); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("unauthenticated code=%v err=%v", status.Code(err), err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer s3cret")
	if _, err := client.GetIssueProgress(ctx, "issue_1"); err != nil {
		t.Fatalf("authorized call: %v", err)
	}
}

func TestGRPCHealth(t *testing.T) {
	conn := startGRPC(t, queue.NewMemoryStore(), NewTokens())
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status=%v", resp.GetStatus())
	}
}
