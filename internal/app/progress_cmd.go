package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/nuetzliches/newsletterd/internal/config"
	"github.com/nuetzliches/newsletterd/internal/progressapi"
	"github.com/nuetzliches/newsletterd/internal/queue"
)

func progressCmd(args []string) int {
	return runProgressCmd(args, os.Stdout, os.Stderr)
}

// runProgressCmd reads progress from the store directly, or from a running
// daemon when --grpc is given.
func runProgressCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("progress", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(config.ConfigPathEnv), "path to YAML config file")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	issueID := fs.String("issue", "", "issue id")
	grpcAddr := fs.String("grpc", "", "query a running daemon at host:port instead of the store")
	token := fs.String("token", os.Getenv("NEWSLETTERD_API_TOKEN"), "bearer token for --grpc")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	jsonOutput := fs.Bool("json", false, "print progress as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id := strings.TrimSpace(*issueID)
	if id == "" {
		fmt.Fprintln(stderr, "progress: --issue is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		p   queue.Progress
		err error
	)
	if addr := strings.TrimSpace(*grpcAddr); addr != "" {
		p, err = remoteProgress(ctx, addr, *token, id)
	} else {
		p, err = localProgress(ctx, *configPath, *dotenvPath, id)
	}
	if err != nil {
		fmt.Fprintf(stderr, "progress: %v\n", err)
		return 1
	}
	return printProgress(stdout, stderr, p, *jsonOutput)
}

func localProgress(ctx context.Context, configPath, dotenvPath, issueID string) (queue.Progress, error) {
	store, err := openStoreForCmd(configPath, dotenvPath)
	if err != nil {
		return queue.Progress{}, err
	}
	defer func() { _ = store.Close() }()
	return store.Progress(ctx, issueID)
}

func remoteProgress(ctx context.Context, addr, token, issueID string) (queue.Progress, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return queue.Progress{}, err
	}
	defer func() { _ = conn.Close() }()
	if token = strings.TrimSpace(token); token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	return progressapi.NewClient(conn).GetIssueProgress(ctx, issueID)
}
