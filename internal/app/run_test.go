package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/newsletterd/internal/config"
	"github.com/nuetzliches/newsletterd/internal/dispatcher"
	"github.com/nuetzliches/newsletterd/internal/progressapi"
	"github.com/nuetzliches/newsletterd/internal/queue"
)

// writeTestConfig writes a sqlite-backed config into dir with extra YAML
// appended, and clears environment overrides that could leak into Load.
func writeTestConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	for _, key := range []string{
		"NEWSLETTERD_STORE_BACKEND", "NEWSLETTERD_DB_PATH", "NEWSLETTERD_WORKERS",
		"NEWSLETTERD_LOG_LEVEL", "NEWSLETTERD_API_TOKEN", "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
	path := filepath.Join(dir, "newsletterd.yaml")
	body := "store:\n" +
		"  backend: sqlite\n" +
		"  path: " + filepath.Join(dir, "queue.db") + "\n" +
		"email:\n" +
		"  from: news@example.com\n" +
		"  smtp:\n" +
		"    host: smtp.example.com\n" +
		extra
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

type recordingRetry struct {
	got []dispatcher.RetryConfig
}

func (r *recordingRetry) SetRetry(cfg dispatcher.RetryConfig) {
	r.got = append(r.got, cfg)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestReloadConfig_AppliesLogLevelAndRetry(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "observability:\n  log_level: info\n")
	running, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	writeTestConfig(t, dir, "observability:\n  log_level: debug\nretry:\n  max: 3\n  base: 1s\n  cap: 10s\n")
	levelVar := new(slog.LevelVar)
	pool := &recordingRetry{}
	updated, ok := reloadConfig(path, running, "", levelVar, pool, discardLogger(), "test")
	if !ok {
		t.Fatalf("expected reload to apply")
	}
	if levelVar.Level() != slog.LevelDebug {
		t.Fatalf("level: got %v", levelVar.Level())
	}
	if len(pool.got) != 1 || pool.got[0].Max != 3 || pool.got[0].Base != time.Second || pool.got[0].Cap != 10*time.Second {
		t.Fatalf("retry: got %+v", pool.got)
	}
	if updated.Retry.Max != 3 {
		t.Fatalf("updated config retry max: got %d", updated.Retry.Max)
	}
}

func TestReloadConfig_LevelOverrideWins(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")
	running, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	running.Observability.LogLevel = "error"

	writeTestConfig(t, dir, "observability:\n  log_level: debug\n")
	levelVar := new(slog.LevelVar)
	if _, ok := reloadConfig(path, running, "error", levelVar, &recordingRetry{}, discardLogger(), "test"); !ok {
		t.Fatalf("expected reload to apply")
	}
	if levelVar.Level() != slog.LevelError {
		t.Fatalf("expected --log-level override to win, got %v", levelVar.Level())
	}
}

func TestReloadConfig_RejectsRestartOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")
	running, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	writeTestConfig(t, dir, "workers:\n  size: 9\nobservability:\n  log_level: debug\n")
	levelVar := new(slog.LevelVar)
	pool := &recordingRetry{}
	got, ok := reloadConfig(path, running, "", levelVar, pool, discardLogger(), "test")
	if ok {
		t.Fatalf("expected reload to be rejected")
	}
	if got != running {
		t.Fatalf("expected running config to be kept")
	}
	if levelVar.Level() != slog.LevelInfo || len(pool.got) != 0 {
		t.Fatalf("expected nothing applied, level=%v retry=%+v", levelVar.Level(), pool.got)
	}
}

func TestReloadConfig_InvalidFileKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")
	running, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(path, []byte("retry:\n  max: -1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := reloadConfig(path, running, "", new(slog.LevelVar), &recordingRetry{}, discardLogger(), "test"); ok {
		t.Fatalf("expected invalid config to be rejected")
	}
	if _, ok := reloadConfig("", running, "", new(slog.LevelVar), &recordingRetry{}, discardLogger(), "test"); ok {
		t.Fatalf("expected reload without config path to be skipped")
	}
}

func TestClaimPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "newsletterd.pid")
	release, err := claimPIDFile(pidFile)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, err := readPIDFile(pidFile)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid: got %d, want %d", pid, os.Getpid())
	}

	if _, err := claimPIDFile(pidFile); err == nil {
		t.Fatalf("expected second claim to fail while this process runs")
	}

	release()
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file to be removed, stat err=%v", err)
	}
}

func TestClaimPIDFile_ReplacesStaleOrInvalid(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "newsletterd.pid")
	if err := os.WriteFile(pidFile, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	release, err := claimPIDFile(pidFile)
	if err != nil {
		t.Fatalf("claim over invalid pid file: %v", err)
	}
	defer release()
	if pid, _ := readPIDFile(pidFile); pid != os.Getpid() {
		t.Fatalf("pid: got %d", pid)
	}
}

func TestClaimPIDFile_Disabled(t *testing.T) {
	release, err := claimPIDFile("")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	release()
}

func listeningAddrs(t *testing.T, logs []byte) map[string]string {
	t.Helper()
	addrs := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(logs))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("log line %q: %v", sc.Text(), err)
		}
		msg, _ := rec["msg"].(string)
		if addr, ok := rec["addr"].(string); ok && strings.HasSuffix(msg, "_listening") {
			addrs[strings.TrimSuffix(msg, "_listening")] = addr
		}
	}
	return addrs
}

func TestStartServers_ServesProgressAndMetrics(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Publish(ctx, queue.PublishRequest{
		Issue: queue.Issue{ID: "issue-7", Title: "Seven"},
		Subscribers: []queue.Subscriber{
			{ID: "s1", Address: "a@example.com", Status: queue.SubscriberConfirmed},
		},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cfg := config.Default()
	cfg.API.HTTPListen = "127.0.0.1:0"
	cfg.API.GRPCListen = "127.0.0.1:0"
	cfg.API.MetricsListen = "127.0.0.1:0"
	cfg.API.Token = "secret"

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	shutdowns, err := startServers(cfg, progressapi.NewService(store), logger, newRuntimeMetrics(), func() {})
	if err != nil {
		t.Fatalf("startServers: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, s := range shutdowns {
			s(sctx)
		}
	}()
	if len(shutdowns) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(shutdowns))
	}

	addrs := listeningAddrs(t, logs.Bytes())
	for _, name := range []string{"progress_http", "progress_grpc", "metrics"} {
		if addrs[name] == "" {
			t.Fatalf("missing listen address for %s in logs:\n%s", name, logs.String())
		}
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+addrs["progress_http"]+"/issues/issue-7/progress", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("progress request: %v", err)
	}
	var body map[string]any
	err = json.NewDecoder(resp.Body).Decode(&body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "AVAILABLE" || body["required_n_tasks"] != float64(1) {
		t.Fatalf("progress: status=%d body=%v", resp.StatusCode, body)
	}

	resp, err = http.Get("http://" + addrs["progress_http"] + "/issues/issue-7/progress")
	if err != nil {
		t.Fatalf("unauthorized request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + addrs["metrics"] + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(data), `newsletterd_build_info{version=`+strconv.Quote(version)+`} 1`) {
		t.Fatalf("unexpected metrics body:\n%s", data)
	}
}

func TestStartServers_ListenFailureClosesStarted(t *testing.T) {
	cfg := config.Default()
	cfg.API.HTTPListen = "127.0.0.1:0"
	cfg.API.GRPCListen = "127.0.0.1:-1"
	if _, err := startServers(cfg, progressapi.NewService(queue.NewMemoryStore()), discardLogger(), nil, func() {}); err == nil {
		t.Fatalf("expected listen error")
	}
}
