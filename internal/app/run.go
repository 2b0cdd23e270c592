package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"

	"github.com/nuetzliches/newsletterd/internal/config"
	"github.com/nuetzliches/newsletterd/internal/dispatcher"
	"github.com/nuetzliches/newsletterd/internal/progressapi"
)

const drainGrace = 5 * time.Second

func runCmd(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", os.Getenv(config.ConfigPathEnv), "path to YAML config file")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "", "override observability.log_level (debug|info|warn|error)")
	watch := fs.Bool("watch", false, "watch the config file and reload log level and retry policy")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *logLevel != "" {
		if _, err := parseLogLevel(*logLevel); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 2
		}
	}

	cfg, err := loadConfig(*configPath, *dotenvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Observability.LogLevel = *logLevel
	}

	logger, levelVar, logCloser, err := newLoggerToSink(cfg.Observability.LogLevel, cfg.Observability.LogOutput, cfg.Observability.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)
	logger.Info("config_ok", slog.String("path", *configPath))

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(*pidFile))
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	appMetrics := newRuntimeMetrics()
	if cfg.Observability.TracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), cfg.Observability, func(err error) {
			appMetrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	store, backend, err := openStore(cfg)
	if err != nil {
		logger.Error("open_queue_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()
	logger.Info("queue_backend_selected", slog.String("backend", backend))

	sender, err := newSender(cfg.Email, tracingHTTPClient(cfg.Observability.TracingEnabled))
	if err != nil {
		logger.Error("email_transport_failed", slog.Any("err", err))
		return 1
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := &dispatcher.WorkerPool{
		Store:            store,
		Sender:           sender,
		Logger:           logger,
		Size:             cfg.Workers.Size,
		PollInterval:     cfg.Workers.PollInterval,
		ErrorBackoff:     cfg.Workers.ErrorBackoff,
		SendTimeout:      cfg.Workers.SendTimeout,
		LeaseTTL:         cfg.Workers.LeaseTTL,
		Retry:            retryFromConfig(cfg.Retry),
		From:             cfg.Email.From,
		MessageIDDomain:  cfg.Email.MessageIDDomain,
		ObserveOutcome:   appMetrics.observeDeliveryOutcome,
		OnIssueCompleted: appMetrics.observeIssueCompleted,
	}

	running := cfg
	var reloadMu sync.Mutex
	reloadNow := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		updated, ok := reloadConfig(*configPath, running, *logLevel, levelVar, pool, logger, trigger)
		appMetrics.observeConfigReload(ok)
		if ok {
			running = updated
		}
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()

	shutdowns, err := startServers(cfg, progressapi.NewService(store), logger, appMetrics, cancel)
	if err != nil {
		logger.Error("start_servers_failed", slog.Any("err", err))
		return 1
	}

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()
	logger.Info("workers_started",
		slog.Int("size", cfg.Workers.Size),
		slog.Duration("poll_interval", cfg.Workers.PollInterval),
		slog.Int("max_retries", cfg.Retry.Max),
	)

	if *watch && *configPath != "" {
		go watchConfig(ctx, *configPath, logger, func() {
			reloadNow("watch")
		})
	}

	<-ctx.Done()
	logger.Info("shutdown_started")

	// In-flight deliveries finish on their own contexts; wait for them up to
	// one send timeout.
	drainTimeout := cfg.Workers.SendTimeout + drainGrace
	select {
	case <-poolDone:
		logger.Info("workers_drained")
	case <-time.After(drainTimeout):
		logger.Warn("worker_drain_timeout", slog.Duration("timeout", drainTimeout))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, shutdown := range shutdowns {
		shutdown(shutdownCtx)
	}
	return 0
}

// loadConfig applies the optional dotenv file before reading the config so
// that environment overrides see its values.
func loadConfig(configPath, dotenvPath string) (config.Config, error) {
	if p := strings.TrimSpace(dotenvPath); p != "" {
		if _, err := loadDotenv(p); err != nil {
			return config.Config{}, fmt.Errorf("dotenv: %w", err)
		}
	}
	return config.Load(configPath)
}

func retryFromConfig(c config.RetryConfig) dispatcher.RetryConfig {
	return dispatcher.RetryConfig{
		Max:    c.Max,
		Base:   c.Base,
		Cap:    c.Cap,
		Jitter: c.Jitter,
	}
}

type retrySetter interface {
	SetRetry(dispatcher.RetryConfig)
}

// reloadConfig re-reads the config file and applies the hot-reloadable
// settings. A change to anything else is rejected until restart.
func reloadConfig(path string, running config.Config, levelOverride string, levelVar *slog.LevelVar, pool retrySetter, logger *slog.Logger, trigger string) (config.Config, bool) {
	if strings.TrimSpace(path) == "" {
		logger.Warn("config_reload_skipped", slog.String("trigger", trigger), slog.String("reason", "no config file"))
		return running, false
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return running, false
	}
	if levelOverride != "" {
		cfg.Observability.LogLevel = levelOverride
	}
	if !config.ReloadableEqual(cfg, running) {
		logger.Warn("config_reload_requires_restart", slog.String("trigger", trigger))
		return running, false
	}
	lvl, err := parseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return running, false
	}
	levelVar.Set(lvl)
	pool.SetRetry(retryFromConfig(cfg.Retry))
	logger.Info("config_reloaded",
		slog.String("trigger", trigger),
		slog.String("log_level", lvl.String()),
		slog.Int("max_retries", cfg.Retry.Max),
	)
	return cfg, true
}

func startServers(cfg config.Config, svc *progressapi.Service, logger *slog.Logger, rm *runtimeMetrics, cancel func()) ([]func(context.Context), error) {
	var shutdowns []func(context.Context)
	fail := func(err error) ([]func(context.Context), error) {
		ctx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		for _, s := range shutdowns {
			s(ctx)
		}
		return nil, err
	}
	tokens := progressapi.NewTokens(cfg.API.Token)
	tracing := cfg.Observability.TracingEnabled

	if addr := strings.TrimSpace(cfg.API.HTTPListen); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fail(fmt.Errorf("progress http listen: %w", err))
		}
		api := progressapi.NewHTTPServer(svc)
		api.Authorize = tokens.AuthorizeHTTP
		srv := &http.Server{
			Handler:           withAccessLog(logger, wrapTracingHandler(tracing, "progress", api)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		serveOnListener(logger, "progress_http", srv.Serve, ln, cancel)
		shutdowns = append(shutdowns, func(ctx context.Context) { _ = srv.Shutdown(ctx) })
		logger.Info("progress_http_listening", slog.String("addr", ln.Addr().String()))
	}

	if addr := strings.TrimSpace(cfg.API.GRPCListen); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fail(fmt.Errorf("progress grpc listen: %w", err))
		}
		srv, hs := progressapi.NewGRPCServer(svc, tokens.AuthorizeGRPC)
		serveOnListener(logger, "progress_grpc", srv.Serve, ln, cancel)
		shutdowns = append(shutdowns, func(ctx context.Context) {
			hs.Shutdown()
			done := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				srv.Stop()
			}
		})
		logger.Info("progress_grpc_listening", slog.String("addr", ln.Addr().String()))
	}

	if addr := strings.TrimSpace(cfg.API.MetricsListen); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fail(fmt.Errorf("metrics listen: %w", err))
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", newMetricsHandler(version, time.Now(), rm))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		serveOnListener(logger, "metrics", srv.Serve, ln, cancel)
		shutdowns = append(shutdowns, func(ctx context.Context) { _ = srv.Shutdown(ctx) })
		logger.Info("metrics_listening", slog.String("addr", ln.Addr().String()))
	}
	return shutdowns, nil
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	// Editors write in bursts; coalesce events into one reload.
	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}

func claimPIDFile(pidFile string) (func(), error) {
	if pidFile == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return nil, err
	}
	if pid, err := readPIDFile(pidFile); err == nil && pidRunning(pid) {
		return nil, fmt.Errorf("pid file %q points to running process %d", pidFile, pid)
	}

	pid := os.Getpid()
	if err := writePIDFile(pidFile, pid); err != nil {
		return nil, err
	}
	return func() {
		if cur, err := readPIDFile(pidFile); err == nil && cur == pid {
			_ = os.Remove(pidFile)
		}
	}, nil
}

// writePIDFile replaces pidFile atomically through a temp file in the same
// directory.
func writePIDFile(pidFile string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(pidFile), "."+filepath.Base(pidFile)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := io.WriteString(tmp, strconv.Itoa(pid)+"\n"); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, pidFile); err != nil {
		return err
	}
	committed = true
	return nil
}

func readPIDFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", pidFile, raw)
	}
	return pid, nil
}

func pidRunning(pid int) bool {
	if pid <= 0 || isZombiePID(pid) {
		return false
	}
	return processAlive(pid)
}

func isZombiePID(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	return len(fields) >= 3 && fields[2] == "Z"
}
