package app

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q): got %v, want %v", in, got, want)
		}
	}
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewLoggerToSink_FileAndLevelVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "newsletterd.log")
	logger, levelVar, closer, err := newLoggerToSink("warn", "file", path)
	if err != nil {
		t.Fatalf("newLoggerToSink: %v", err)
	}
	logger.Info("hidden_before_reload")
	levelVar.Set(slog.LevelInfo)
	logger.Info("visible_after_reload")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden_before_reload") {
		t.Fatalf("expected info record to be filtered at warn:\n%s", out)
	}
	if !strings.Contains(out, `"msg":"visible_after_reload"`) {
		t.Fatalf("expected JSON record after level change:\n%s", out)
	}
}

func TestNewLoggerToSink_Errors(t *testing.T) {
	if _, _, _, err := newLoggerToSink("info", "file", ""); err == nil {
		t.Fatalf("expected error for file output without path")
	}
	if _, _, _, err := newLoggerToSink("info", "syslog", ""); err == nil {
		t.Fatalf("expected error for unknown output")
	}
	if _, _, _, err := newLoggerToSink("loud", "stderr", ""); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestWithAccessLog_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := withAccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/issues/i1/progress", nil))

	out := buf.String()
	for _, want := range []string{`"msg":"http_request"`, `"status":418`, `"bytes":15`, `"path":"/issues/i1/progress"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in access log:\n%s", want, out)
		}
	}
}
