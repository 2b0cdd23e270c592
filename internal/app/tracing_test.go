package app

import (
	"net/http"
	"testing"

	"github.com/nuetzliches/newsletterd/internal/config"
)

func TestTracingExporterOptions(t *testing.T) {
	if got := tracingExporterOptions(config.ObservabilityConfig{}); len(got) != 0 {
		t.Fatalf("expected no options, got %d", len(got))
	}
	got := tracingExporterOptions(config.ObservabilityConfig{
		TracingEndpoint: "http://otel:4318/v1/traces",
		TracingInsecure: true,
	})
	if len(got) != 2 {
		t.Fatalf("expected endpoint and insecure options, got %d", len(got))
	}
}

func TestTracingHTTPClient(t *testing.T) {
	if c := tracingHTTPClient(false); c != nil {
		t.Fatalf("expected nil client when tracing is off")
	}
	c := tracingHTTPClient(true)
	if c == nil || c.Transport == nil {
		t.Fatalf("expected instrumented client")
	}
	if c.Transport == http.DefaultTransport {
		t.Fatalf("expected wrapped transport")
	}
}
