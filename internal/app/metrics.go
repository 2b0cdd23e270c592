package app

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/newsletterd/internal/dispatcher"
	"github.com/nuetzliches/newsletterd/internal/queue"
)

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	deliveryAttemptTotal   atomic.Int64
	deliveryDeliveredTotal atomic.Int64
	deliveryRetryTotal     atomic.Int64
	deliveryDroppedTotal   atomic.Int64
	deliveryAbandonedTotal atomic.Int64
	issuesCompletedTotal   atomic.Int64
	configReloadsTotal     atomic.Int64
	configReloadErrors     atomic.Int64

	droppedMu       sync.Mutex
	droppedByReason map[string]int64
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		droppedByReason: make(map[string]int64),
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeConfigReload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.configReloadsTotal.Add(1)
		return
	}
	m.configReloadErrors.Add(1)
}

func (m *runtimeMetrics) observeDeliveryOutcome(outcome dispatcher.Outcome, reason string) {
	if m == nil {
		return
	}
	m.deliveryAttemptTotal.Add(1)
	switch outcome {
	case dispatcher.OutcomeDelivered:
		m.deliveryDeliveredTotal.Add(1)
	case dispatcher.OutcomeRetry:
		m.deliveryRetryTotal.Add(1)
	case dispatcher.OutcomeAbandoned:
		m.deliveryAbandonedTotal.Add(1)
	case dispatcher.OutcomeDropped:
		m.deliveryDroppedTotal.Add(1)
		if reason == "" {
			reason = "unknown"
		}
		m.droppedMu.Lock()
		m.droppedByReason[reason]++
		m.droppedMu.Unlock()
	}
}

func (m *runtimeMetrics) observeIssueCompleted(queue.Progress) {
	if m == nil {
		return
	}
	m.issuesCompletedTotal.Add(1)
}

func (m *runtimeMetrics) droppedSnapshot() map[string]int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	out := make(map[string]int64, len(m.droppedByReason))
	for k, v := range m.droppedByReason {
		out[k] = v
	}
	return out
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if rm == nil {
			rm = newRuntimeMetrics()
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		gauge := func(name, help string, v int64) {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
		}
		counter := func(name, help string, v int64) {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
		}

		gauge("newsletterd_up", "Whether the newsletterd process is up.", 1)
		_, _ = fmt.Fprintf(w, "# HELP newsletterd_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE newsletterd_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "newsletterd_build_info{version=%q} 1\n", version)
		gauge("newsletterd_start_time_seconds", "Start time since unix epoch.", start.Unix())
		gauge("newsletterd_tracing_enabled", "Whether tracing is enabled.", rm.tracingEnabled.Load())
		counter("newsletterd_tracing_init_failures_total", "Total number of tracing initialization failures.", rm.tracingInitFailuresTotal.Load())
		counter("newsletterd_tracing_export_errors_total", "Total number of tracing exporter errors reported by OpenTelemetry.", rm.tracingExportErrorsTotal.Load())
		counter("newsletterd_config_reloads_total", "Total number of applied config reloads.", rm.configReloadsTotal.Load())
		counter("newsletterd_config_reload_errors_total", "Total number of rejected config reloads.", rm.configReloadErrors.Load())

		counter("newsletterd_delivery_attempts_total", "Total number of resolved delivery attempts.", rm.deliveryAttemptTotal.Load())
		counter("newsletterd_delivery_delivered_total", "Total number of emails accepted by the transport.", rm.deliveryDeliveredTotal.Load())
		counter("newsletterd_delivery_retry_total", "Total number of attempts rescheduled after a transient failure.", rm.deliveryRetryTotal.Load())
		counter("newsletterd_delivery_abandoned_total", "Total number of claims given back without counting an attempt.", rm.deliveryAbandonedTotal.Load())
		counter("newsletterd_delivery_dropped_total", "Total number of tasks resolved without delivery.", rm.deliveryDroppedTotal.Load())

		dropped := rm.droppedSnapshot()
		reasons := make([]string, 0, len(dropped))
		for reason := range dropped {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		_, _ = fmt.Fprintf(w, "# HELP newsletterd_delivery_dropped_by_reason_total Dropped tasks by reason.\n")
		_, _ = fmt.Fprintf(w, "# TYPE newsletterd_delivery_dropped_by_reason_total counter\n")
		for _, reason := range reasons {
			_, _ = fmt.Fprintf(w, "newsletterd_delivery_dropped_by_reason_total{reason=%q} %d\n", reason, dropped[reason])
		}

		counter("newsletterd_issues_completed_total", "Total number of issues that reached COMPLETED in this process.", rm.issuesCompletedTotal.Load())
	})
}
