// Package metrics wires github.com/prometheus/client_golang directly into
// the control plane's own registry, replacing the teacher's
// pkg/observability (which imported the dependency in go.mod but never
// actually registered a collector). Grounded on the pack's
// r3e-network-service_layer/pkg/metrics/metrics.go collector-and-Handler
// shape, scaled down to this module's surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this process registers, kept separate
// from prometheus.DefaultRegisterer so tests can spin up an isolated
// instance without colliding with other packages' default-registry use.
var Registry = prometheus.NewRegistry()

var (
	runsLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestration_kit",
			Subsystem: "engine",
			Name:      "runs_launched_total",
			Help:      "Total phase processes launched in the background, by kit and phase.",
		},
		[]string{"kit", "phase"},
	)

	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestration_kit",
			Subsystem: "engine",
			Name:      "active_processes",
			Help:      "Current number of in-memory tracked launched processes.",
		},
	)

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestration_kit",
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Total MCP tool invocations, by tool name and outcome.",
		},
		[]string{"tool", "status"},
	)

	toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestration_kit",
			Subsystem: "mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of MCP tool invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"tool"},
	)

	cloudInstances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestration_kit",
			Subsystem: "fleet",
			Name:      "cloud_instances_total",
			Help:      "Total cloud instances provisioned, by backend and terminal status.",
		},
		[]string{"backend", "status"},
	)

	reapActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestration_kit",
			Subsystem: "fleet",
			Name:      "reap_actions_total",
			Help:      "Total reaper terminations (or would-terminate dry-run hits), by backend and reason.",
		},
		[]string{"backend", "reason"},
	)

	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestration_kit",
			Subsystem: "fleet",
			Name:      "batch_dispatch_duration_seconds",
			Help:      "Wall-clock duration of a batch dispatch from launch to final status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		runsLaunched,
		activeProcesses,
		toolCalls,
		toolDuration,
		cloudInstances,
		reapActions,
		batchDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordLaunch records one background phase-process launch.
func RecordLaunch(kit, phase string) {
	runsLaunched.WithLabelValues(kit, phase).Inc()
}

// SetActiveProcesses publishes the engine's current in-memory process count.
func SetActiveProcesses(n int) {
	activeProcesses.Set(float64(n))
}

// RecordToolCall records one MCP tool invocation's outcome and duration.
func RecordToolCall(tool, status string, dur time.Duration) {
	toolCalls.WithLabelValues(tool, status).Inc()
	toolDuration.WithLabelValues(tool).Observe(dur.Seconds())
}

// RecordCloudInstance records one cloud instance reaching a terminal status.
func RecordCloudInstance(backend, status string) {
	cloudInstances.WithLabelValues(backend, status).Inc()
}

// RecordReapAction records one reaper termination (or would-terminate hit).
func RecordReapAction(backend, reason string) {
	reapActions.WithLabelValues(backend, reason).Inc()
}

// RecordBatchDispatch records a completed batch's total wall-clock duration.
func RecordBatchDispatch(status string, dur time.Duration) {
	batchDuration.WithLabelValues(status).Observe(dur.Seconds())
}
