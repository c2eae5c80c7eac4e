package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the authgateway's
// chi-mounted endpoints.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tieredfs",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var RouterEventsPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tieredfs",
		Subsystem: "router",
		Name:      "events_published_total",
		Help:      "Total number of events published onto a tier subject, by tier.",
	},
	[]string{"tier"},
)

var RouterConsecutiveErrors = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tieredfs",
		Subsystem: "router",
		Name:      "consecutive_errors",
		Help:      "Current consecutive processing-path error count on the router.",
	},
)

var RouterFailHardTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tieredfs",
		Subsystem: "router",
		Name:      "fail_hard_total",
		Help:      "Total number of times the router exited non-zero after 3 consecutive errors.",
	},
)

var WorkerProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tieredfs",
		Subsystem: "worker",
		Name:      "processed_total",
		Help:      "Total number of storage events processed, by tier and outcome.",
	},
	[]string{"tier", "outcome"},
)

var WorkerProcessingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tieredfs",
		Subsystem: "worker",
		Name:      "processing_duration_seconds",
		Help:      "Per-message worker processing duration in seconds, by tier.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 600},
	},
	[]string{"tier"},
)

var WorkerNakStormBackoff = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tieredfs",
		Subsystem: "worker",
		Name:      "nak_storm_backoff_seconds",
		Help:      "Current backoff duration applied after consecutive nak storms, by tier.",
	},
	[]string{"tier"},
)

var EmbeddingsGeneratedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tieredfs",
		Subsystem: "worker",
		Name:      "embeddings_generated_total",
		Help:      "Total number of embedding records generated, by provider.",
	},
	[]string{"provider"},
)

var DeviceFlowPollsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tieredfs",
		Subsystem: "auth",
		Name:      "device_flow_polls_total",
		Help:      "Total number of device-flow token polls, by outcome.",
	},
	[]string{"outcome"},
)

var TokensIssuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tieredfs",
		Subsystem: "auth",
		Name:      "tokens_issued_total",
		Help:      "Total number of access tokens issued, by grant type.",
	},
	[]string{"grant_type"},
)

var McpToolInvocationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tieredfs",
		Subsystem: "mcp",
		Name:      "tool_invocations_total",
		Help:      "Total number of MCP tool invocations, by tool and outcome.",
	},
	[]string{"tool", "outcome"},
)

// All returns all tieredfs-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RouterEventsPublishedTotal,
		RouterConsecutiveErrors,
		RouterFailHardTotal,
		WorkerProcessedTotal,
		WorkerProcessingDuration,
		WorkerNakStormBackoff,
		EmbeddingsGeneratedTotal,
		DeviceFlowPollsTotal,
		TokensIssuedTotal,
		McpToolInvocationsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
