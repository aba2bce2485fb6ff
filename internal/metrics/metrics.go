// Package metrics declares the Prometheus collectors exported on /metrics.
// Collectors are registered on the default registry at init via promauto.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "leveragebot"

// ValidationsTotal counts pre-trade decisions by outcome ("approved" or a
// rejection reason).
var ValidationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "validations_total",
		Help:      "Pre-trade validations by outcome",
	},
	[]string{"outcome"},
)

// RiskScore observes the composite risk score of every validated request.
var RiskScore = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "risk_score",
		Help:      "Composite risk score of validated requests",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	},
)

// ExecutionsTotal counts simulated fills and closes by kind and status.
var ExecutionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "executions_total",
		Help:      "Execution outcomes by kind and status",
	},
	[]string{"kind", "status"},
)

// ExecutionLatency observes fill latency in milliseconds.
var ExecutionLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "execution_latency_ms",
		Help:      "Simulated fill latency in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
	},
)

// RealizedPnL tracks cumulative realized P&L from closed orders.
var RealizedPnL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "realized_pnl_total",
		Help:      "Cumulative realized P&L of closed orders",
	},
)

// ActionsTotal counts lifecycle actions by action and result.
var ActionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "actions_total",
		Help:      "Lifecycle actions by kind and result",
	},
	[]string{"action", "result"},
)

// TickDuration observes the wall time of one monitor pass.
var TickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one position-monitor pass",
		Buckets:   prometheus.DefBuckets,
	},
)

// ActivePositions is the size of the tracked position set.
var ActivePositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "active_positions",
		Help:      "Positions currently tracked by the engine",
	},
)

// FeedFailures counts price and cluster fetch failures.
var FeedFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "feed_failures_total",
		Help:      "Feed failures by source",
	},
	[]string{"source"},
)

// Degraded is 1 while the engine reports degraded health.
var Degraded = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "degraded",
		Help:      "1 when the engine is running in degraded mode",
	},
)

// AlertsDropped counts alerts discarded because the dispatch buffer was full.
var AlertsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "alerts_dropped_total",
		Help:      "Alerts dropped on a full dispatch buffer",
	},
)

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by route and status code",
	},
	[]string{"route", "code"},
)

// HTTPDuration observes API request latency by route.
var HTTPDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency by route",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route"},
)

// WSClients is the number of connected websocket clients.
var WSClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "ws_clients",
		Help:      "Connected websocket clients",
	},
)

// RecordValidation records one validator decision.
func RecordValidation(outcome string, score float64) {
	ValidationsTotal.WithLabelValues(outcome).Inc()
	RiskScore.Observe(score)
}

// RecordExecution records one fill or close outcome.
func RecordExecution(kind, status string, latency time.Duration) {
	ExecutionsTotal.WithLabelValues(kind, status).Inc()
	if latency > 0 {
		ExecutionLatency.Observe(float64(latency.Microseconds()) / 1000)
	}
}

// RecordAction records one lifecycle action.
func RecordAction(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ActionsTotal.WithLabelValues(action, result).Inc()
}

// SetDegraded flips the degraded gauge.
func SetDegraded(degraded bool) {
	if degraded {
		Degraded.Set(1)
		return
	}
	Degraded.Set(0)
}

// RecordHTTP records one API request.
func RecordHTTP(route, code string, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(route, code).Inc()
	HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
