// Package metrics holds the prometheus collectors of the graph server. All
// collectors register with the default registry and are served by
// promhttp.Handler on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opgraph"

var (
	// Requests counts API requests.
	// Labels: endpoint (tiles, base_nodes, consent_labels, ...), code (HTTP status).
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	// TileOutcomes counts tile answers.
	// Labels: outcome (hit, miss, empty, error)
	TileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "outcomes_total",
		Help:      "Tile requests by cache outcome",
	}, []string{"outcome"})

	// UpstreamLatency measures analytical engine round trips.
	// Labels: query (tile, base_nodes), status (ok, error)
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "latency_seconds",
		Help:      "Analytical engine query latency in seconds",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"query", "status"})

	// RateLimited counts requests rejected by the per-client limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter",
	})

	// Sessions tracks connected change-feed sessions.
	// Labels: transport (sse, ws)
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "sessions",
		Help:      "Connected change-feed sessions",
	}, []string{"transport"})

	// EventsPublished counts events accepted by the hub.
	// Labels: type (labels, node_types)
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "events_published_total",
		Help:      "Events published to the hub",
	}, []string{"type"})

	// EventsDropped counts deliveries skipped because a session buffer was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "events_dropped_total",
		Help:      "Events dropped on full session buffers",
	})

	// Notifications counts consent notifications received by the listener.
	// Labels: result (delta, unresolved, malformed)
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "changefeed",
		Name:      "notifications_total",
		Help:      "Consent change notifications by processing result",
	}, []string{"result"})

	// ConsentWrites counts consent level writes.
	// Labels: level
	ConsentWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consent",
		Name:      "writes_total",
		Help:      "Consent level writes by new level",
	}, []string{"level"})
)

// ObserveUpstream records the latency of one engine query started at start.
func ObserveUpstream(query string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	UpstreamLatency.WithLabelValues(query, status).Observe(time.Since(start).Seconds())
}
