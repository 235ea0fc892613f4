/*
Package metrics exposes Prometheus collectors for the wallet engine.

PURPOSE:
  Counters for mutation outcomes (the signal that matters: how often do
  policy checks fire, how often do retries replay) and a histogram for
  HTTP latency. Registered via promauto on the default registry; the
  API serves them at /metrics.

SEE ALSO:
  - api/server.go: Mounts the /metrics handler and the HTTP middleware
  - api/handlers.go: Records mutation outcomes
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// MUTATION METRICS
// =============================================================================

var (
	// MutationsTotal counts gateway operations by op and outcome.
	// op: expense | income | reverse | amend
	// outcome: committed | replayed | validation | policy |
	//          insufficient_funds | conflict | not_found | error
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet",
		Name:      "mutations_total",
		Help:      "Gateway mutations by operation and outcome.",
	}, []string{"op", "outcome"})

	// RecomputesTotal counts projection cache repairs.
	RecomputesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wallet",
		Name:      "recomputes_total",
		Help:      "Projection cache recomputations (full ledger replays).",
	})
)

// =============================================================================
// HTTP METRICS
// =============================================================================

var (
	// HTTPDuration observes request latency by route pattern and status class.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wallet",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
)
