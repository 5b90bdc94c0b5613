// Package metrics holds the Prometheus collectors shared by veil components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "veil"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live profile sessions in the pool.",
	})

	SessionOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_opens_total",
		Help:      "Opens that did not reuse a live session, by outcome (ok, locked, port_conflict, timeout, error).",
	}, []string{"outcome"})

	PoolEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_evictions_total",
		Help:      "Sessions removed from the pool by reason (closed, removed, shutdown).",
	}, []string{"reason"})

	ContextResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "context_resolutions_total",
		Help:      "Execution context resolutions by world and outcome.",
	}, []string{"world", "outcome"})

	ContextResolutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "context_resolution_seconds",
		Help:      "Time spent resolving an execution context.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"world"})

	ContextInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "context_invalidations_total",
		Help:      "Navigation commits that cleared resolved execution contexts.",
	})

	FingerprintInjections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fingerprint_injections_total",
		Help:      "Identity overrides applied to targets by target type and outcome.",
	}, []string{"target_type", "outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
