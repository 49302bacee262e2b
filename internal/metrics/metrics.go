// Package metrics exposes the gate's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChecksTotal counts resolved decision calls by decision.
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svcgate",
		Name:      "checks_total",
		Help:      "Decision service checks by resolved decision.",
	}, []string{"decision"})

	// ChecksInFlight tracks decision calls currently outstanding.
	ChecksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "svcgate",
		Name:      "checks_in_flight",
		Help:      "Decision service checks currently outstanding.",
	})

	// ReportsTotal counts emitted usage reports by outcome.
	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svcgate",
		Name:      "reports_total",
		Help:      "Usage reports emitted by request outcome.",
	}, []string{"outcome"})

	// ReportsDropped counts reports dropped because the dispatch queue was full.
	ReportsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "svcgate",
		Name:      "reports_dropped_total",
		Help:      "Usage reports dropped due to a full dispatch queue.",
	})

	// BufferedBytes tracks request bytes currently buffered awaiting decisions.
	BufferedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "svcgate",
		Name:      "buffered_bytes",
		Help:      "Request body bytes buffered while decisions are pending.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
