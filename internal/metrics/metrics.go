// Package metrics exposes the engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so tests can skip registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors recorded by services and the sweeper.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	matches          prometheus.Counter
	pairingConflicts prometheus.Counter
	claimsRepaired   *prometheus.CounterVec
	sweeps           *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	settleDuration   prometheus.Histogram
	ledgerCalls      *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stakematch_requests_total",
			Help: "Match requests by terminal or initial status.",
		}, []string{"status"}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stakematch_matches_created_total",
			Help: "Matches created by the pairing engine.",
		}),
		pairingConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stakematch_pairing_conflicts_total",
			Help: "Pairing attempts that released a claimed candidate.",
		}),
		claimsRepaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stakematch_claims_repaired_total",
			Help: "Orphaned claims finished or released.",
		}, []string{"result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stakematch_sweeper_entries_total",
			Help: "Bucket entries handled by the expiry sweeper.",
		}, []string{"action"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stakematch_settlements_total",
			Help: "Settlement attempts by outcome kind and result.",
		}, []string{"outcome", "result"}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stakematch_settlement_duration_seconds",
			Help:    "Wall time of Settle calls.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stakematch_ledger_calls_total",
			Help: "Ledger calls by method and result.",
		}, []string{"method", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.matches, m.pairingConflicts, m.claimsRepaired,
		m.sweeps, m.settlements, m.settleDuration, m.ledgerCalls,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RequestStatus(status string) {
	if m != nil {
		m.requests.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) MatchCreated() {
	if m != nil {
		m.matches.Inc()
	}
}

func (m *Metrics) PairingConflict() {
	if m != nil {
		m.pairingConflicts.Inc()
	}
}

func (m *Metrics) ClaimRepaired(result string) {
	if m != nil {
		m.claimsRepaired.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Swept(action string) {
	if m != nil {
		m.sweeps.WithLabelValues(action).Inc()
	}
}

// Settlement records one Settle call.
func (m *Metrics) Settlement(outcome, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome, result).Inc()
	m.settleDuration.Observe(took.Seconds())
}

func (m *Metrics) LedgerCall(method string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerCalls.WithLabelValues(method, result).Inc()
}
