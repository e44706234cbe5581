package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the Prometheus instruments exposed on /metrics. Each daemon
// instance owns its own registry so tests never collide on the global one.
type Registry struct {
	reg *prometheus.Registry

	DecisionsTotal    *prometheus.CounterVec
	SpendUSDTotal     *prometheus.CounterVec
	SwitchesTotal     *prometheus.CounterVec
	TurnFailuresTotal *prometheus.CounterVec
	TruncationsTotal  prometheus.Counter
	RateLimitedTotal  prometheus.Counter
	RemainingUSD      *prometheus.GaugeVec
	HookLatency       *prometheus.HistogramVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "budgetchain_decisions_total",
			Help: "Routing decisions by action and provider",
		}, []string{"action", "provider"}),
		SpendUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "budgetchain_spend_usd_total",
			Help: "Estimated USD spend recorded against providers",
		}, []string{"provider", "model"}),
		SwitchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "budgetchain_switches_total",
			Help: "Provider switches by reason",
		}, []string{"from", "to", "reason"}),
		TurnFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "budgetchain_turn_failures_total",
			Help: "Failed turns by provider and failure reason",
		}, []string{"provider", "reason"}),
		TruncationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budgetchain_truncations_total",
			Help: "Session log truncation passes that rewrote the log",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budgetchain_rate_limited_total",
			Help: "Requests rejected with 429 by the rate limiter",
		}),
		RemainingUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "budgetchain_remaining_usd",
			Help: "Remaining daily budget per provider",
		}, []string{"provider"}),
		HookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "budgetchain_hook_latency_ms",
			Help:    "Hook handler latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"hook"}),
	}
	reg.MustRegister(
		m.DecisionsTotal,
		m.SpendUSDTotal,
		m.SwitchesTotal,
		m.TurnFailuresTotal,
		m.TruncationsTotal,
		m.RateLimitedTotal,
		m.RemainingUSD,
		m.HookLatency,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
