package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records pool and consensus activity for Prometheus scraping.
// All Record helpers are nil-safe so a pool built without metrics skips
// recording entirely.
type Metrics struct {
	rounds    *prometheus.CounterVec
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	agreement prometheus.Histogram
	spend     prometheus.Counter
}

// NewMetrics registers pool metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_dispatch_rounds_total",
			Help: "Dispatch rounds by outcome.",
		}, []string{"outcome"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_provider_calls_total",
			Help: "Provider invocations by result.",
		}, []string{"provider", "result"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concord_provider_latency_seconds",
			Help:    "Provider call latency, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		agreement: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "concord_consensus_agreement",
			Help:    "Mean pairwise agreement per analyzed round.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		spend: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_spend_dollars_total",
			Help: "Accumulated provider spend.",
		}),
	}
}

// RecordRound counts one finished dispatch round.
func (m *Metrics) RecordRound(outcome string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(outcome).Inc()
}

// RecordCall counts one provider invocation and observes its latency.
func (m *Metrics) RecordCall(provider, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(provider, result).Inc()
	m.latency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordAgreement observes the agreement score of one analyzed round.
func (m *Metrics) RecordAgreement(score float64) {
	if m == nil {
		return
	}
	m.agreement.Observe(score)
}

// RecordSpend accumulates actual provider cost.
func (m *Metrics) RecordSpend(dollars float64) {
	if m == nil {
		return
	}
	m.spend.Add(dollars)
}
