package gateway

import (
	"time"

	"github.com/polycrawl/paygate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	fetches    *prometheus.CounterVec
	duration   prometheus.Histogram
	settled    *prometheus.CounterVec
	holdsSwept prometheus.Counter
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_fetch_requests_total",
			Help: "Fetch requests by outcome and settlement path.",
		}, []string{"outcome", "settlement"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "paygate_fetch_duration_seconds",
			Help:    "Time spent in the fetch pipeline.",
			Buckets: prometheus.DefBuckets,
		}),
		settled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_settled_amount_micros_total",
			Help: "Settled spend in micro-units by settlement path.",
		}, []string{"settlement"}),
		holdsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_holds_swept_total",
			Help: "Open holds released by the sweeper.",
		}),
	}
}

func (m *Metrics) fetch(outcome, settlement string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome, settlement).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) settle(settlement string, amount paygate.Amount) {
	if m == nil || amount <= 0 {
		return
	}
	m.settled.WithLabelValues(settlement).Add(float64(amount))
}

func (m *Metrics) swept() {
	if m == nil {
		return
	}
	m.holdsSwept.Inc()
}
