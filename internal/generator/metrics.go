package generator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records generator service traffic. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics registers the generator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mechanize",
			Subsystem: "generator",
			Name:      "requests_total",
			Help:      "Generator requests served, by generator, operation and outcome.",
		}, []string{"generator", "op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mechanize",
			Subsystem: "generator",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving generator requests, including lock wait for next.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"generator", "op"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

func (m *Metrics) observe(generator, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(generator, op, outcome(err)).Inc()
	m.latency.WithLabelValues(generator, op).Observe(time.Since(start).Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isExhausted(err):
		return "exhausted"
	default:
		return "error"
	}
}
