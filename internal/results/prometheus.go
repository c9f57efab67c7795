package results

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

// PromSink exports telemetry as Prometheus metrics.
type PromSink struct {
	transactions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	timers       *prometheus.HistogramVec
}

// NewPromSink registers the transaction metrics with reg.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	s := &PromSink{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mechanize_transactions_total",
			Help: "Completed transaction iterations by user group and outcome.",
		}, []string{"group", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mechanize_transaction_duration_seconds",
			Help:    "Transaction iteration duration by user group.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"group"}),
		timers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mechanize_custom_timer_seconds",
			Help:    "Custom timer values reported by transactions.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"group", "timer"}),
	}
	reg.MustRegister(s.transactions, s.duration, s.timers)
	return s
}

// Write records rec.
func (s *PromSink) Write(rec telemetry.Record) error {
	outcome := "ok"
	if rec.Failed() {
		outcome = "error"
	}
	s.transactions.WithLabelValues(rec.Group, outcome).Inc()
	s.duration.WithLabelValues(rec.Group).Observe(rec.Duration)
	for name, v := range rec.CustomTimers {
		s.timers.WithLabelValues(rec.Group, name).Observe(v)
	}
	return nil
}

// Close implements Sink.
func (s *PromSink) Close() error {
	return nil
}
