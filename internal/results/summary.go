package results

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

// Histogram range: 1 microsecond to 1 hour, 3 significant figures.
const (
	histMin     = 1
	histMax     = 3600000000
	histSigFigs = 3
)

// Summary aggregates records into latency histograms per group, per custom
// timer and overall, plus a throughput time series bucketed by Elapsed.
type Summary struct {
	mu       sync.Mutex
	interval time.Duration

	overall *latencyStat
	groups  map[string]*latencyStat
	timers  map[string]*latencyStat
	series  map[int64]int64
	errors  map[string]int64

	firstEpoch float64
	lastEpoch  float64
}

type latencyStat struct {
	hist     *hdrhistogram.Histogram
	count    int64
	failures int64
}

func newLatencyStat() *latencyStat {
	return &latencyStat{hist: hdrhistogram.New(histMin, histMax, histSigFigs)}
}

func (s *latencyStat) record(seconds float64, failed bool) {
	s.count++
	if failed {
		s.failures++
	}
	micros := int64(math.Round(seconds * 1e6))
	if micros < histMin {
		micros = histMin
	}
	if micros > histMax {
		micros = histMax
	}
	// RecordValue only fails outside the range clamped above.
	_ = s.hist.RecordValue(micros)
}

// NewSummary creates a summary whose time series uses interval-wide
// buckets. A zero interval defaults to ten seconds.
func NewSummary(interval time.Duration) *Summary {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Summary{
		interval: interval,
		overall:  newLatencyStat(),
		groups:   make(map[string]*latencyStat),
		timers:   make(map[string]*latencyStat),
		series:   make(map[int64]int64),
		errors:   make(map[string]int64),
	}
}

// Write adds rec. Buckets come from Elapsed, never from arrival order.
func (s *Summary) Write(rec telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := rec.Failed()
	s.overall.record(rec.Duration, failed)

	g, ok := s.groups[rec.Group]
	if !ok {
		g = newLatencyStat()
		s.groups[rec.Group] = g
	}
	g.record(rec.Duration, failed)

	for name, v := range rec.CustomTimers {
		t, ok := s.timers[name]
		if !ok {
			t = newLatencyStat()
			s.timers[name] = t
		}
		t.record(v, false)
	}

	bucket := int64(rec.Elapsed / s.interval.Seconds())
	s.series[bucket]++

	if failed {
		s.errors[rec.Error]++
	}
	if s.firstEpoch == 0 || rec.Epoch < s.firstEpoch {
		s.firstEpoch = rec.Epoch
	}
	if rec.Epoch > s.lastEpoch {
		s.lastEpoch = rec.Epoch
	}
	return nil
}

// Close implements Sink.
func (s *Summary) Close() error {
	return nil
}

// LatencyReport describes one histogram.
type LatencyReport struct {
	Name     string        `json:"name"`
	Count    int64         `json:"count"`
	Failures int64         `json:"failures"`
	Min      time.Duration `json:"min"`
	Mean     time.Duration `json:"mean"`
	P50      time.Duration `json:"p50"`
	P90      time.Duration `json:"p90"`
	P95      time.Duration `json:"p95"`
	P99      time.Duration `json:"p99"`
	Max      time.Duration `json:"max"`
}

// Bucket is one time-series interval.
type Bucket struct {
	Start      time.Duration `json:"start"`
	Count      int64         `json:"count"`
	Throughput float64       `json:"throughput"`
}

// ErrorCount is a distinct error message and how often it occurred.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

// Report is a point-in-time copy of the summary.
type Report struct {
	Overall LatencyReport   `json:"overall"`
	Groups  []LatencyReport `json:"groups"`
	Timers  []LatencyReport `json:"timers"`
	Series  []Bucket        `json:"series"`
	Errors  []ErrorCount    `json:"errors"`

	// WallTime spans the first to the last record's epoch.
	WallTime time.Duration `json:"wall_time"`
}

// Report snapshots the aggregated data. Groups and timers are sorted by
// name, errors by descending count.
func (s *Summary) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{
		Overall:  latencyReport("all", s.overall),
		WallTime: time.Duration((s.lastEpoch - s.firstEpoch) * float64(time.Second)),
	}
	for _, name := range sortedKeys(s.groups) {
		r.Groups = append(r.Groups, latencyReport(name, s.groups[name]))
	}
	for _, name := range sortedKeys(s.timers) {
		r.Timers = append(r.Timers, latencyReport(name, s.timers[name]))
	}

	buckets := make([]int64, 0, len(s.series))
	for b := range s.series {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	for _, b := range buckets {
		n := s.series[b]
		r.Series = append(r.Series, Bucket{
			Start:      time.Duration(b) * s.interval,
			Count:      n,
			Throughput: float64(n) / s.interval.Seconds(),
		})
	}

	for msg, n := range s.errors {
		r.Errors = append(r.Errors, ErrorCount{Message: msg, Count: n})
	}
	sort.Slice(r.Errors, func(i, j int) bool {
		if r.Errors[i].Count != r.Errors[j].Count {
			return r.Errors[i].Count > r.Errors[j].Count
		}
		return r.Errors[i].Message < r.Errors[j].Message
	})
	return r
}

func latencyReport(name string, s *latencyStat) LatencyReport {
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	r := LatencyReport{Name: name, Count: s.count, Failures: s.failures}
	if s.count == 0 {
		return r
	}
	r.Min = us(s.hist.Min())
	r.Mean = time.Duration(s.hist.Mean() * float64(time.Microsecond))
	r.P50 = us(s.hist.ValueAtQuantile(50))
	r.P90 = us(s.hist.ValueAtQuantile(90))
	r.P95 = us(s.hist.ValueAtQuantile(95))
	r.P99 = us(s.hist.ValueAtQuantile(99))
	r.Max = us(s.hist.Max())
	return r
}

func sortedKeys(m map[string]*latencyStat) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
