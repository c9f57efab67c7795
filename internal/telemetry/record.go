// Package telemetry carries per-iteration measurements from agents to the
// results aggregator.
package telemetry

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Record is the measurement emitted once per completed agent iteration.
//
// Records are immutable once produced. Producers do not agree on any
// ordering, so consumers must bucket by Elapsed and never by arrival order.
type Record struct {
	// Elapsed is the number of seconds since the owning group started.
	Elapsed float64

	// Epoch is the wall-clock time the iteration finished, in Unix seconds.
	Epoch float64

	// Group is the user group name.
	Group string

	// Duration is the iteration's run time in seconds.
	Duration float64

	// Error is the sanitized error message, empty on success.
	Error string

	// CustomTimers is a snapshot of the transaction's custom timers.
	CustomTimers map[string]float64
}

// Failed reports whether the iteration ended with an error.
func (r Record) Failed() bool {
	return r.Error != ""
}

// MarshalJSON encodes the record as the ordered tuple
// [elapsed, epoch, group, duration, error, custom_timers].
func (r Record) MarshalJSON() ([]byte, error) {
	timers := r.CustomTimers
	if timers == nil {
		timers = map[string]float64{}
	}
	return json.Marshal([]interface{}{r.Elapsed, r.Epoch, r.Group, r.Duration, r.Error, timers})
}

// UnmarshalJSON decodes the ordered tuple produced by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errors.Wrap(err, "telemetry record is not a tuple")
	}
	if len(fields) != 6 {
		return errors.Errorf("telemetry record has %d fields, want 6", len(fields))
	}

	var out Record
	targets := []interface{}{&out.Elapsed, &out.Epoch, &out.Group, &out.Duration, &out.Error, &out.CustomTimers}
	for i, target := range targets {
		if err := json.Unmarshal(fields[i], target); err != nil {
			return errors.Wrapf(err, "telemetry record field %d", i)
		}
	}
	*r = out
	return nil
}

var errorSanitizer = strings.NewReplacer(",", "", "\r", " ", "\n", " ")

// SanitizeError strips characters that would break a comma-delimited,
// line-oriented results sink.
func SanitizeError(msg string) string {
	return errorSanitizer.Replace(msg)
}

// EpochSeconds converts t to fractional Unix seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
