// Package results holds the consumers of the telemetry channel: the CSV
// results file, the end-of-run latency summary and the Prometheus sink.
package results

import (
	"context"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

// Sink consumes telemetry records on the single consumer goroutine.
type Sink interface {
	Write(rec telemetry.Record) error
	Close() error
}

// Multi fans every record out to all of its sinks.
type Multi []Sink

// Write delivers rec to every sink and aggregates their errors.
func (m Multi) Write(rec telemetry.Record) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Write(rec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every sink.
func (m Multi) Close() error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Consume drains ch into sink until the channel is closed and empty. A
// failing sink is logged and never stops the drain; the number of records
// it rejected is returned.
func Consume(ctx context.Context, ch *telemetry.Channel, sink Sink) (int64, error) {
	var rejected int64
	err := ch.Drain(ctx, func(rec telemetry.Record) error {
		if err := sink.Write(rec); err != nil {
			if rejected == 0 {
				log.WithError(err).Warn("results sink rejected a record")
			}
			rejected++
		}
		return nil
	})
	return rejected, err
}
