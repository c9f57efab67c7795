package telemetry

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Put once the channel has been closed.
var ErrClosed = errors.New("telemetry channel closed")

// Sink accepts records from producers. Implementations must be safe for
// concurrent use.
type Sink interface {
	Put(Record) error
}

// Channel is an unbounded multi-producer, single-consumer FIFO queue.
//
// Put never blocks on the consumer: records are appended to an in-memory
// queue and the consumer is woken up. After Close, Drain delivers every
// record that was accepted and then returns.
type Channel struct {
	mu     sync.Mutex
	queue  []Record
	closed bool
	puts   int64

	// ready has capacity one and coalesces wake-ups for the consumer.
	ready chan struct{}
}

// NewChannel creates an empty open channel.
func NewChannel() *Channel {
	return &Channel{ready: make(chan struct{}, 1)}
}

// Put enqueues a record.
func (c *Channel) Put(r Record) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, r)
	c.puts++
	c.mu.Unlock()

	c.wake()
	return nil
}

// Close stops accepting records. Records already queued are still drained.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wake()
}

// Len returns the number of queued, undelivered records.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Accepted returns the total number of records accepted by Put.
func (c *Channel) Accepted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

func (c *Channel) wake() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Drain delivers records to fn in FIFO order until the channel is closed
// and empty, fn fails, or ctx is done. Only one goroutine may drain.
func (c *Channel) Drain(ctx context.Context, fn func(Record) error) error {
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		closed := c.closed
		c.mu.Unlock()

		for _, r := range batch {
			if err := fn(r); err != nil {
				return err
			}
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ready:
		}
	}
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Record) error

// Put calls f(r).
func (f SinkFunc) Put(r Record) error {
	return f(r)
}
