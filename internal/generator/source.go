// Package generator hosts shared test-data generators and exposes them to
// many worker processes through an RPC or HTTP transport.
package generator

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrExhausted is the terminal failure of a sequential stream that has
	// no more data. It is never retried.
	ErrExhausted = errors.New("generator exhausted: no more data")

	// ErrUnsupported is returned when a generator does not implement the
	// requested operation.
	ErrUnsupported = errors.New("operation not supported by generator")
)

// Sequencer produces the next element of a sequential stream.
type Sequencer interface {
	Next() (interface{}, error)
}

// Getter looks up a value by key, independently of any sequential stream.
type Getter interface {
	Get(key string) (interface{}, error)
}

// Streamer is a generator whose sequential stream is created on demand.
// The hosting service calls Stream once and advances the returned
// Sequencer for its whole life.
type Streamer interface {
	Stream() Sequencer
}

// Source is a user generator. It must implement at least one of
// Sequencer, Streamer or Getter, and may implement io.Closer.
type Source interface{}

// Validate checks that src satisfies the generator contract.
func Validate(src Source) error {
	if src == nil {
		return errors.New("generator is nil")
	}
	switch src.(type) {
	case Sequencer, Streamer, Getter:
		return nil
	}
	return errors.Errorf("generator %T implements none of Next, Stream or Get", src)
}

// State owns one generator instance. Next calls are serialized by a mutex
// so concurrent callers observe distinct, monotonically advancing elements.
// Get calls are passed straight through.
type State struct {
	mu  sync.Mutex
	seq Sequencer
	get Getter
	src Source
}

// NewState wraps src after validating it.
func NewState(src Source) (*State, error) {
	if err := Validate(src); err != nil {
		return nil, err
	}

	s := &State{src: src}
	if st, ok := src.(Streamer); ok {
		s.seq = st.Stream()
	} else if seq, ok := src.(Sequencer); ok {
		s.seq = seq
	}
	if g, ok := src.(Getter); ok {
		s.get = g
	}
	return s, nil
}

// Next advances the shared stream.
func (s *State) Next() (interface{}, error) {
	if s.seq == nil {
		return nil, errors.WithMessage(ErrUnsupported, "next")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Next()
}

// Get performs a keyed lookup without touching the stream position.
func (s *State) Get(key string) (interface{}, error) {
	if s.get == nil {
		return nil, errors.WithMessage(ErrUnsupported, "get")
	}
	return s.get.Get(key)
}

// Close releases the generator if it holds resources.
func (s *State) Close() error {
	if c, ok := s.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
