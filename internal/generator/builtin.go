package generator

import (
	"bufio"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Counter is an infinite auto-incrementing sequence.
type Counter struct {
	next int64
}

// NewCounter returns a Counter whose first value is start.
func NewCounter(start int64) *Counter {
	return &Counter{next: start}
}

// Next returns the current value and advances the counter.
func (c *Counter) Next() (interface{}, error) {
	v := c.next
	c.next++
	return v, nil
}

// SliceStream is a one-shot stream over a fixed list of values.
type SliceStream struct {
	values []interface{}
	pos    int
}

// FromSlice returns a one-shot Sequencer yielding values in order and then
// ErrExhausted.
func FromSlice(values ...interface{}) *SliceStream {
	return &SliceStream{values: values}
}

// Next returns the next value or ErrExhausted.
func (s *SliceStream) Next() (interface{}, error) {
	if s.pos >= len(s.values) {
		return nil, ErrExhausted
	}
	v := s.values[s.pos]
	s.pos++
	return v, nil
}

// FuncStream adapts a function to Sequencer. The function reports false
// once the stream is exhausted.
type FuncStream func() (interface{}, bool)

// Next calls the function.
func (f FuncStream) Next() (interface{}, error) {
	v, ok := f()
	if !ok {
		return nil, ErrExhausted
	}
	return v, nil
}

// LineSource serves the lines of a text file. Its stream is restartable:
// each call to Stream starts again from the first line. Get looks a line
// up by its zero-based index.
type LineSource struct {
	path  string
	lines []string
}

// NewLineSource reads the whole file at path.
func NewLineSource(path string) (*LineSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening line source %s", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading line source %s", path)
	}
	return &LineSource{path: path, lines: lines}, nil
}

// Len returns the number of lines.
func (l *LineSource) Len() int {
	return len(l.lines)
}

// Stream returns a fresh one-shot stream over the lines.
func (l *LineSource) Stream() Sequencer {
	values := make([]interface{}, len(l.lines))
	for i, line := range l.lines {
		values[i] = line
	}
	return FromSlice(values...)
}

// Get returns the line at the given index.
func (l *LineSource) Get(key string) (interface{}, error) {
	idx, err := strconv.Atoi(key)
	if err != nil {
		return nil, errors.Errorf("line source key %q is not an index", key)
	}
	if idx < 0 || idx >= len(l.lines) {
		return nil, errors.Errorf("line %d out of range (%d lines in %s)", idx, len(l.lines), l.path)
	}
	return l.lines[idx], nil
}
