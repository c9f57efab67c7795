package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Encoder writes records as JSON lines. It is the producer end of the
// channel inside a worker process; every record is flushed before Put
// returns so nothing is buffered when the process exits.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	return &Encoder{w: bw, enc: json.NewEncoder(bw)}
}

// Put encodes one record and flushes it.
func (e *Encoder) Put(r Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(r); err != nil {
		return fmt.Errorf("encoding telemetry record: %w", err)
	}
	return e.w.Flush()
}

// maxLine bounds one encoded record.
const maxLine = 1 << 20

// Pump decodes JSON-line records from r into sink until r reaches EOF.
// Lines that are not records are logged and skipped. It returns the number
// of records forwarded.
func Pump(r io.Reader, sink Sink) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.WithError(err).WithField("line", truncate(string(line), 120)).Warn("skipping malformed telemetry line")
			continue
		}
		if err := sink.Put(rec); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading telemetry stream: %w", err)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
