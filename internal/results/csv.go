package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

// CSVFileName is the results file inside a run directory.
const CSVFileName = "results.csv"

// CSVWriter appends one line per record:
//
//	count,elapsed,epoch,group,duration,error,{"timer":seconds}
//
// Error messages are already stripped of commas, so only the trailing
// timers object may contain them.
type CSVWriter struct {
	file  *os.File
	w     *bufio.Writer
	echo  io.Writer
	count int64
}

// NewCSVWriter creates path and its parent directories. When echo is not
// nil every line is also written to it.
func NewCSVWriter(path string, echo io.Writer) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating results directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating results file")
	}
	return &CSVWriter{file: f, w: bufio.NewWriter(f), echo: echo}, nil
}

// Write appends rec.
func (c *CSVWriter) Write(rec telemetry.Record) error {
	c.count++
	line, err := FormatLine(c.count, rec)
	if err != nil {
		return err
	}
	if _, err := c.w.WriteString(line); err != nil {
		return errors.Wrap(err, "writing results")
	}
	if c.echo != nil {
		_, _ = io.WriteString(c.echo, line)
	}
	return nil
}

// Count returns the number of lines written.
func (c *CSVWriter) Count() int64 {
	return c.count
}

// Close flushes and closes the file.
func (c *CSVWriter) Close() error {
	if err := c.w.Flush(); err != nil {
		_ = c.file.Close()
		return errors.Wrap(err, "flushing results")
	}
	return c.file.Close()
}

// FormatLine renders rec as a results line, newline included.
func FormatLine(count int64, rec telemetry.Record) (string, error) {
	timers := rec.CustomTimers
	if timers == nil {
		timers = map[string]float64{}
	}
	encoded, err := json.Marshal(timers)
	if err != nil {
		return "", errors.Wrap(err, "encoding custom timers")
	}
	return fmt.Sprintf("%d,%.3f,%d,%s,%f,%s,%s\n",
		count, rec.Elapsed, int64(rec.Epoch), rec.Group, rec.Duration, rec.Error, encoded), nil
}

// ParseLine is the inverse of FormatLine, without the count.
func ParseLine(line string) (telemetry.Record, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), ",", 7)
	if len(parts) != 7 {
		return telemetry.Record{}, errors.Errorf("results line has %d fields, want 7", len(parts))
	}

	var rec telemetry.Record
	var err error
	if rec.Elapsed, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return rec, errors.Wrap(err, "elapsed")
	}
	if rec.Epoch, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return rec, errors.Wrap(err, "epoch")
	}
	rec.Group = parts[3]
	if rec.Duration, err = strconv.ParseFloat(parts[4], 64); err != nil {
		return rec, errors.Wrap(err, "duration")
	}
	rec.Error = parts[5]
	if err := json.Unmarshal([]byte(parts[6]), &rec.CustomTimers); err != nil {
		return rec, errors.Wrap(err, "custom timers")
	}
	return rec, nil
}

// ReadCSV feeds every line of a results file to fn.
func ReadCSV(r io.Reader, fn func(telemetry.Record) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		rec, err := ParseLine(scanner.Text())
		if err != nil {
			return errors.WithMessagef(err, "line %d", lineNo)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return errors.Wrap(scanner.Err(), "reading results")
}
