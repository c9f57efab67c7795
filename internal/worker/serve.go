package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/mechanize/internal/script"
	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

// TelemetryFDEnv names the descriptor a worker child writes telemetry to.
// ProcessRunner sets it when it passes a dedicated pipe.
const TelemetryFDEnv = "MECH_TELEMETRY_FD"

// TelemetryOutput returns where a worker child writes telemetry. It must be
// called before any transaction runs: without a dedicated descriptor the
// real stdout is kept for telemetry and os.Stdout is pointed at stderr, so
// stray prints from transactions land in the child's log instead.
func TelemetryOutput() (io.WriteCloser, error) {
	v := os.Getenv(TelemetryFDEnv)
	if v == "" {
		out := os.Stdout
		os.Stdout = os.Stderr
		return out, nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s=%q: %w", TelemetryFDEnv, v, err)
	}
	return openTelemetryFD(fd)
}

// Serve is the body of a worker child: it reads a ProcessSpec from in, runs
// the group, and writes its telemetry to out as JSON lines.
func Serve(ctx context.Context, in io.Reader, out io.Writer, reg *script.Registry) error {
	var spec ProcessSpec
	if err := json.NewDecoder(in).Decode(&spec); err != nil {
		return fmt.Errorf("reading worker spec: %w", err)
	}
	if spec.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	stats, err := RunSpec(ctx, spec, reg, telemetry.NewEncoder(out))
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"group":      stats.Name,
		"iterations": stats.Iterations,
	}).Debug("worker done")
	return nil
}
