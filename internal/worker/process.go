package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/mechanize/internal/generator"
	"github.com/wesleyorama2/mechanize/internal/script"
	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

// ProcessSpec describes one group run. It is what a worker child receives
// on stdin.
type ProcessSpec struct {
	Group GroupConfig `json:"group"`

	// Generator is the endpoint of the group's data generator, if any.
	Generator *generator.Endpoint `json:"generator,omitempty"`

	// ScriptDir is where relative transaction references resolve.
	ScriptDir string `json:"script_dir"`

	Verbose bool `json:"verbose,omitempty"`
}

// Runner executes a group and feeds its telemetry into sink.
type Runner interface {
	RunGroup(ctx context.Context, spec ProcessSpec, sink telemetry.Sink) error
}

// RunSpec resolves the spec's script and generator and runs the group in
// the calling process.
func RunSpec(ctx context.Context, spec ProcessSpec, reg *script.Registry, sink telemetry.Sink) (GroupStats, error) {
	loader := &script.Loader{ScriptDir: spec.ScriptDir, Registry: reg}
	factory, err := loader.Transaction(spec.Group.Script)
	if err != nil {
		return GroupStats{}, fmt.Errorf("group %s: %w", spec.Group.Name, err)
	}

	var gen generator.Client
	if spec.Generator != nil {
		gen, err = generator.Dial(*spec.Generator)
		if err != nil {
			return GroupStats{}, fmt.Errorf("group %s: %w", spec.Group.Name, err)
		}
		defer gen.Close()
	}

	group, err := NewGroup(spec.Group, factory, gen, sink)
	if err != nil {
		return GroupStats{}, err
	}
	if err := group.Run(ctx); err != nil {
		return GroupStats{}, err
	}
	return group.Stats(), nil
}

// InProcessRunner runs groups as goroutines of the current process. Each
// group works on a deep copy of its configuration.
type InProcessRunner struct {
	// Registry defaults to script.Default.
	Registry *script.Registry
}

// RunGroup implements Runner. A panic escaping the group fails only that
// group.
func (r *InProcessRunner) RunGroup(ctx context.Context, spec ProcessSpec, sink telemetry.Sink) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("group %s panicked: %v", spec.Group.Name, p)
		}
	}()
	spec.Group = spec.Group.Copy()
	_, err = RunSpec(ctx, spec, r.Registry, sink)
	return err
}

// WorkerCommand is the hidden subcommand a ProcessRunner invokes.
const WorkerCommand = "worker"

// ProcessRunner runs each group in a child copy of the current binary.
// The spec is written to the child's stdin and telemetry is read back from
// a dedicated pipe. The child's stdout and stderr both carry its logs.
type ProcessRunner struct {
	// Executable defaults to os.Executable().
	Executable string

	// Args default to WorkerCommand.
	Args []string

	// Env is appended to the inherited environment.
	Env []string

	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// RunGroup implements Runner. Cancelling ctx sends the child an interrupt
// so its agents stop after their current iteration; the child is never
// killed.
func (r *ProcessRunner) RunGroup(ctx context.Context, spec ProcessSpec, sink telemetry.Sink) error {
	exe := r.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locating worker executable: %w", err)
		}
	}
	args := r.Args
	if len(args) == 0 {
		args = []string{WorkerCommand}
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding spec for group %s: %w", spec.Group.Name, err)
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stream, release, err := attachTelemetry(cmd)
	if err != nil {
		return fmt.Errorf("group %s: %w", spec.Group.Name, err)
	}
	defer stream.Close()

	err = cmd.Start()
	release()
	if err != nil {
		return fmt.Errorf("starting worker for group %s: %w", spec.Group.Name, err)
	}

	logger := log.WithFields(log.Fields{"group": spec.Group.Name, "pid": cmd.Process.Pid})
	logger.Debug("worker process started")

	n, pumpErr := telemetry.Pump(stream, sink)
	if pumpErr != nil {
		// Drain so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stream)
	}
	waitErr := cmd.Wait()

	logger.WithField("records", n).Debug("worker process exited")

	if waitErr != nil && ctx.Err() == nil {
		return fmt.Errorf("worker for group %s: %w", spec.Group.Name, waitErr)
	}
	if pumpErr != nil {
		return fmt.Errorf("telemetry from group %s: %w", spec.Group.Name, pumpErr)
	}
	return nil
}
