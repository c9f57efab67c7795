//go:build !windows

package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// telemetryFD is the descriptor a worker child writes telemetry to. It is
// the first of the child's ExtraFiles.
const telemetryFD = 3

// attachTelemetry gives the child a dedicated telemetry pipe on fd 3 and
// sends the child's stdout to its stderr. release closes the parent's copy
// of the write end and must be called once the child has started.
func attachTelemetry(cmd *exec.Cmd) (r io.ReadCloser, release func(), err error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating telemetry pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{pw}
	cmd.Env = append(cmd.Env, TelemetryFDEnv+"="+strconv.Itoa(telemetryFD))
	cmd.Stdout = cmd.Stderr
	return pr, func() { pw.Close() }, nil
}

func openTelemetryFD(fd int) (io.WriteCloser, error) {
	// Keep the pipe out of processes spawned by transactions.
	syscall.CloseOnExec(fd)
	f := os.NewFile(uintptr(fd), "telemetry")
	if f == nil {
		return nil, fmt.Errorf("telemetry descriptor %d is not open", fd)
	}
	return f, nil
}
