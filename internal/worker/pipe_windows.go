//go:build windows

package worker

import (
	"fmt"
	"io"
	"os/exec"
)

// attachTelemetry reads telemetry from the child's stdout. Inherited
// descriptors beyond the standard three are not available on Windows.
func attachTelemetry(cmd *exec.Cmd) (r io.ReadCloser, release func(), err error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	return stdout, func() {}, nil
}

func openTelemetryFD(fd int) (io.WriteCloser, error) {
	return nil, fmt.Errorf("telemetry descriptor %d: not supported on windows", fd)
}
