package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mechanize/internal/script"
	"github.com/wesleyorama2/mechanize/internal/worker"
)

// newWorkerCommand is the child side of process isolation. It reads one
// group spec from stdin and streams telemetry to the descriptor the parent
// passed.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    worker.WorkerCommand,
		Short:  "Run one user group (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := worker.TelemetryOutput()
			if err != nil {
				return err
			}
			defer out.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return worker.Serve(ctx, os.Stdin, out, script.Default)
		},
	}
}
