package cli

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/mechanize/internal/control"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <project>",
		Short: "Serve a project over the HTTP control API",
		Long: `Start a long-running control server for <project>. Runs are started
remotely and the project's generator services stay up between runs.

Endpoints:
  GET    /status    is a run in progress, and the latest run
  GET    /config    the active configuration
  PUT    /config    replace config.yaml
  POST   /run       start a run
  DELETE /run       interrupt the current run
  GET    /runs/:id  a run's state and result
  GET    /metrics   Prometheus metrics`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := control.New(args[0], control.Options{
				Output:  cmd.OutOrStdout(),
				Verbose: v.GetBool("verbose"),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr := net.JoinHostPort(v.GetString("bind"), strconv.Itoa(v.GetInt("port")))
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringP("bind", "b", "localhost", "Address to listen on")
	cmd.Flags().IntP("port", "p", 9001, "Port to listen on")
	return cmd
}
