package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/mechanize/internal/config"
	"github.com/wesleyorama2/mechanize/internal/engine"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Run a load test project",
		Long: `Run the project whose config.yaml lives in <project> (or the named file).

Each user group runs its agents for global.run_time seconds. Results are
written to <project>/results/results_<timestamp>/ and a latency summary is
printed when the run ends. Interrupting the run stops every agent after
its current iteration and still writes the results.

Examples:
  mechrun run ./my_project
  mechrun run ./my_project --run-time 60 --rampup 10
  MECH_ISOLATION=goroutine mechrun run ./my_project`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWithOverrides(v, args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []engine.Option{engine.WithVerbose(v.GetBool("verbose"))}
			if !v.GetBool("json") {
				opts = append(opts, engine.WithOutput(cmd.OutOrStdout()))
			}
			if v.GetBool("no-results") {
				opts = append(opts, engine.WithoutResultsDir())
			}

			res, err := engine.New(cfg, opts...).Run(ctx)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return errors.Wrap(err, "encoding result")
				}
			}
			if len(res.Failures) > 0 {
				return errors.Errorf("%d of %d user groups failed", len(res.Failures), len(cfg.UserGroups))
			}
			return nil
		},
	}

	cmd.Flags().Int("run-time", 0, "Override global.run_time (seconds)")
	cmd.Flags().Int("rampup", 0, "Override global.rampup (seconds)")
	cmd.Flags().String("isolation", "", "Override global.isolation (process or goroutine)")
	cmd.Flags().String("transport", "", "Override global.generator_transport (rpc or http)")
	cmd.Flags().Bool("no-results", false, "Do not write a results directory")
	cmd.Flags().Bool("json", false, "Print the run result as JSON instead of the summary table")
	return cmd
}

// loadWithOverrides loads the project config and applies command line
// overrides, validating the result again.
func loadWithOverrides(v *viper.Viper, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	changed := false
	if v.IsSet("run-time") {
		cfg.Global.RunTime = v.GetInt("run-time")
		changed = true
	}
	if v.IsSet("rampup") {
		cfg.Global.Rampup = v.GetInt("rampup")
		changed = true
	}
	if v.IsSet("isolation") {
		cfg.Global.Isolation = v.GetString("isolation")
		changed = true
	}
	if v.IsSet("transport") {
		cfg.Global.GeneratorTransport = v.GetString("transport")
		changed = true
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
