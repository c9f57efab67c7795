package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

// EnvPrefix prefixes environment overrides for every flag, e.g.
// MECH_RUN_TIME for --run-time.
const EnvPrefix = "MECH"

// NewRootCommand builds the command tree. Flags are bound to a fresh viper
// instance so each tree can be executed independently.
func NewRootCommand() *cobra.Command {
	v := newViper()

	root := &cobra.Command{
		Use:     "mechrun",
		Short:   "A multi-process load testing engine",
		Version: version,
		Long: `mechrun runs load tests described by a project directory: a config.yaml
naming user groups of concurrent agents, the transaction script each agent
repeats, and optional data generators shared by all agents.`,
		SilenceUsage: true,
		// Flags are bound per invocation so commands may share flag names.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			setupLogging(v.GetBool("verbose"))
			if v.GetBool("no-color") {
				color.NoColor = true
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	root.AddCommand(
		newRunCommand(v),
		newServeCommand(v),
		newReportCommand(v),
		newNewCommand(),
		newWorkerCommand(),
	)
	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Execute runs the command line.
func Execute() error {
	return NewRootCommand().Execute()
}

// Main runs the command line and returns the process exit code.
func Main() int {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		return 1
	}
	return 0
}

// setupLogging configures logrus for the whole process. Logs always go to
// stderr: stdout carries results lines and reports.
func setupLogging(verbose bool) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
