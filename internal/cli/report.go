package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/mechanize/internal/config"
	"github.com/wesleyorama2/mechanize/internal/results"
)

func newReportCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <results-dir>",
		Short: "Rebuild the summary of a finished run",
		Long: `Re-read results.csv from a run directory and print its latency summary.
The time-series interval comes from the config.yaml saved with the run
unless --interval is given.

Example:
  mechrun report ./my_project/results/results_2024.03.09_14.05.07`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := rebuildReport(args[0], v.GetInt("interval"))
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return errors.Wrap(enc.Encode(report), "encoding report")
			}
			results.Print(cmd.OutOrStdout(), report, results.PrintOptions{Series: true})
			return nil
		},
	}

	cmd.Flags().Int("interval", 0, "Time-series interval in seconds")
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

// rebuildReport replays a run directory's results file through a Summary.
func rebuildReport(dir string, interval int) (results.Report, error) {
	if interval <= 0 {
		interval = config.DefaultInterval
		if data, err := os.ReadFile(filepath.Join(dir, config.FileName)); err == nil {
			if cfg, err := config.Parse(data); err == nil {
				interval = cfg.Global.ResultsTSInterval
			}
		}
	}

	f, err := os.Open(filepath.Join(dir, results.CSVFileName))
	if err != nil {
		return results.Report{}, errors.Wrap(err, "opening results")
	}
	defer f.Close()

	summary := results.NewSummary(time.Duration(interval) * time.Second)
	if err := results.ReadCSV(f, summary.Write); err != nil {
		return results.Report{}, err
	}
	return summary.Report(), nil
}
