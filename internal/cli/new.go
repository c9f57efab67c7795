package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mechanize/internal/config"
)

const (
	scaffoldScript   = "v_user.sh"
	scaffoldSetup    = "setup_env.sh"
	scaffoldTeardown = "teardown_env.sh"
)

var scaffoldConfig = fmt.Sprintf(`global:
  run_time: 30
  rampup: 0
  results_ts_interval: 10
  progress_bar: true
  console_logging: false
  xml_report: false
  pre_run_script: %s
  post_run_script: %s

user_groups:
  - name: user_group-1
    threads: 3
    script: %s
  - name: user_group-2
    threads: 3
    script: %s
`, scaffoldSetup, scaffoldTeardown, scaffoldScript, scaffoldScript)

// The transaction reads one "run" line per iteration and answers with one
// JSON line.
const scaffoldTransaction = `#!/bin/sh
while read -r cmd; do
  start=$(date +%s)
  curl -s -o /dev/null http://www.example.com/ || {
    echo '{"error": "request failed", "custom_timers": {}}'
    continue
  }
  end=$(date +%s)
  echo "{\"error\": \"\", \"custom_timers\": {\"Example_Homepage\": $((end - start))}}"
done
`

const scaffoldHook = `#!/bin/sh
# Runs once per test, from the project directory.
exit 0
`

func newNewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new <project>",
		Short: "Create a new project skeleton",
		Long: `Create <project> with a config.yaml, an example transaction script
and empty setup and teardown hooks. The directory must not exist.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := scaffold(args[0])
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("created"), f)
			}
			return nil
		},
	}
}

// scaffold writes a new project into dir and returns the files it created.
func scaffold(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, errors.Errorf("project %s already exists", dir)
	}
	scripts := filepath.Join(dir, config.ScriptsDirName)
	for _, d := range []string{scripts, filepath.Join(dir, config.GeneratorsDir), filepath.Join(dir, config.ResultsDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating project")
		}
	}

	files := []struct {
		path string
		body string
		mode os.FileMode
	}{
		{filepath.Join(dir, config.FileName), scaffoldConfig, 0o644},
		{filepath.Join(scripts, scaffoldScript), scaffoldTransaction, 0o755},
		{filepath.Join(scripts, scaffoldSetup), scaffoldHook, 0o755},
		{filepath.Join(scripts, scaffoldTeardown), scaffoldHook, 0o755},
	}
	created := make([]string, 0, len(files))
	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.body), f.mode); err != nil {
			return nil, errors.Wrapf(err, "writing %s", f.path)
		}
		created = append(created, f.path)
	}
	return created, nil
}
