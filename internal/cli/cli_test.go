package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mechanize/internal/config"
	"github.com/wesleyorama2/mechanize/internal/engine"
	"github.com/wesleyorama2/mechanize/internal/results"
	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRoot_HelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"run", "serve", "report", "new"} {
		assert.Contains(t, out, name)
	}
	assert.NotContains(t, out, "worker")
}

func TestNew_ScaffoldsLoadableProject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "demo")

	out, err := execute(t, "new", dir, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "created")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.UserGroups, 2)
	assert.Equal(t, 6, cfg.TotalThreads())

	info, err := os.Stat(filepath.Join(cfg.ScriptDir(), scaffoldScript))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "transaction script is executable")
	assert.DirExists(t, cfg.GeneratorDir())

	_, err = execute(t, "new", dir)
	assert.ErrorContains(t, err, "already exists")
}

func TestLoadWithOverrides(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "demo")
	_, err := scaffold(dir)
	require.NoError(t, err)

	t.Setenv("MECH_RUN_TIME", "5")
	t.Setenv("MECH_ISOLATION", "goroutine")
	cfg, err := loadWithOverrides(newViper(), dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Global.RunTime)
	assert.Equal(t, 0, cfg.Global.Rampup)
	assert.Equal(t, config.IsolationGoroutine, cfg.Global.Isolation)

	t.Setenv("MECH_TRANSPORT", "carrier-pigeon")
	_, err = loadWithOverrides(newViper(), dir)
	var verrs *config.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.True(t, verrs.Has("global.generator_transport"))
}

func TestReport_RebuildsFromResultsDir(t *testing.T) {
	dir, err := results.CreateRunDir(t.TempDir(), time.Now(), config.FileName, []byte(`
global: {run_time: 30, rampup: 0, results_ts_interval: 5}
user_groups: [{name: g, threads: 1, script: s}]
`))
	require.NoError(t, err)

	w, err := results.NewCSVWriter(filepath.Join(dir, results.CSVFileName), nil)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		rec := telemetry.Record{Elapsed: float64(i), Epoch: 1700000000 + float64(i), Group: "g", Duration: 0.05}
		if i%4 == 0 {
			rec.Error = "timeout"
		}
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())

	out, err := execute(t, "report", dir, "--json")
	require.NoError(t, err)

	var report results.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, int64(12), report.Overall.Count)
	assert.Equal(t, int64(3), report.Overall.Failures)
	require.Len(t, report.Series, 3, "interval taken from the saved config")
	assert.Equal(t, 5*time.Second, report.Series[1].Start)

	out, err = execute(t, "report", dir, "--interval", "20", "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "timeout")

	_, err = execute(t, "report", t.TempDir())
	assert.ErrorContains(t, err, "opening results")
}

func TestRun_GoroutineIsolationEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full one second test")
	}
	if runtime.GOOS == "windows" {
		t.Skip("exec transactions need a POSIX shell")
	}

	dir := filepath.Join(t.TempDir(), "demo")
	_, err := scaffold(dir)
	require.NoError(t, err)
	fast := "#!/bin/sh\nwhile read -r cmd; do sleep 0.1; echo '{\"error\": \"\", \"custom_timers\": {\"step\": 0.1}}'; done\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ScriptsDirName, scaffoldScript), []byte(fast), 0o755))

	out, err := execute(t, "run", dir, "--isolation", "goroutine", "--run-time", "1", "--json")
	require.NoError(t, err)

	var res engine.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Empty(t, res.Failures)
	assert.Greater(t, res.Records, int64(30), "six agents at ten iterations a second")
	require.Len(t, res.Report.Timers, 1)
	assert.Equal(t, "step", res.Report.Timers[0].Name)
	assert.FileExists(t, filepath.Join(res.Dir, results.CSVFileName))
}
