package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mechanize/internal/config"
	"github.com/wesleyorama2/mechanize/internal/generator"
	"github.com/wesleyorama2/mechanize/internal/results"
	"github.com/wesleyorama2/mechanize/internal/script"
	"github.com/wesleyorama2/mechanize/internal/telemetry"
	"github.com/wesleyorama2/mechanize/internal/worker"
)

func testRegistry() *script.Registry {
	reg := script.NewRegistry()
	reg.RegisterTransaction("pull", func(env *script.Env) (script.Transaction, error) {
		return script.TransactionFunc(func(ctx context.Context) error {
			v, err := env.Generator.Next(ctx)
			if err != nil {
				return err
			}
			env.CustomTimers["id"] = v.(float64)
			time.Sleep(50 * time.Millisecond)
			return nil
		}), nil
	})
	reg.RegisterTransaction("fail", func(env *script.Env) (script.Transaction, error) {
		return script.TransactionFunc(func(context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return assert.AnError
		}), nil
	})
	return reg
}

func writeProject(t *testing.T, yaml string, scripts map[string]string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, config.ScriptsDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(yaml), 0o644))
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, config.ScriptsDirName, name), []byte(body), 0o755))
	}
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return cfg
}

const projectYAML = `
global:
  run_time: 1
  rampup: 0
  isolation: goroutine
  generator_transport: %s
  flush_delay: 50ms
  pre_run_script: pre.sh
  post_run_script: post.sh
generators:
  ids: builtin:counter
user_groups:
  - name: pullers
    threads: 2
    script: pull
    generator: ids
  - name: failers
    threads: 1
    script: fail
`

const hookScript = "#!/bin/sh\ntouch \"$(basename \"$0\").ran\"\n"

func TestEngine_Run(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full one second test")
	}
	for _, transport := range []string{"rpc", "http"} {
		t.Run(transport, func(t *testing.T) {
			cfg := writeProject(t, strings.Replace(projectYAML, "%s", transport, 1), map[string]string{
				"pre.sh":  hookScript,
				"post.sh": hookScript,
			})

			var out bytes.Buffer
			res, err := New(cfg, WithRegistry(testRegistry()), WithOutput(&out)).Run(context.Background())
			require.NoError(t, err)

			assert.NotEmpty(t, res.RunID)
			assert.Empty(t, res.Failures)
			assert.False(t, res.Interrupted)
			assert.Greater(t, res.Records, int64(10))
			assert.Equal(t, res.Records, res.Report.Overall.Count)
			require.Len(t, res.Report.Groups, 2)
			assert.Equal(t, res.Report.Groups[0].Count, res.Report.Groups[0].Failures, "failers always fail")
			assert.Zero(t, res.Report.Groups[1].Failures)
			assert.Contains(t, out.String(), "pullers")

			assert.FileExists(t, filepath.Join(cfg.BaseDir, "pre.sh.ran"))
			assert.FileExists(t, filepath.Join(cfg.BaseDir, "post.sh.ran"))

			require.True(t, strings.HasPrefix(res.Dir, cfg.ResultsDir()))
			assert.FileExists(t, filepath.Join(res.Dir, config.FileName))
			assert.FileExists(t, filepath.Join(res.Dir, results.ManifestFileName))

			// Every counter value is handed out once across both agents.
			seen := map[float64]bool{}
			f, err := os.Open(filepath.Join(res.Dir, results.CSVFileName))
			require.NoError(t, err)
			defer f.Close()
			var lines int64
			require.NoError(t, results.ReadCSV(f, func(rec telemetry.Record) error {
				lines++
				if id, ok := rec.CustomTimers["id"]; ok {
					assert.False(t, seen[id], "id %v handed out twice", id)
					seen[id] = true
				}
				return nil
			}))
			assert.Equal(t, res.Records, lines)
			assert.Equal(t, res.Report.Groups[1].Count, int64(len(seen)))
		})
	}
}

func TestEngine_MissingScriptFailsBeforeStart(t *testing.T) {
	cfg := writeProject(t, `
global: {run_time: 1, rampup: 0, isolation: goroutine, pre_run_script: pre.sh}
user_groups:
  - {name: a, threads: 1, script: nope}
  - {name: b, threads: 1, script: "exec:gone.sh"}
`, map[string]string{"pre.sh": hookScript})

	_, err := New(cfg, WithRegistry(testRegistry())).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nope"`)
	assert.Contains(t, err.Error(), "gone.sh")
	assert.NoFileExists(t, filepath.Join(cfg.BaseDir, "pre.sh.ran"))
	assert.NoDirExists(t, cfg.ResultsDir())
}

func TestEngine_BadGeneratorFailsBeforeStart(t *testing.T) {
	cfg := writeProject(t, `
global: {run_time: 1, rampup: 0, isolation: goroutine}
generators:
  ids: "lines:missing.txt"
user_groups:
  - {name: a, threads: 1, script: pull, generator: ids}
`, nil)

	_, err := New(cfg, WithRegistry(testRegistry())).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generator ids")
}

type stubRunner struct {
	calls atomic.Int32
	specs chan worker.ProcessSpec
}

func (s *stubRunner) RunGroup(_ context.Context, spec worker.ProcessSpec, sink telemetry.Sink) error {
	s.calls.Add(1)
	s.specs <- spec
	if spec.Group.Name == "broken" {
		return assert.AnError
	}
	return sink.Put(telemetry.Record{Group: spec.Group.Name, Duration: 0.01})
}

func TestEngine_GroupFailureIsRecorded(t *testing.T) {
	cfg := writeProject(t, `
global: {run_time: 5, rampup: 2, flush_delay: 1ms}
user_group_global: {env: staging}
user_groups:
  - {name: fine, threads: 3, script: pull, config: {env: prod}}
  - {name: broken, threads: 1, script: pull}
`, nil)

	runner := &stubRunner{specs: make(chan worker.ProcessSpec, 2)}
	res, err := New(cfg,
		WithRegistry(testRegistry()),
		WithRunner(runner),
		WithoutResultsDir(),
	).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), runner.calls.Load())
	assert.Equal(t, []GroupFailure{{Group: "broken", Error: assert.AnError.Error()}}, res.Failures)
	assert.Equal(t, int64(1), res.Records)
	assert.Empty(t, res.Dir)
	assert.NoDirExists(t, cfg.ResultsDir())

	close(runner.specs)
	specs := map[string]worker.ProcessSpec{}
	for s := range runner.specs {
		specs[s.Group.Name] = s
	}
	fine := specs["fine"].Group
	assert.Equal(t, 3, fine.Threads)
	assert.Equal(t, 5*time.Second, fine.RunTime)
	assert.Equal(t, 2*time.Second, fine.Rampup)
	assert.Equal(t, "prod", fine.GlobalConfig["env"])
	assert.Equal(t, "staging", specs["broken"].Group.GlobalConfig["env"])
	assert.Equal(t, 1, specs["broken"].Group.Index)
	assert.Nil(t, specs["fine"].Generator)
}

func TestEngine_SharedHostsOutliveRun(t *testing.T) {
	cfg := writeProject(t, `
global: {run_time: 1, rampup: 0, flush_delay: 1ms}
generators: {ids: "builtin:counter"}
user_groups:
  - {name: a, threads: 1, script: pull, generator: ids}
`, nil)

	host, err := generator.NewServiceHost(generator.HostConfig{
		Name: "ids", Transport: generator.KindRPC, Bind: "127.0.0.1",
	}, generator.NewCounter(1))
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() { _ = host.Stop(context.Background()) })

	runner := &stubRunner{specs: make(chan worker.ProcessSpec, 1)}
	_, err = New(cfg,
		WithRegistry(testRegistry()),
		WithRunner(runner),
		WithHosts(Hosts{"ids": host}),
		WithoutResultsDir(),
	).Run(context.Background())
	require.NoError(t, err)

	spec := <-runner.specs
	require.NotNil(t, spec.Generator)
	assert.Equal(t, host.Endpoint(), *spec.Generator)

	client, err := host.Client()
	require.NoError(t, err)
	defer client.Close()
	v, err := client.Next(context.Background())
	require.NoError(t, err, "host still serving after the run")
	assert.Equal(t, float64(1), v)
}
