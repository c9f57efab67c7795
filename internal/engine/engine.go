// Package engine orchestrates a test run: it starts the generator services
// and the results pipeline, runs every user group to completion, and tears
// everything down again.
package engine

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/mechanize/internal/config"
	"github.com/wesleyorama2/mechanize/internal/generator"
	"github.com/wesleyorama2/mechanize/internal/results"
	"github.com/wesleyorama2/mechanize/internal/script"
	"github.com/wesleyorama2/mechanize/internal/telemetry"
	"github.com/wesleyorama2/mechanize/internal/worker"
)

const teardownTimeout = 10 * time.Second

// Engine runs one configuration. An Engine may be run more than once.
type Engine struct {
	cfg *config.Config

	runner     worker.Runner
	hosts      Hosts
	sinks      []results.Sink
	registry   *script.Registry
	genMetrics *generator.Metrics
	out        io.Writer
	echo       io.Writer
	noResults  bool
	verbose    bool
	runID      string
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner overrides the runner chosen from global.isolation.
func WithRunner(r worker.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithHosts supplies already started generator services. The engine uses
// them in place of building its own and leaves them running.
func WithHosts(h Hosts) Option {
	return func(e *Engine) { e.hosts = h }
}

// WithSinks adds results sinks. The engine closes them when the run ends.
func WithSinks(sinks ...results.Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithRegistry sets the registry used for eager script checks and for
// goroutine isolation. Process isolation always uses the child binary's
// default registry.
func WithRegistry(reg *script.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithGeneratorMetrics instruments generator services the engine builds.
func WithGeneratorMetrics(m *generator.Metrics) Option {
	return func(e *Engine) { e.genMetrics = m }
}

// WithOutput prints the end-of-run summary to w.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// WithConsoleEcho sets where results lines go when console_logging is on.
// Defaults to stdout.
func WithConsoleEcho(w io.Writer) Option {
	return func(e *Engine) { e.echo = w }
}

// WithoutResultsDir skips the results directory and CSV file.
func WithoutResultsDir() Option {
	return func(e *Engine) { e.noResults = true }
}

// WithVerbose turns on debug logging in worker children.
func WithVerbose(v bool) Option {
	return func(e *Engine) { e.verbose = v }
}

// WithRunID fixes the run ID instead of generating one. Only useful for an
// Engine that is run once.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// New creates an Engine for cfg. cfg must already be validated.
func New(cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, echo: os.Stdout}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = script.Default
	}
	if e.runner == nil {
		if cfg.Global.Isolation == config.IsolationGoroutine {
			e.runner = &worker.InProcessRunner{Registry: e.registry}
		} else {
			e.runner = &worker.ProcessRunner{}
		}
	}
	return e
}

// GroupFailure is a group that ended with an error.
type GroupFailure struct {
	Group string `json:"group"`
	Error string `json:"error"`
}

// Result summarizes a finished run.
type Result struct {
	RunID       string         `json:"run_id"`
	Dir         string         `json:"dir,omitempty"`
	Started     time.Time      `json:"started"`
	Finished    time.Time      `json:"finished"`
	Records     int64          `json:"records"`
	Failures    []GroupFailure `json:"failures,omitempty"`
	Interrupted bool           `json:"interrupted"`
	Report      results.Report `json:"report"`
}

// Run executes the test. Script and generator load failures are returned
// before anything starts. Group failures are logged and listed in the
// result; they do not fail the run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	cfg := e.cfg
	res := &Result{RunID: e.runID}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}
	logger := log.WithField("run", res.RunID)

	loader := &script.Loader{
		ScriptDir:    cfg.ScriptDir(),
		GeneratorDir: cfg.GeneratorDir(),
		Registry:     e.registry,
	}
	scripts := make([]string, len(cfg.UserGroups))
	for i, g := range cfg.UserGroups {
		scripts[i] = g.Script
	}
	if err := loader.CheckTransactions(scripts...); err != nil {
		return nil, errors.WithMessage(err, "loading transaction scripts")
	}

	owned, err := BuildHosts(cfg, loader, e.genMetrics, e.hosts)
	if err != nil {
		return nil, errors.WithMessage(err, "loading generators")
	}

	var teardown *multierror.Error
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := owned.Stop(stopCtx); err != nil {
			teardown = multierror.Append(teardown, err)
		}
		if err := teardown.ErrorOrNil(); err != nil {
			logger.WithError(err).Warn("teardown finished with errors")
		}
	}()

	e.runHook(ctx, "pre_run_script", cfg.Global.PreRunScript)

	res.Started = time.Now()
	summary := results.NewSummary(time.Duration(cfg.Global.ResultsTSInterval) * time.Second)
	sinks := append(results.Multi{summary}, e.sinks...)
	if !e.noResults {
		dir, csv, err := e.openResults(res.Started)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		res.Dir = dir
		sinks = append(sinks, csv)
	}

	ch := telemetry.NewChannel()
	drained := make(chan int64, 1)
	go func() {
		rejected, _ := results.Consume(context.Background(), ch, sinks)
		drained <- rejected
	}()

	if err := owned.Start(ctx); err != nil {
		ch.Close()
		<-drained
		_ = sinks.Close()
		return nil, errors.WithMessage(err, "starting generators")
	}
	endpoints := owned.Endpoints()
	for name, ep := range e.hosts.Endpoints() {
		endpoints[name] = ep
	}

	logger.WithFields(log.Fields{
		"user_groups": len(cfg.UserGroups),
		"threads":     cfg.TotalThreads(),
		"run_time":    cfg.RunDuration(),
		"isolation":   cfg.Global.Isolation,
	}).Info("run started")

	res.Failures = e.runGroups(ctx, endpoints, ch)

	// Give in-flight records time to land before closing the channel.
	time.Sleep(cfg.Global.FlushDelay.Std())
	ch.Close()
	if rejected := <-drained; rejected > 0 {
		teardown = multierror.Append(teardown, errors.Errorf("%d records rejected by results sinks", rejected))
	}
	if err := sinks.Close(); err != nil {
		teardown = multierror.Append(teardown, errors.WithMessage(err, "closing results sinks"))
	}

	res.Finished = time.Now()
	res.Records = ch.Accepted()
	res.Interrupted = ctx.Err() != nil
	res.Report = summary.Report()

	if res.Dir != "" {
		err := results.WriteManifest(res.Dir, results.Manifest{
			RunID:    res.RunID,
			Project:  filepath.Base(cfg.BaseDir),
			Started:  res.Started,
			Finished: res.Finished,
			Records:  res.Records,
			Report:   res.Report,
		})
		if err != nil {
			teardown = multierror.Append(teardown, err)
		}
	}

	// The post-run hook still runs after an interrupt.
	e.runHook(context.WithoutCancel(ctx), "post_run_script", cfg.Global.PostRunScript)

	if e.out != nil {
		results.Print(e.out, res.Report, results.PrintOptions{Series: cfg.Global.ConsoleLogging})
	}

	logger.WithFields(log.Fields{
		"records":     res.Records,
		"failed":      len(res.Failures),
		"interrupted": res.Interrupted,
		"dir":         res.Dir,
	}).Info("run finished")
	return res, nil
}

func (e *Engine) runGroups(ctx context.Context, endpoints map[string]generator.Endpoint, ch *telemetry.Channel) []GroupFailure {
	cfg := e.cfg

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []GroupFailure
	)
	for i, ug := range cfg.UserGroups {
		spec := worker.ProcessSpec{
			Group: worker.GroupConfig{
				Index:        i,
				Name:         ug.Name,
				Threads:      ug.Threads,
				Script:       ug.Script,
				RunTime:      cfg.RunDuration(),
				Rampup:       cfg.RampupDuration(),
				GlobalConfig: cfg.GroupConfig(i),
			},
			ScriptDir: cfg.ScriptDir(),
			Verbose:   e.verbose,
		}
		if ug.Generator != "" {
			ep, ok := endpoints[ug.Generator]
			if !ok {
				failures = append(failures, GroupFailure{Group: ug.Name, Error: "generator " + ug.Generator + " is not running"})
				continue
			}
			spec.Generator = &ep
		}

		g.Go(func() error {
			if err := e.runner.RunGroup(ctx, spec, ch); err != nil {
				log.WithError(err).WithField("group", spec.Group.Name).Error("user group failed")
				mu.Lock()
				failures = append(failures, GroupFailure{Group: spec.Group.Name, Error: err.Error()})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func (e *Engine) openResults(start time.Time) (string, *results.CSVWriter, error) {
	dir, err := results.CreateRunDir(e.cfg.ResultsDir(), start, config.FileName, e.cfg.Raw)
	if err != nil {
		return "", nil, err
	}
	var echo io.Writer
	if e.cfg.Global.ConsoleLogging {
		echo = e.echo
	}
	csv, err := results.NewCSVWriter(filepath.Join(dir, results.CSVFileName), echo)
	if err != nil {
		return "", nil, err
	}
	return dir, csv, nil
}

// runHook runs a pre or post run script from the scripts directory. A
// failing hook is logged and does not stop the run.
func (e *Engine) runHook(ctx context.Context, name, ref string) {
	if ref == "" {
		return
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.cfg.ScriptDir(), path)
	}

	logger := log.WithFields(log.Fields{"hook": name, "path": path})
	logger.Info("running hook")

	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = e.cfg.BaseDir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		logger.WithError(err).Warn("hook failed")
	}
}
