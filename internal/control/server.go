// Package control is the long-running control server. It keeps a project's
// generator services alive between runs and starts runs on request.
//
//	GET    /status    project name, whether a run is in progress, latest run
//	GET    /config    the active configuration
//	PUT    /config    replace config.yaml (YAML body)
//	POST   /run       start a run in the background
//	DELETE /run       interrupt the current run
//	GET    /runs/:id  one run's state and result
//	GET    /metrics   Prometheus metrics
package control

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/mechanize/internal/config"
	"github.com/wesleyorama2/mechanize/internal/engine"
	"github.com/wesleyorama2/mechanize/internal/generator"
	"github.com/wesleyorama2/mechanize/internal/results"
	"github.com/wesleyorama2/mechanize/internal/script"
	"github.com/wesleyorama2/mechanize/internal/worker"
)

const historySize = 20

// RunState is the lifecycle of a run started through the server.
type RunState string

const (
	RunRunning  RunState = "running"
	RunFinished RunState = "finished"
	RunFailed   RunState = "failed"
)

// Run is a run started through the server.
type Run struct {
	ID       string         `json:"id"`
	State    RunState       `json:"state"`
	Started  time.Time      `json:"started"`
	Finished *time.Time     `json:"finished,omitempty"`
	Error    string         `json:"error,omitempty"`
	Result   *engine.Result `json:"result,omitempty"`

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Server.
type Options struct {
	// Registry resolves registered scripts. Defaults to script.Default.
	Registry *script.Registry

	// Runner overrides the isolation-based runner choice.
	Runner worker.Runner

	// Output receives each run's printed summary.
	Output io.Writer

	Verbose bool
}

type hostKey struct {
	generators map[string]string
	transport  string
	bind       string
}

// Server serves one project.
type Server struct {
	opts       Options
	configPath string

	metrics    *prometheus.Registry
	promSink   *results.PromSink
	genMetrics *generator.Metrics

	mu      sync.Mutex
	cfg     *config.Config
	hosts   engine.Hosts
	hostsOf hostKey
	current *Run
	runs    map[string]*Run
	order   []string
	base    context.Context
	stop    context.CancelFunc
}

// New loads the project at path and prepares a server for it.
func New(path string, opts Options) (*Server, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = script.Default
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	base, stop := context.WithCancel(context.Background())
	return &Server{
		opts:       opts,
		configPath: filepath.Join(cfg.BaseDir, config.FileName),
		metrics:    reg,
		promSink:   results.NewPromSink(reg),
		genMetrics: generator.NewMetrics(reg),
		cfg:        cfg,
		runs:       make(map[string]*Run),
		base:       base,
		stop:       stop,
	}, nil
}

// Handler returns the gin engine serving the API.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", s.handleStatus)
	r.GET("/config", s.handleGetConfig)
	r.PUT("/config", s.handlePutConfig)
	r.POST("/run", s.handleStartRun)
	r.DELETE("/run", s.handleStopRun)
	r.GET("/runs/:id", s.handleGetRun)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint " + c.Request.URL.Path})
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then interrupts any
// run in progress and stops the generator services.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	served := make(chan error, 1)
	go func() { served <- server.Serve(lis) }()
	log.WithFields(log.Fields{"address": lis.Addr().String(), "project": s.project()}).Info("control server listening")

	select {
	case err = <-served:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = server.Shutdown(shutdownCtx)
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if closeErr := s.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("control server teardown failed")
	}
	return err
}

// Close interrupts the current run, waits for it and stops the generator
// services.
func (s *Server) Close() error {
	s.stop()

	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current != nil {
		<-current.done
	}

	s.mu.Lock()
	hosts := s.hosts
	s.hosts = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hosts.Stop(ctx)
}

// Wait blocks until the run with id is done.
func (s *Server) Wait(id string) (*Run, bool) {
	s.mu.Lock()
	run, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-run.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return run.snapshot(), true
}

func (s *Server) project() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filepath.Base(s.cfg.BaseDir)
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := gin.H{
		"project": filepath.Base(s.cfg.BaseDir),
		"running": s.current != nil,
	}
	if len(s.order) > 0 {
		body["latest"] = s.runs[s.order[len(s.order)-1]].snapshot()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	s.mu.Lock()
	cfg := s.cfg.Clone()
	s.mu.Unlock()
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := config.Parse(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "a run is in progress"})
		return
	}
	cfg.BaseDir = s.cfg.BaseDir
	if err := os.WriteFile(s.configPath, data, 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errors.Wrap(err, "saving config").Error()})
		return
	}
	s.cfg = cfg
	log.WithField("path", s.configPath).Info("config replaced")
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleStartRun(c *gin.Context) {
	run, err := s.Start()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrBusy) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) handleStopRun(c *gin.Context) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run in progress"})
		return
	}
	current.cancel()
	c.JSON(http.StatusAccepted, gin.H{"id": current.ID})
}

func (s *Server) handleGetRun(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, run.snapshot())
}

// ErrBusy is returned by Start while another run is in progress.
var ErrBusy = errors.New("a run is in progress")

// Start launches a run of the active config in the background. Generator
// services are started on first use and kept for later runs with the same
// generators.
func (s *Server) Start() (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return nil, ErrBusy
	}
	if s.base.Err() != nil {
		return nil, errors.New("server is shutting down")
	}
	cfg := s.cfg.Clone()
	if err := s.ensureHosts(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(s.base)
	run := &Run{
		ID:      uuid.NewString(),
		State:   RunRunning,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	opts := []engine.Option{
		engine.WithRunID(run.ID),
		engine.WithRegistry(s.opts.Registry),
		engine.WithHosts(s.hosts),
		engine.WithSinks(s.promSink),
		engine.WithVerbose(s.opts.Verbose),
	}
	if s.opts.Runner != nil {
		opts = append(opts, engine.WithRunner(s.opts.Runner))
	}
	if s.opts.Output != nil {
		opts = append(opts, engine.WithOutput(s.opts.Output))
	}
	eng := engine.New(cfg, opts...)

	s.current = run
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	if len(s.order) > historySize {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}

	go s.execute(ctx, eng, run)
	return run.snapshot(), nil
}

func (s *Server) execute(ctx context.Context, eng *engine.Engine, run *Run) {
	defer close(run.done)
	defer run.cancel()

	res, err := eng.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	run.Finished = &now
	run.Result = res
	run.State = RunFinished
	if err != nil {
		run.State = RunFailed
		run.Error = err.Error()
		log.WithError(err).WithField("run", run.ID).Error("run failed")
	}
	s.current = nil
}

// ensureHosts starts the generator services for cfg, replacing the running
// ones if the generators section or transport changed. Callers hold s.mu.
func (s *Server) ensureHosts(cfg *config.Config) error {
	key := hostKey{generators: cfg.Generators, transport: cfg.Global.GeneratorTransport, bind: cfg.Global.BindAddress}
	if s.hosts != nil && reflect.DeepEqual(key, s.hostsOf) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.hosts.Stop(ctx); err != nil {
		log.WithError(err).Warn("stopping previous generator services")
	}
	s.hosts = nil

	loader := &script.Loader{
		ScriptDir:    cfg.ScriptDir(),
		GeneratorDir: cfg.GeneratorDir(),
		Registry:     s.opts.Registry,
	}
	hosts, err := engine.BuildHosts(cfg, loader, s.genMetrics, nil)
	if err != nil {
		return errors.WithMessage(err, "loading generators")
	}
	if err := hosts.Start(ctx); err != nil {
		_ = hosts.Stop(ctx)
		return errors.WithMessage(err, "starting generators")
	}
	s.hosts = hosts
	s.hostsOf = key
	log.WithField("generators", len(hosts)).Info("generator services started")
	return nil
}

func (r *Run) snapshot() *Run {
	cp := *r
	return &cp
}
