package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/mechanize/internal/generator"
	"github.com/wesleyorama2/mechanize/internal/script"
	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

// GroupConfig is everything a group needs to run. It is JSON encoded when
// the group runs in a child process.
type GroupConfig struct {
	// Index is the group's position in the configuration (process_num).
	Index int `json:"index"`

	Name    string `json:"name"`
	Threads int    `json:"threads"`

	// Script is the transaction reference resolved by script.Loader.
	Script string `json:"script"`

	RunTime time.Duration `json:"run_time"`
	Rampup  time.Duration `json:"rampup"`

	// GlobalConfig is the group's user_group_global map.
	GlobalConfig map[string]string `json:"global_config,omitempty"`
}

// Copy returns a deep copy.
func (c GroupConfig) Copy() GroupConfig {
	out := c
	if c.GlobalConfig != nil {
		out.GlobalConfig = make(map[string]string, len(c.GlobalConfig))
		for k, v := range c.GlobalConfig {
			out.GlobalConfig[k] = v
		}
	}
	return out
}

// Validate checks the fields a group cannot run without.
func (c GroupConfig) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("group name is empty")
	case c.Threads < 1:
		return errors.Errorf("group %s: threads must be at least 1", c.Name)
	case c.RunTime <= 0:
		return errors.Errorf("group %s: run time must be positive", c.Name)
	case c.Rampup < 0:
		return errors.Errorf("group %s: rampup must not be negative", c.Name)
	}
	return nil
}

// RampupOffset is the earliest start of agent i of n, measured from the
// group start.
func RampupOffset(i, n int, rampup time.Duration) time.Duration {
	if n <= 0 || rampup <= 0 {
		return 0
	}
	return time.Duration(int64(rampup) * int64(i) / int64(n))
}

// GroupStats summarizes a finished group.
type GroupStats struct {
	Name       string        `json:"name"`
	Agents     int           `json:"agents"`
	Iterations int64         `json:"iterations"`
	Failures   int64         `json:"failures"`
	Duration   time.Duration `json:"duration"`
}

// Group runs one user group's agents.
type Group struct {
	cfg     GroupConfig
	factory script.TransactionFactory
	gen     generator.Client
	sink    telemetry.Sink

	mu     sync.Mutex
	agents []*Agent
	stats  GroupStats
}

// NewGroup prepares a group. gen may be nil.
func NewGroup(cfg GroupConfig, factory script.TransactionFactory, gen generator.Client, sink telemetry.Sink) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.Errorf("group %s: no transaction factory", cfg.Name)
	}
	return &Group{cfg: cfg, factory: factory, gen: gen, sink: sink}, nil
}

// Agents returns the group's agents once Run has built them.
func (g *Group) Agents() []*Agent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Agent(nil), g.agents...)
}

// Stats returns the summary of the last Run.
func (g *Group) Stats() GroupStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Run builds one transaction per agent, starts agent i no earlier than
// RampupOffset(i) after the group start, and returns when every agent has
// finished. Agents are never interrupted mid-iteration.
func (g *Group) Run(ctx context.Context) error {
	agents, closers, err := g.build()
	if err != nil {
		return err
	}
	defer g.closeAll(closers)

	g.mu.Lock()
	g.agents = agents
	g.mu.Unlock()

	logger := log.WithFields(log.Fields{
		"group":   g.cfg.Name,
		"index":   g.cfg.Index,
		"threads": g.cfg.Threads,
	})
	logger.Info("user group started")

	groupStart := time.Now()
	var wg sync.WaitGroup

	for i, agent := range agents {
		if !sleepUntil(ctx, groupStart.Add(RampupOffset(i, len(agents), g.cfg.Rampup))) {
			logger.WithField("started", i).Warn("run cancelled during rampup")
			break
		}
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			a.Run(ctx, groupStart, g.cfg.RunTime)
		}(agent)
	}
	wg.Wait()

	stats := GroupStats{Name: g.cfg.Name, Agents: len(agents), Duration: time.Since(groupStart)}
	for _, a := range agents {
		stats.Iterations += a.Iterations()
		stats.Failures += a.Failures()
	}
	g.mu.Lock()
	g.stats = stats
	g.mu.Unlock()

	logger.WithFields(log.Fields{
		"iterations": stats.Iterations,
		"failures":   stats.Failures,
		"duration":   stats.Duration.Round(time.Millisecond),
	}).Info("user group finished")
	return nil
}

func (g *Group) build() ([]*Agent, []io.Closer, error) {
	agents := make([]*Agent, 0, g.cfg.Threads)
	var closers []io.Closer

	for i := 0; i < g.cfg.Threads; i++ {
		env := script.NewEnv(i, g.cfg.Index, g.gen, g.cfg.Copy().GlobalConfig)
		tx, err := g.factory(env)
		if err == nil && tx == nil {
			err = errors.New("factory returned no transaction")
		}
		if err != nil {
			g.closeAll(closers)
			return nil, nil, errors.WithMessagef(err, "group %s: building transaction for agent %d", g.cfg.Name, i)
		}
		if c, ok := tx.(io.Closer); ok {
			closers = append(closers, c)
		}
		agents = append(agents, NewAgent(i, g.cfg.Name, tx, env, g.sink))
	}
	return agents, closers, nil
}

func (g *Group) closeAll(closers []io.Closer) {
	var result *multierror.Error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).WithField("group", g.cfg.Name).Warn("closing transactions")
	}
}

// sleepUntil waits for the deadline and reports false if ctx ended first.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
