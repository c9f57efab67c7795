// Package worker runs user groups: a Group starts its agents on a ramp-up
// schedule, and each Agent loops over its transaction until the run time
// has elapsed, emitting one telemetry record per iteration.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/mechanize/internal/script"
	"github.com/wesleyorama2/mechanize/internal/telemetry"
)

// AgentState is the lifecycle state of an Agent.
type AgentState int32

const (
	// AgentInit is the state before Run is called.
	AgentInit AgentState = iota
	// AgentRunning means the agent is looping over iterations.
	AgentRunning
	// AgentDone means the run time elapsed or the run was cancelled.
	AgentDone
)

func (s AgentState) String() string {
	switch s {
	case AgentInit:
		return "init"
	case AgentRunning:
		return "running"
	case AgentDone:
		return "done"
	default:
		return "unknown"
	}
}

// unnamedError stands in for errors whose message sanitizes to nothing.
const unnamedError = "error"

// Agent is one simulated user. It owns a single Transaction for its whole
// life and reuses it across iterations.
type Agent struct {
	ThreadNum int

	group string
	tx    script.Transaction
	env   *script.Env
	sink  telemetry.Sink

	state      atomic.Int32
	iterations atomic.Int64
	failures   atomic.Int64
}

// NewAgent creates an agent in the init state.
func NewAgent(threadNum int, group string, tx script.Transaction, env *script.Env, sink telemetry.Sink) *Agent {
	return &Agent{
		ThreadNum: threadNum,
		group:     group,
		tx:        tx,
		env:       env,
		sink:      sink,
	}
}

// State returns the current state.
func (a *Agent) State() AgentState {
	return AgentState(a.state.Load())
}

// Iterations returns the number of completed iterations.
func (a *Agent) Iterations() int64 {
	return a.iterations.Load()
}

// Failures returns the number of iterations that ended with an error.
func (a *Agent) Failures() int64 {
	return a.failures.Load()
}

// Run loops until runTime has passed since groupStart or ctx is cancelled.
// The check happens between iterations only; a running transaction is
// always allowed to finish.
func (a *Agent) Run(ctx context.Context, groupStart time.Time, runTime time.Duration) {
	a.state.Store(int32(AgentRunning))
	defer a.state.Store(int32(AgentDone))

	for ctx.Err() == nil && time.Since(groupStart) < runTime {
		start := time.Now()
		err := runSafely(ctx, a.tx)
		end := time.Now()

		rec := telemetry.Record{
			Elapsed:      end.Sub(groupStart).Seconds(),
			Epoch:        telemetry.EpochSeconds(end),
			Group:        a.group,
			Duration:     end.Sub(start).Seconds(),
			CustomTimers: a.env.SnapshotTimers(),
		}
		a.iterations.Add(1)
		if err != nil {
			a.failures.Add(1)
			rec.Error = telemetry.SanitizeError(err.Error())
			if rec.Error == "" {
				rec.Error = unnamedError
			}
		}

		if err := a.sink.Put(rec); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"group":  a.group,
				"thread": a.ThreadNum,
			}).Error("telemetry sink rejected record, stopping agent")
			return
		}
	}
}

func runSafely(ctx context.Context, tx script.Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return tx.Run(ctx)
}
