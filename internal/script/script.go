// Package script defines the contracts user code implements to take part in
// a load test, and resolves script references from the configuration into
// runnable transactions and generator sources.
package script

import (
	"context"

	"github.com/wesleyorama2/mechanize/internal/generator"
)

// Transaction is one user-defined unit of work. An Agent builds a single
// Transaction and calls Run once per iteration; a non-nil error marks the
// iteration as failed but never stops the agent.
type Transaction interface {
	Run(ctx context.Context) error
}

// TransactionFunc adapts a function to Transaction.
type TransactionFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f TransactionFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Env holds the values injected into a transaction by its agent.
type Env struct {
	// CustomTimers starts empty and is snapshotted after every iteration.
	// It is not cleared between iterations.
	CustomTimers map[string]float64

	// Generator is the client for the group's data generator, or nil.
	Generator generator.Client

	// ThreadNum is the agent index within its group.
	ThreadNum int

	// ProcessNum is the index of the group.
	ProcessNum int

	// UserGroupGlobalConfig is the group's copy of the global config map.
	UserGroupGlobalConfig map[string]string
}

// NewEnv returns an Env with an empty timer map.
func NewEnv(threadNum, processNum int, gen generator.Client, groupConfig map[string]string) *Env {
	if groupConfig == nil {
		groupConfig = map[string]string{}
	}
	return &Env{
		CustomTimers:          map[string]float64{},
		Generator:             gen,
		ThreadNum:             threadNum,
		ProcessNum:            processNum,
		UserGroupGlobalConfig: groupConfig,
	}
}

// SnapshotTimers returns a copy of the current custom timers.
func (e *Env) SnapshotTimers() map[string]float64 {
	out := make(map[string]float64, len(e.CustomTimers))
	for k, v := range e.CustomTimers {
		out[k] = v
	}
	return out
}

// TransactionFactory builds the Transaction for one agent.
type TransactionFactory func(env *Env) (Transaction, error)

// GeneratorFactory builds the single Source backing a generator service.
type GeneratorFactory func() (generator.Source, error)
