// Package mech is the public face of mechanize for projects that write
// their transactions and generators in Go.
//
// A project registers its scripts from init functions and hands control to
// Main:
//
//	func init() {
//		mech.RegisterTransaction("browse", func(env *mech.Env) (mech.Transaction, error) {
//			client := &http.Client{Timeout: 10 * time.Second}
//			return mech.TransactionFunc(func(ctx context.Context) error {
//				start := time.Now()
//				resp, err := client.Get(env.UserGroupGlobalConfig["base_url"])
//				if err != nil {
//					return err
//				}
//				resp.Body.Close()
//				env.CustomTimers["home"] = time.Since(start).Seconds()
//				return nil
//			}), nil
//		})
//	}
//
//	func main() { mech.Main() }
//
// The same binary acts as the orchestrator and, under process isolation,
// as every worker process, so registrations are visible to both.
package mech

import (
	"os"

	"github.com/wesleyorama2/mechanize/internal/cli"
	"github.com/wesleyorama2/mechanize/internal/generator"
	"github.com/wesleyorama2/mechanize/internal/script"
)

type (
	// Env is what an agent injects into its transaction.
	Env = script.Env

	// Transaction is one unit of work, run once per agent iteration.
	Transaction = script.Transaction

	// TransactionFunc adapts a function to Transaction.
	TransactionFunc = script.TransactionFunc

	// TransactionFactory builds one agent's transaction.
	TransactionFactory = script.TransactionFactory

	// GeneratorFactory builds a data generator source.
	GeneratorFactory = script.GeneratorFactory

	// GeneratorClient is the handle transactions use to reach their
	// group's generator.
	GeneratorClient = generator.Client

	// ClientError is the single error type returned by GeneratorClient.
	ClientError = generator.ClientError

	// Source is any generator implementation: a Sequencer, a Getter or
	// both.
	Source = generator.Source

	// Sequencer is a generator with a shared sequential stream.
	Sequencer = generator.Sequencer

	// Getter is a generator with keyed lookups.
	Getter = generator.Getter
)

// ErrExhausted ends a finite Sequencer.
var ErrExhausted = generator.ErrExhausted

// RegisterTransaction makes a transaction available to config.yaml under
// name. It panics on an empty or duplicate name.
func RegisterTransaction(name string, factory TransactionFactory) {
	script.Default.RegisterTransaction(name, factory)
}

// RegisterGenerator makes a generator available to config.yaml under name.
// It panics on an empty or duplicate name.
func RegisterGenerator(name string, factory GeneratorFactory) {
	script.Default.RegisterGenerator(name, factory)
}

// FromSlice returns a one-shot generator over values.
func FromSlice(values ...interface{}) Sequencer {
	return generator.FromSlice(values...)
}

// Main runs the mechrun command line with the registered scripts and exits.
func Main() {
	os.Exit(cli.Main())
}
