package script

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps script names to factories compiled into the binary.
type Registry struct {
	mu           sync.RWMutex
	transactions map[string]TransactionFactory
	generators   map[string]GeneratorFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transactions: make(map[string]TransactionFactory),
		generators:   make(map[string]GeneratorFactory),
	}
}

// Default is the process-wide registry used by the CLI.
var Default = NewRegistry()

// RegisterTransaction makes a transaction available under name. It panics
// if name is empty, factory is nil, or name is already taken.
func (r *Registry) RegisterTransaction(name string, factory TransactionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || factory == nil {
		panic("script: RegisterTransaction needs a name and a factory")
	}
	if _, dup := r.transactions[name]; dup {
		panic(fmt.Sprintf("script: transaction %q registered twice", name))
	}
	r.transactions[name] = factory
}

// RegisterGenerator makes a generator available under name. It panics if
// name is empty, factory is nil, or name is already taken.
func (r *Registry) RegisterGenerator(name string, factory GeneratorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || factory == nil {
		panic("script: RegisterGenerator needs a name and a factory")
	}
	if _, dup := r.generators[name]; dup {
		panic(fmt.Sprintf("script: generator %q registered twice", name))
	}
	r.generators[name] = factory
}

// Transaction looks up a registered transaction factory.
func (r *Registry) Transaction(name string) (TransactionFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.transactions[name]
	return f, ok
}

// Generator looks up a registered generator factory.
func (r *Registry) Generator(name string) (GeneratorFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.generators[name]
	return f, ok
}

// Names lists registered transaction and generator names, sorted.
func (r *Registry) Names() (transactions, generators []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name := range r.transactions {
		transactions = append(transactions, name)
	}
	for name := range r.generators {
		generators = append(generators, name)
	}
	sort.Strings(transactions)
	sort.Strings(generators)
	return transactions, generators
}
