package generator

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// HostConfig configures a ServiceHost.
type HostConfig struct {
	// Name of the generator, used in logs and metrics.
	Name string

	// Transport selects rpc or http.
	Transport Kind

	// Bind is the host to listen on; a free port is always allocated.
	Bind string

	// Metrics is optional.
	Metrics *Metrics
}

// ServiceHost owns the lifecycle of one generator service: the generator
// state and the transport exposing it.
type ServiceHost struct {
	name      string
	state     *State
	transport Transport

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewServiceHost wraps src in a State and prepares the configured transport.
// Nothing listens until Start.
func NewServiceHost(cfg HostConfig, src Source) (*ServiceHost, error) {
	state, err := NewState(src)
	if err != nil {
		return nil, errors.WithMessagef(err, "generator %s", cfg.Name)
	}

	transport, err := NewTransport(cfg.Transport, cfg.Name, cfg.Bind, state, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &ServiceHost{name: cfg.Name, state: state, transport: transport}, nil
}

// Name returns the generator name.
func (h *ServiceHost) Name() string {
	return h.name
}

// Start begins serving.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return errors.Errorf("generator %s already stopped", h.name)
	}
	if h.started {
		return nil
	}
	if err := h.transport.Start(ctx); err != nil {
		return errors.WithMessagef(err, "starting generator %s", h.name)
	}
	h.started = true

	log.WithFields(log.Fields{
		"generator": h.name,
		"transport": h.transport.Kind(),
		"address":   h.transport.Addr(),
	}).Info("generator service started")
	return nil
}

// Stop shuts the transport down and releases the generator. It is safe to
// call more than once.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}
	h.stopped = true

	var result *multierror.Error
	if h.started {
		if err := h.transport.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := h.state.Close(); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "closing generator %s", h.name))
	}
	return result.ErrorOrNil()
}

// Endpoint returns the address clients should dial.
func (h *ServiceHost) Endpoint() Endpoint {
	return Endpoint{Transport: h.transport.Kind(), Address: h.transport.Addr()}
}

// Client dials the running service.
func (h *ServiceHost) Client() (Client, error) {
	return Dial(h.Endpoint())
}
