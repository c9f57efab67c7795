package engine

import (
	"context"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/wesleyorama2/mechanize/internal/config"
	"github.com/wesleyorama2/mechanize/internal/generator"
	"github.com/wesleyorama2/mechanize/internal/script"
)

// Hosts maps generator names to their services.
type Hosts map[string]*generator.ServiceHost

// BuildHosts loads every generator in cfg through loader and wraps each in
// a ServiceHost on the configured transport. Generators named in skip are
// left out. Nothing is started; on error every host built so far is
// stopped.
func BuildHosts(cfg *config.Config, loader *script.Loader, metrics *generator.Metrics, skip Hosts) (Hosts, error) {
	kind, err := generator.ParseKind(cfg.Global.GeneratorTransport)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Generators))
	for name := range cfg.Generators {
		if _, ok := skip[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	hosts := make(Hosts, len(names))
	for _, name := range names {
		src, err := loader.Generator(cfg.Generators[name])
		if err == nil {
			var host *generator.ServiceHost
			host, err = generator.NewServiceHost(generator.HostConfig{
				Name:      name,
				Transport: kind,
				Bind:      cfg.Global.BindAddress,
				Metrics:   metrics,
			}, src)
			if err == nil {
				hosts[name] = host
				continue
			}
		}
		_ = hosts.Stop(context.Background())
		return nil, errors.WithMessagef(err, "generator %s", name)
	}
	return hosts, nil
}

// Start starts every host.
func (h Hosts) Start(ctx context.Context) error {
	for _, name := range h.names() {
		if err := h[name].Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every host and aggregates the failures.
func (h Hosts) Stop(ctx context.Context) error {
	var result *multierror.Error
	for _, name := range h.names() {
		if err := h[name].Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Endpoints returns the address of every host by name.
func (h Hosts) Endpoints() map[string]generator.Endpoint {
	out := make(map[string]generator.Endpoint, len(h))
	for name, host := range h {
		out[name] = host.Endpoint()
	}
	return out
}

func (h Hosts) names() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
