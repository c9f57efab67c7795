package generator

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Kind names a generator transport.
type Kind string

const (
	// KindRPC serves the generator over gRPC.
	KindRPC Kind = "rpc"
	// KindHTTP serves the generator over HTTP/JSON.
	KindHTTP Kind = "http"
)

// ParseKind validates a transport name. The empty string selects RPC.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindRPC:
		return KindRPC, nil
	case KindHTTP:
		return KindHTTP, nil
	}
	return "", errors.Errorf("unknown generator transport %q (want rpc or http)", s)
}

// Endpoint is everything a client needs to reach a running service. It is
// passed across process boundaries as JSON.
type Endpoint struct {
	Transport Kind   `json:"transport"`
	Address   string `json:"address"`
}

// Transport exposes a State to remote callers.
type Transport interface {
	// Kind reports which transport this is.
	Kind() Kind

	// Start binds the listener and begins serving in the background.
	Start(ctx context.Context) error

	// Stop shuts the server down, waiting for in-flight calls until ctx
	// is done.
	Stop(ctx context.Context) error

	// Addr is the bound address, valid after Start.
	Addr() string
}

// NewTransport builds a transport of the given kind serving state under
// the generator name.
func NewTransport(kind Kind, name, bind string, state *State, metrics *Metrics) (Transport, error) {
	switch kind {
	case KindRPC:
		return newRPCTransport(name, bind, state, metrics), nil
	case KindHTTP:
		return newHTTPTransport(name, bind, state, metrics), nil
	}
	return nil, errors.Errorf("unknown generator transport %q", kind)
}

// listenFree binds a freshly allocated free port on host.
func listenFree(host string) (net.Listener, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, errors.Wrapf(err, "allocating a port on %s", host)
	}
	return lis, nil
}

func isExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
