package generator

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	rpcServiceName = "mechanize.generator.DataGenerator"
	rpcNextMethod  = "/" + rpcServiceName + "/Next"
	rpcGetMethod   = "/" + rpcServiceName + "/Get"
	rpcCodecName   = "json"
)

// jsonCodec lets the generator service speak gRPC without generated
// protobuf types: values are arbitrary JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return rpcCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type rpcRequest struct {
	Key string `json:"key,omitempty"`
}

type rpcResponse struct {
	Data interface{} `json:"data"`
}

type dataGeneratorServer interface {
	Next(ctx context.Context, req *rpcRequest) (*rpcResponse, error)
	Get(ctx context.Context, req *rpcRequest) (*rpcResponse, error)
}

var dataGeneratorServiceDesc = grpc.ServiceDesc{
	ServiceName: rpcServiceName,
	HandlerType: (*dataGeneratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Next", Handler: rpcNextHandler},
		{MethodName: "Get", Handler: rpcGetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "generator",
}

func rpcNextHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(rpcRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dataGeneratorServer).Next(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpcNextMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(dataGeneratorServer).Next(ctx, req.(*rpcRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func rpcGetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(rpcRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dataGeneratorServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpcGetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(dataGeneratorServer).Get(ctx, req.(*rpcRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// rpcService adapts a State to the gRPC handler interface.
type rpcService struct {
	name    string
	state   *State
	metrics *Metrics
}

func (s *rpcService) Next(_ context.Context, _ *rpcRequest) (*rpcResponse, error) {
	start := time.Now()
	v, err := s.state.Next()
	s.metrics.observe(s.name, "next", start, err)
	if err != nil {
		return nil, rpcStatus(err)
	}
	return &rpcResponse{Data: v}, nil
}

func (s *rpcService) Get(_ context.Context, req *rpcRequest) (*rpcResponse, error) {
	start := time.Now()
	v, err := s.state.Get(req.Key)
	s.metrics.observe(s.name, "get", start, err)
	if err != nil {
		return nil, rpcStatus(err)
	}
	return &rpcResponse{Data: v}, nil
}

func rpcStatus(err error) error {
	switch {
	case isExhausted(err):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, ErrUnsupported):
		return status.Error(codes.Unimplemented, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// RPCTransport serves a generator over gRPC on a local port.
type RPCTransport struct {
	name    string
	bind    string
	service *rpcService

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	served   chan error
}

func newRPCTransport(name, bind string, state *State, metrics *Metrics) *RPCTransport {
	return &RPCTransport{
		name:    name,
		bind:    bind,
		service: &rpcService{name: name, state: state, metrics: metrics},
	}
}

// Kind returns KindRPC.
func (t *RPCTransport) Kind() Kind {
	return KindRPC
}

// Start binds a free port and serves in the background.
func (t *RPCTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return errors.Errorf("rpc transport for %s already started", t.name)
	}

	lis, err := listenFree(t.bind)
	if err != nil {
		return err
	}

	server := grpc.NewServer()
	server.RegisterService(&dataGeneratorServiceDesc, t.service)

	t.server = server
	t.listener = lis
	t.served = make(chan error, 1)

	go func() {
		t.served <- server.Serve(lis)
	}()

	log.WithFields(log.Fields{"generator": t.name, "address": lis.Addr().String()}).Debug("rpc generator service listening")
	return nil
}

// Stop drains in-flight calls, forcing the server closed if ctx expires.
func (t *RPCTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	server := t.server
	served := t.served
	t.server = nil
	t.mu.Unlock()

	if server == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		server.Stop()
		<-stopped
		return errors.Wrapf(ctx.Err(), "graceful stop of rpc generator %s", t.name)
	}

	if err := <-served; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrapf(err, "rpc generator %s", t.name)
	}
	return nil
}

// Addr returns the bound host:port.
func (t *RPCTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}
