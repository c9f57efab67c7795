package generator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnavailable means the service could not be reached.
	ErrUnavailable = errors.New("generator service unavailable")

	// ErrMalformedPayload means the service answered with something that
	// is not the expected JSON object.
	ErrMalformedPayload = errors.New("malformed generator payload")

	// ErrMissingData means a success response carried no data field.
	ErrMissingData = errors.New("generator response has no data field")

	// ErrRemote wraps an error reported by the generator itself.
	ErrRemote = errors.New("generator reported an error")
)

// ClientError is the single error type returned by every Client. The
// wrapped error is one of ErrExhausted, ErrUnavailable,
// ErrMalformedPayload, ErrMissingData or ErrRemote.
type ClientError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("generator %s at %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// Client is a handle on one generator service. Implementations are safe for
// concurrent use by many agents.
type Client interface {
	// Next advances the shared stream and returns the produced value.
	Next(ctx context.Context) (interface{}, error)

	// Get looks up key without moving the stream.
	Get(ctx context.Context, key string) (interface{}, error)

	// Endpoint identifies the service this client talks to.
	Endpoint() Endpoint

	// Close releases connections.
	Close() error
}

// Dial returns a client for the endpoint's transport.
func Dial(ep Endpoint) (Client, error) {
	switch ep.Transport {
	case KindRPC, "":
		return NewRPCClient(ep.Address)
	case KindHTTP:
		return NewHTTPClient(ep.Address), nil
	}
	return nil, errors.Errorf("unknown generator transport %q", ep.Transport)
}

// RPCClient talks to an RPCTransport.
type RPCClient struct {
	addr string
	conn *grpc.ClientConn
}

// NewRPCClient creates a client for the gRPC service at addr. The
// connection is established lazily on first use.
func NewRPCClient(addr string) (*RPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcCodecName)),
	)
	if err != nil {
		return nil, &ClientError{Op: "dial", Addr: addr, Err: errors.WithMessage(ErrUnavailable, err.Error())}
	}
	return &RPCClient{addr: addr, conn: conn}, nil
}

// Next calls the remote Next.
func (c *RPCClient) Next(ctx context.Context) (interface{}, error) {
	return c.invoke(ctx, "next", rpcNextMethod, &rpcRequest{})
}

// Get calls the remote Get.
func (c *RPCClient) Get(ctx context.Context, key string) (interface{}, error) {
	return c.invoke(ctx, "get", rpcGetMethod, &rpcRequest{Key: key})
}

func (c *RPCClient) invoke(ctx context.Context, op, method string, req *rpcRequest) (interface{}, error) {
	resp := &rpcResponse{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, &ClientError{Op: op, Addr: c.addr, Err: rpcCause(err)}
	}
	return resp.Data, nil
}

func rpcCause(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.WithMessage(ErrUnavailable, err.Error())
	}
	switch st.Code() {
	case codes.OutOfRange:
		return ErrExhausted
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errors.WithMessage(ErrUnavailable, st.Message())
	case codes.Internal:
		return errors.WithMessage(ErrMalformedPayload, st.Message())
	default:
		return errors.WithMessage(ErrRemote, st.Message())
	}
}

// Endpoint returns the RPC endpoint.
func (c *RPCClient) Endpoint() Endpoint {
	return Endpoint{Transport: KindRPC, Address: c.addr}
}

// Close closes the connection.
func (c *RPCClient) Close() error {
	return c.conn.Close()
}

// HTTPClient talks to an HTTPTransport.
type HTTPClient struct {
	addr    string
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the HTTP service at addr.
func NewHTTPClient(addr string) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		addr:    addr,
		baseURL: "http://" + addr + "/data",
		client:  &http.Client{Transport: transport},
	}
}

// Next requests GET /data.
func (c *HTTPClient) Next(ctx context.Context) (interface{}, error) {
	return c.fetch(ctx, "next", c.baseURL)
}

// Get requests GET /data?key=K.
func (c *HTTPClient) Get(ctx context.Context, key string) (interface{}, error) {
	return c.fetch(ctx, "get", c.baseURL+"?key="+url.QueryEscape(key))
}

func (c *HTTPClient) fetch(ctx context.Context, op, target string) (interface{}, error) {
	fail := func(err error) (interface{}, error) {
		return nil, &ClientError{Op: op, Addr: c.addr, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fail(errors.WithMessage(ErrUnavailable, err.Error()))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(errors.WithMessage(ErrUnavailable, err.Error()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(errors.WithMessage(ErrUnavailable, err.Error()))
	}

	if !gjson.ValidBytes(body) {
		return fail(errors.WithMessagef(ErrMalformedPayload, "status %d", resp.StatusCode))
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return fail(errors.WithMessagef(ErrMalformedPayload, "status %d: not an object", resp.StatusCode))
	}

	if remote := doc.Get("error"); remote.Exists() {
		if resp.StatusCode == http.StatusGone {
			return fail(ErrExhausted)
		}
		return fail(errors.WithMessage(ErrRemote, remote.String()))
	}

	data := doc.Get("data")
	if !data.Exists() {
		return fail(ErrMissingData)
	}
	return data.Value(), nil
}

// Endpoint returns the HTTP endpoint.
func (c *HTTPClient) Endpoint() Endpoint {
	return Endpoint{Transport: KindHTTP, Address: c.addr}
}

// Close drops idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
