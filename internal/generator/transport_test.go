package generator

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transports = []Kind{KindRPC, KindHTTP}

func startHost(t *testing.T, kind Kind, src Source) *ServiceHost {
	t.Helper()

	host, err := NewServiceHost(HostConfig{Name: "test", Transport: kind, Bind: "127.0.0.1"}, src)
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, host.Stop(ctx))
	})
	return host
}

func dialHost(t *testing.T, host *ServiceHost) Client {
	t.Helper()
	client, err := host.Client()
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTransports_NextPermutationAcrossClients(t *testing.T) {
	for _, kind := range transports {
		t.Run(string(kind), func(t *testing.T) {
			host := startHost(t, kind, FromSlice(1, 2, 3))

			const callers = 8
			var (
				mu        sync.Mutex
				values    []float64
				exhausted int
				wg        sync.WaitGroup
			)
			for i := 0; i < callers; i++ {
				// One client per caller, as separate worker processes would have.
				client := dialHost(t, host)
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := client.Next(context.Background())
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						assert.ErrorIs(t, err, ErrExhausted)
						exhausted++
						return
					}
					values = append(values, v.(float64))
				}()
			}
			wg.Wait()

			sort.Float64s(values)
			assert.Equal(t, []float64{1, 2, 3}, values)
			assert.Equal(t, callers-3, exhausted)
		})
	}
}

func TestTransports_ExhaustionAfterTwoValues(t *testing.T) {
	for _, kind := range transports {
		t.Run(string(kind), func(t *testing.T) {
			host := startHost(t, kind, FromSlice("a", "b"))
			client := dialHost(t, host)
			ctx := context.Background()

			v1, err := client.Next(ctx)
			require.NoError(t, err)
			v2, err := client.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, []interface{}{"a", "b"}, []interface{}{v1, v2})

			_, err = client.Next(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExhausted)

			var clientErr *ClientError
			require.ErrorAs(t, err, &clientErr)
			assert.Equal(t, "next", clientErr.Op)
		})
	}
}

func TestTransports_GetIsPureAndIndependent(t *testing.T) {
	for _, kind := range transports {
		t.Run(string(kind), func(t *testing.T) {
			src := keyedStream{keyed: keyed{"x": "value-x"}, SliceStream: FromSlice(10, 20)}
			host := startHost(t, kind, src)
			client := dialHost(t, host)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				v, err := client.Get(ctx, "x")
				require.NoError(t, err)
				assert.Equal(t, "value-x", v)
			}

			v, err := client.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, float64(10), v)
		})
	}
}

func TestTransports_RemoteErrorsCollapseToClientError(t *testing.T) {
	for _, kind := range transports {
		t.Run(string(kind), func(t *testing.T) {
			host := startHost(t, kind, NewCounter(1))
			client := dialHost(t, host)

			_, err := client.Get(context.Background(), "k")
			var clientErr *ClientError
			require.ErrorAs(t, err, &clientErr)
			assert.ErrorIs(t, err, ErrRemote)
			assert.Contains(t, err.Error(), "not supported")
		})
	}
}

func TestTransports_UnreachableService(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	for _, kind := range transports {
		t.Run(string(kind), func(t *testing.T) {
			client, err := Dial(Endpoint{Transport: kind, Address: addr})
			require.NoError(t, err)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err = client.Next(ctx)

			var clientErr *ClientError
			require.ErrorAs(t, err, &clientErr)
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestHTTPTransport_ResponseShape(t *testing.T) {
	state, err := NewState(keyedStream{keyed: keyed{"k": "v"}, SliceStream: FromSlice(7)})
	require.NoError(t, err)
	transport := newHTTPTransport("shape", "", state, nil)
	server := httptest.NewServer(transport.Handler())
	defer server.Close()

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"next", "/data", http.StatusOK, `{"data": 7}`},
		{"get", "/data?key=k", http.StatusOK, `{"data": "v"}`},
		{"exhausted", "/data", http.StatusGone, `{"error": "generator exhausted: no more data"}`},
		{"unknown route", "/nope", http.StatusNotFound, `{"error": "unknown endpoint /nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(server.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.JSONEq(t, tt.body, string(body))
		})
	}
}

func TestHTTPClient_MalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", "<html>", ErrMalformedPayload},
		{"not an object", "[1,2]", ErrMalformedPayload},
		{"missing data", `{"value": 1}`, ErrMissingData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer server.Close()

			client := NewHTTPClient(server.Listener.Addr().String())
			_, err := client.Next(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestServiceHost_MetricsAndIdempotentStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	host, err := NewServiceHost(HostConfig{Name: "ids", Transport: KindHTTP, Metrics: metrics}, FromSlice(1))
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))

	client := dialHost(t, host)
	_, err = client.Next(context.Background())
	require.NoError(t, err)
	_, err = client.Next(context.Background())
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requests.WithLabelValues("ids", "next", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requests.WithLabelValues("ids", "next", "exhausted")))

	require.NoError(t, host.Stop(context.Background()))
	require.NoError(t, host.Stop(context.Background()))
	assert.Error(t, host.Start(context.Background()))
}

func TestNewServiceHost_RejectsInvalidSource(t *testing.T) {
	_, err := NewServiceHost(HostConfig{Name: "bad", Transport: KindRPC}, struct{}{})
	assert.Error(t, err)

	_, err = NewServiceHost(HostConfig{Name: "bad", Transport: "carrier-pigeon"}, NewCounter(1))
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindRPC, k)

	k, err = ParseKind("http")
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, k)

	_, err = ParseKind("smtp")
	assert.Error(t, err)
}
