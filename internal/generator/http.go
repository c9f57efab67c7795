package generator

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// HTTPTransport serves a generator over HTTP on a freshly allocated port.
//
//	GET /data        -> Next
//	GET /data?key=K  -> Get(K)
//
// Responses are always JSON: {"data": value} or {"error": message}.
type HTTPTransport struct {
	name    string
	bind    string
	state   *State
	metrics *Metrics

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	served   chan error
}

func newHTTPTransport(name, bind string, state *State, metrics *Metrics) *HTTPTransport {
	return &HTTPTransport{name: name, bind: bind, state: state, metrics: metrics}
}

// Kind returns KindHTTP.
func (t *HTTPTransport) Kind() Kind {
	return KindHTTP
}

// Handler returns the gin engine serving the data endpoint.
func (t *HTTPTransport) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/data", t.handleData)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint " + c.Request.URL.Path})
	})
	engine.HandleMethodNotAllowed = true
	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method " + c.Request.Method + " not allowed"})
	})
	return engine
}

func (t *HTTPTransport) handleData(c *gin.Context) {
	start := time.Now()

	var (
		v   interface{}
		err error
		op  = "next"
	)
	if key, ok := c.GetQuery("key"); ok {
		op = "get"
		v, err = t.state.Get(key)
	} else {
		v, err = t.state.Next()
	}
	t.metrics.observe(t.name, op, start, err)

	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": v})
}

func httpStatus(err error) int {
	switch {
	case isExhausted(err):
		return http.StatusGone
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Start binds a free port and serves in the background.
func (t *HTTPTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return errors.Errorf("http transport for %s already started", t.name)
	}

	lis, err := listenFree(t.bind)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.server = server
	t.listener = lis
	t.served = make(chan error, 1)

	go func() {
		t.served <- server.Serve(lis)
	}()

	log.WithFields(log.Fields{"generator": t.name, "address": lis.Addr().String()}).Debug("http generator service listening")
	return nil
}

// Stop shuts the server down gracefully.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	server := t.server
	served := t.served
	t.server = nil
	t.mu.Unlock()

	if server == nil {
		return nil
	}

	if err := server.Shutdown(ctx); err != nil {
		_ = server.Close()
		return errors.Wrapf(err, "graceful stop of http generator %s", t.name)
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "http generator %s", t.name)
	}
	return nil
}

// Addr returns the bound host:port.
func (t *HTTPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}
