// Package bridge exposes a coordinator over HTTP and websockets so a page
// agent can run in another process or on another machine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/eventq"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// Controller is the coordinator surface served by the bridge.
type Controller interface {
	Post(protocol.Message) bool
	Start() bool
	Stop() bool
	Retry() bool
	ProbeAgent() bool
	Status() store.SessionRecord
	Subscribe() (<-chan store.SessionRecord, func())
}

// Options configures the bridge server.
type Options struct {
	Addr string
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	// Registerer receives the bridge's own request metrics. Nil uses
	// Gatherer when it is also a Registerer, else the default registry.
	Registerer prometheus.Registerer
}

// Server hosts the control API and the page agent link. It implements
// protocol.Sink so it can be the coordinator's downstream.
type Server struct {
	ctl        Controller
	httpServer *http.Server
	addr       string

	mu      sync.Mutex
	link    *agentLink
	nextID  int
	started bool
}

type agentLink struct {
	id     int
	out    *eventq.Mailbox[protocol.Message]
	cancel context.CancelFunc
}

// New constructs a bridge for ctl.
func New(ctl Controller, opts Options) *Server {
	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:7420"
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	reg := opts.Registerer
	if reg == nil {
		if r, ok := gatherer.(prometheus.Registerer); ok {
			reg = r
		} else {
			reg = prometheus.DefaultRegisterer
		}
	}
	srv := &Server{ctl: ctl, addr: addr}
	metrics := newHTTPMetrics(reg)

	mux := http.NewServeMux()
	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.instrument(pattern, h))
	}
	handle("GET /api/status", http.HandlerFunc(srv.handleStatus))
	handle("POST /api/start", srv.control("start", ctl.Start))
	handle("POST /api/stop", srv.control("stop", ctl.Stop))
	handle("POST /api/retry", srv.control("retry", ctl.Retry))
	handle("GET /ws", http.HandlerFunc(srv.handleAgentLink))
	handle("GET /ws/status", http.HandlerFunc(srv.handleStatusStream))
	handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	handle("GET /api/{rest...}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	}))

	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the HTTP handler, for embedding or tests.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}

// Start listens and serves in a background goroutine. A zero port is
// replaced by the bound one.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", srv.addr, err)
	}
	srv.mu.Lock()
	srv.addr = ln.Addr().String()
	srv.started = true
	srv.mu.Unlock()
	srv.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("bridge", "server stopped with error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server and drops the agent link.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	if srv.link != nil {
		srv.link.cancel()
		srv.link = nil
	}
	started := srv.started
	srv.mu.Unlock()
	if !started {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the host:port the server is (or will be) bound to.
func (srv *Server) Addr() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.addr
}

// URL returns the base URL of the server.
func (srv *Server) URL() string {
	return "http://" + srv.Addr()
}

// Port returns the bound port, or 0 when unknown.
func (srv *Server) Port() int {
	_, port := splitHostPort(srv.Addr())
	return port
}

// Connected reports whether a page agent is linked.
func (srv *Server) Connected() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.link != nil
}

// Post forwards a command to the linked page agent. Without a link the
// command is dropped.
func (srv *Server) Post(msg protocol.Message) bool {
	srv.mu.Lock()
	l := srv.link
	srv.mu.Unlock()
	if l == nil {
		debug.LogKV("bridge", "no page agent linked, dropping command", "type", msg.Type)
		return false
	}
	return l.out.Post(msg)
}

// attach makes a new connection the active link, closing the previous one.
func (srv *Server) attach(cancel context.CancelFunc) *agentLink {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.link != nil {
		debug.LogKV("bridge", "replacing page agent link", "link", srv.link.id)
		srv.link.cancel()
	}
	srv.nextID++
	srv.link = &agentLink{
		id:     srv.nextID,
		out:    eventq.NewMailbox[protocol.Message](256),
		cancel: cancel,
	}
	return srv.link
}

func (srv *Server) detach(l *agentLink) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.link == l {
		srv.link = nil
	}
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.ctl.Status())
}

func (srv *Server) control(name string, fn func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !fn() {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("coordinator did not accept %s", name))
			return
		}
		debug.LogKV("bridge", "control request accepted", "action", name)
		writeJSON(w, http.StatusAccepted, srv.ctl.Status())
	}
}
