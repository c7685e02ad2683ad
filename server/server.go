// Package server implements the process supervisor and its realtime
// gateway: the record registry, stream readers, lifecycle controller,
// session registry, WebSocket gateway, and the HTTP surface that ties them
// together.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/matgreaves/warden/bus"
	"github.com/matgreaves/warden/knowledge"
)

// Server wires the whole system: one bus, one registry, one supervisor, one
// session registry, one gateway, and the HTTP mux serving the WebSocket
// path, health, metrics, and static assets.
type Server struct {
	opts Options
	log  *logrus.Logger

	bus        *bus.Bus
	registry   *Registry
	supervisor *Supervisor
	sessions   *SessionRegistry
	gateway    *Gateway
	know       *knowledge.Store
	watcher    *knowledge.Watcher
	metrics    *Metrics

	mux     *http.ServeMux
	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// New composes a server from options. The knowledge store is enabled only
// when KnowledgeDir is set.
func New(opts Options) (*Server, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	eb := bus.New(log)
	registry := NewRegistry(opts.RingCapacity)
	supervisor := NewSupervisor(registry, eb, log, opts)
	sessions := NewSessionRegistry(opts.Clock, log)
	metrics := NewMetrics(registry, sessions)

	var know *knowledge.Store
	var watcher *knowledge.Watcher
	if opts.KnowledgeDir != "" {
		var err error
		know, err = knowledge.Open(opts.KnowledgeDir, eb, log)
		if err != nil {
			return nil, fmt.Errorf("open knowledge store: %w", err)
		}
		watcher, err = knowledge.NewWatcher(opts.KnowledgeDir, eb, log)
		if err != nil {
			return nil, fmt.Errorf("watch knowledge store: %w", err)
		}
	}

	gateway := NewGateway(registry, supervisor, sessions, know, eb, metrics, log, opts)

	s := &Server{
		opts:       opts,
		log:        log,
		bus:        eb,
		registry:   registry,
		supervisor: supervisor,
		sessions:   sessions,
		gateway:    gateway,
		know:       know,
		watcher:    watcher,
		metrics:    metrics,
		mux:        http.NewServeMux(),
	}

	s.mux.Handle(opts.Path, gateway)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.Handle("/", newStaticHandler(opts.PublicDir, log))
	s.httpSrv = &http.Server{Handler: s}

	return s, nil
}

// ServeHTTP implements http.Handler, exposing the full route table. Any
// ".." path segment is refused here, ahead of the mux, which would
// otherwise clean-and-redirect the request before the static handler could
// reject it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, seg := range strings.Split(r.URL.Path, "/") {
		if seg == ".." {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// Supervisor returns the lifecycle controller, for embedding callers.
func (s *Server) Supervisor() *Supervisor { return s.supervisor }

// Registry returns the process record store.
func (s *Server) Registry() *Registry { return s.registry }

// Bus returns the event bus.
func (s *Server) Bus() *bus.Bus { return s.bus }

// Addr returns the bound listen address once Run has started, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run binds the listener and serves until ctx is cancelled or the listener
// fails. On cancellation it performs a full Shutdown with the configured
// timeout and returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr(), err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.WithField("addr", ln.Addr().String()).Info("server listening")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.watcher != nil {
		go func() {
			if err := s.watcher.Run(runCtx); err != nil && runCtx.Err() == nil {
				s.log.WithError(err).Warn("knowledge watcher stopped")
			}
		}()
	}
	if s.opts.JanitorInterval > 0 {
		go s.janitor(runCtx)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpSrv.Serve(ln) }()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutCtx)
	}
}

// janitor periodically sweeps inactive sessions.
func (s *Server) janitor(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if n := s.sessions.CleanupInactive(s.opts.SessionMaxAge); n > 0 {
				s.log.WithField("removed", n).Debug("swept inactive sessions")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the gateway, the supervisor, and the HTTP server, in that
// order, aggregating errors. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var result *multierror.Error

	s.gateway.Stop()
	if err := s.supervisor.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("supervisor: %w", err))
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("knowledge watcher: %w", err))
		}
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http: %w", err))
	}
	s.log.Info("server stopped")
	return result.ErrorOrNil()
}

// handleHealth reports liveness plus the session headroom.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"connections":    s.sessions.Len(),
		"maxConnections": s.opts.MaxConnections,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
