// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the query and channel surface of the
// pipeline: a handful of read-only REST endpoints over the enrichment
// cache and event store, the status snapshot, and the websocket
// endpoint where clients join the killmail lobby and become
// subscriptions.
package apiserver

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/kvcache"
	"github.com/killstream/killstream/internal/subscriptions"
)

// Store answers the running kill count per system.
type Store interface {
	KillCount(systemID uint32) uint64
}

// Status supplies the aggregated health snapshot for /status.
type Status interface {
	Latest() params.StatusSnapshot
}

// Registry registers and maintains channel subscriptions.
type Registry interface {
	Subscribe(ctx context.Context, req subscriptions.Request) (string, error)
	Update(subID string, systems []uint32) error
	Remove(ctx context.Context, subID string) error
	DetachSender(subID string)
}

// Reporter backs the introspection endpoint.
type Reporter interface {
	Report() map[string]any
}

// Config holds the dependencies and tunables of the server.
type Config struct {
	// Listener is the socket to serve on. The server owns it.
	Listener net.Listener

	Cache    *kvcache.Cache
	Store    Store
	Status   Status
	Registry Registry
	Logger   logger.Logger
	Clock    clock.Clock

	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	// Reporter, when set, backs /debug/report.
	Reporter Reporter

	// ShutdownTimeout bounds the drain of in-flight requests once the
	// server is asked to stop.
	ShutdownTimeout time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("missing listener")
	}
	if c.Cache == nil {
		return errors.NotValidf("missing cache")
	}
	if c.Store == nil {
		return errors.NotValidf("missing store")
	}
	if c.Status == nil {
		return errors.NotValidf("missing status")
	}
	if c.Registry == nil {
		return errors.NotValidf("missing registry")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.NotValidf("shutdown timeout %v", c.ShutdownTimeout)
	}
	return nil
}

// Server is the HTTP server worker.
type Server struct {
	catacomb catacomb.Catacomb
	config   Config
	mux      *Mux
	addr     string
}

// NewServer starts an HTTP server on the configured listener.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Server{
		config: config,
		mux:    NewMux(),
		addr:   config.Listener.Addr().String(),
	}
	if err := s.registerHandlers(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "http-server",
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}

// Report is shown in the engine report.
func (s *Server) Report() map[string]any {
	return map[string]any{
		"addr": s.addr,
	}
}

func (s *Server) registerHandlers() error {
	rest := &restHandlers{
		cache:    s.config.Cache,
		store:    s.config.Store,
		status:   s.config.Status,
		reporter: s.config.Reporter,
		logger:   s.config.Logger,
	}
	channel := &channelHandler{
		registry: s.config.Registry,
		logger:   s.config.Logger,
		clock:    s.config.Clock,
		stop:     s.catacomb.Dying(),
	}

	endpoints := []struct {
		method  string
		pattern string
		handler http.Handler
	}{
		{"GET", "/ping", http.HandlerFunc(rest.ping)},
		{"GET", "/killmail/:id", http.HandlerFunc(rest.killmail)},
		{"GET", "/system_killmails/:system_id", http.HandlerFunc(rest.systemKillmails)},
		{"GET", "/kills_for_system/:system_id", http.HandlerFunc(rest.killsForSystem)},
		{"GET", "/kill_count/:system_id", http.HandlerFunc(rest.killCount)},
		{"GET", "/status", http.HandlerFunc(rest.statusSnapshot)},
		{"GET", "/ws/killmails", channel},
	}
	if s.config.Metrics != nil {
		endpoints = append(endpoints, struct {
			method  string
			pattern string
			handler http.Handler
		}{"GET", "/metrics", s.config.Metrics})
	}
	if s.config.Reporter != nil {
		endpoints = append(endpoints, struct {
			method  string
			pattern string
			handler http.Handler
		}{"GET", "/debug/report", http.HandlerFunc(rest.report)})
	}

	for _, ep := range endpoints {
		if err := s.mux.AddHandler(ep.method, ep.pattern, ep.handler); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (s *Server) loop() error {
	ctx, cancel := s.scopedContext()
	defer cancel()

	server := &http.Server{
		Handler: &requestLogger{
			handler: s.mux,
			logger:  s.config.Logger,
			clock:   s.config.Clock,
		},
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(s.config.Listener)
	}()
	s.config.Logger.Infof(ctx, "listening on %s", s.addr)

	select {
	case <-s.catacomb.Dying():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			// The grace period expired with requests still in flight.
			s.config.Logger.Warningf(ctx, "shutdown grace expired: %v", err)
			_ = server.Close()
		}
		<-serveErr
		return s.catacomb.ErrDying()
	case err := <-serveErr:
		return errors.Annotate(err, "http server")
	}
}

func (s *Server) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(s.catacomb.Context(context.Background()))
}

// requestLogger wraps the mux, logging one line per completed request.
type requestLogger struct {
	handler http.Handler
	logger  logger.Logger
	clock   clock.Clock
}

// ServeHTTP is part of the http.Handler interface.
func (l *requestLogger) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := l.clock.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	l.handler.ServeHTTP(rec, req)
	l.logger.Debugf(req.Context(), "%s %s -> %d (%s)",
		req.Method, req.URL.Path, rec.status, l.clock.Now().Sub(start))
}

// statusRecorder captures the response status for the request log. It
// passes hijacking through so websocket upgrades still work behind the
// logger.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

// WriteHeader is part of the http.ResponseWriter interface.
func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack is part of the http.Hijacker interface.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.NotSupportedf("hijacking connection")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.hijacked = true
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}
