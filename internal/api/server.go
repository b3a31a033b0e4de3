// Package api serves the host HTTP API.
//
// Routes:
//
//	GET  /healthz
//	GET  /api/v1/entities                     ?domain=
//	GET  /api/v1/entities/{domain}/{id}
//	PUT  /api/v1/entities/{domain}/{id}       request a desired state
//	POST /api/v1/entities/{domain}/{id}/toggle
//	POST /api/v1/refresh
//	GET  /api/v1/stats
//	GET  /api/v1/events                       ?limit= &entity=domain/id
//	GET  /api/v1/events/stream                websocket, ?format=binary &domain=
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xtxerr/policysync/config"
	"github.com/xtxerr/policysync/internal/engine"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/snapshot"
)

var log = logging.Component("api")

// =============================================================================
// Dependencies
// =============================================================================

// Engine is the part of the sync engine the API drives.
type Engine interface {
	List(domain snapshot.Domain) []engine.Entity
	CurrentState(key snapshot.Key) (snapshot.StateRecord, bool)
	RequestChange(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) error
	Toggle(ctx context.Context, key snapshot.Key, enabled bool) error
	Refresh(ctx context.Context) (*engine.RefreshResult, error)
	Stats() engine.Stats
	Healthy() bool
	Ready() bool
}

// Journal answers event history queries.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]notify.Event, error)
	ForEntity(ctx context.Context, key snapshot.Key, limit int) ([]notify.Event, error)
}

// =============================================================================
// Server
// =============================================================================

// Config holds API server configuration.
type Config struct {
	Listen string

	// RequestTimeout bounds non-streaming requests, including the wait for a
	// debounced write.
	RequestTimeout time.Duration

	// PingInterval is the websocket keepalive interval.
	PingInterval time.Duration
}

// DefaultConfig returns default API configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         config.DefaultListenAddress,
		RequestTimeout: 30 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

// Server is the host HTTP API.
type Server struct {
	cfg     *Config
	engine  Engine
	journal Journal
	bus     *notify.Bus
	router  chi.Router

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	streams  sync.WaitGroup
	shutdown chan struct{}
}

// New creates a server. journal may be nil, in which case the history
// endpoint reports the journal as unavailable. bus may be nil, which
// disables the stream endpoint.
func New(cfg *Config, eng Engine, journal Journal, bus *notify.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		engine:   eng,
		journal:  journal,
		bus:      bus,
		shutdown: make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// The stream is long-lived; everything else is bounded
		r.Get("/events/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Get("/entities", s.handleListEntities)
			r.Get("/entities/{domain}/{id}", s.handleGetEntity)
			r.Put("/entities/{domain}/{id}", s.handleRequestChange)
			r.Post("/entities/{domain}/{id}/toggle", s.handleToggle)
			r.Post("/refresh", s.handleRefresh)
			r.Get("/stats", s.handleStats)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.listener = ln
	s.mu.Unlock()

	log.Info("api listening", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Addr returns the listen address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests, closes open streams and waits for
// in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	log.Info("api stopped")
	return err
}

// requestLogger logs each request through the component logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
