// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api serves the administrative HTTP API of the dispatch engine.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxdispatch/deadletter"
	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/absmach/fluxdispatch/ratelimit"
	"github.com/absmach/fluxdispatch/session"
	"github.com/absmach/fluxdispatch/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/net/netutil"
)

const defaultWaitTimeout = 30 * time.Second

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// MaxConnections caps concurrent connections; 0 means unlimited.
	MaxConnections int
	// WaitTimeout bounds how long an enqueue request waits for a result.
	WaitTimeout time.Duration
	TLSCertFile string
	TLSKeyFile  string
}

// Engine is the part of *dispatch.Engine the API drives.
type Engine interface {
	deadletter.Enqueuer
	Destinations() []string
	AllStats() []dispatch.Stats
	Stats(id string) (dispatch.Stats, error)
	State(id string) (dispatch.State, error)
	Pause(id string) error
	Resume(id string) error
	Shutdown(id string) error
	Peek(id string) ([]*dispatch.Entry, error)
}

// DeadLetters is the part of *deadletter.Sink the API drives.
type DeadLetters interface {
	Store() storage.DeadLetterStore
	Replay(ctx context.Context, q deadletter.Enqueuer, id string) (*dispatch.Entry, error)
}

// Sessions is the part of *session.Manager the API drives.
type Sessions interface {
	List() []session.Info
	Kill(id, reason string) error
}

// Limiter admits requests per client host. *ratelimit.KeyLimiter
// satisfies it.
type Limiter interface {
	Allow(key string) bool
}

// Server provides the administrative HTTP API.
type Server struct {
	config      Config
	engine      Engine
	deadLetters DeadLetters
	sessions    Sessions
	limiter     Limiter
	httpServer  *http.Server
	logger      *slog.Logger
}

// Option configures optional collaborators of a Server.
type Option func(*Server)

// WithDeadLetters enables the /deadletters routes.
func WithDeadLetters(dl DeadLetters) Option {
	return func(s *Server) { s.deadLetters = dl }
}

// WithSessions enables the /sessions routes.
func WithSessions(sm Sessions) Option {
	return func(s *Server) { s.sessions = sm }
}

// WithLimiter rejects requests over the per-host rate with 429.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// New creates a new API server.
func New(config Config, engine Engine, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaultWaitTimeout
	}

	s := &Server{
		config: config,
		engine: engine,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      h2c.NewHandler(s.Handler(), h2s),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: config.WaitTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}

	r.Route("/destinations", func(r chi.Router) {
		r.Get("/", s.handleListDestinations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleStats)
			r.Get("/state", s.handleState)
			r.Get("/entries", s.handlePeek)
			r.Post("/entries", s.handleEnqueue)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/shutdown", s.handleShutdown)
		})
	})

	if s.deadLetters != nil {
		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Delete("/", s.handlePurgeDeadLetters)
			r.Get("/{id}", s.handleGetDeadLetter)
			r.Delete("/{id}", s.handleDeleteDeadLetter)
			r.Post("/{id}/replay", s.handleReplayDeadLetter)
		})
	}

	if s.sessions != nil {
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/{id}/kill", s.handleKillSession)
	}

	return r
}

// Listen starts the API server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("API server listen: %w", err)
	}
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Info("starting API server with TLS",
				slog.String("address", ln.Addr().String()))
			err = s.httpServer.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Info("starting API server (h2c)",
				slog.String("address", ln.Addr().String()))
			err = s.httpServer.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(ratelimit.HostOf(r.RemoteAddr)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
