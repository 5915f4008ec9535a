// Package api provides the HTTP server for BotPipe.
//
// It exposes the intercept endpoint, the Twilio inbound webhook and session
// inspection endpoints on top of the flow engine and the store.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/BotPipe/internal/flow"
	"github.com/BTreeMap/BotPipe/internal/store"
	"github.com/BTreeMap/BotPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultServerAddress is the default address for the API server
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultTranscriptLimit is the number of transcript lines returned by session inspection
	DefaultTranscriptLimit = 20
	// maxRequestBodyBytes caps JSON request bodies
	maxRequestBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	// TwilioWebhook, when set, is mounted at POST /webhooks/twilio.
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithShutdownTimeout sets how long Run waits for in-flight requests on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook handler.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// Repo is the read side of the store the API inspects.
type Repo interface {
	store.SessionRepo
	store.TranscriptRepo
}

// Server wires HTTP routes to the engine.
type Server struct {
	engine *flow.Engine
	repo   Repo
	opts   Opts
	now    func() time.Time
}

// NewServer creates a Server for engine over repo.
func NewServer(engine *flow.Engine, repo Repo, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{engine: engine, repo: repo, opts: cfg, now: time.Now}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bot/intercept", s.interceptHandler)
	mux.HandleFunc("GET /sessions/{tenant}/{user}", s.sessionHandler)
	mux.HandleFunc("POST /sessions/{tenant}/{user}/reset", s.resetSessionHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.opts.TwilioWebhook)
	}
	return withRequestID(mux)
}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// withRequestID echoes the caller's request id, or a generated one, on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = util.GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		slog.Debug("Server.Handler: request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Run: listen failed", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
