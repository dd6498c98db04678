// Package server exposes the ingestion HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/theirongolddev/datareceiver/internal/metrics"
	"github.com/theirongolddev/datareceiver/internal/ratelimit"
	"github.com/theirongolddev/datareceiver/internal/store"
)

// Ingest stores one document in database/table.
type Ingest interface {
	Ingest(ctx context.Context, database, table string, payload []byte) (store.Record, error)
}

// Config controls the HTTP runtime.
type Config struct {
	Addr              string
	RequestTimeout    time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxBodyBytes      int64

	// Limiter is optional; nil disables rate limiting.
	Limiter *ratelimit.Limiter
}

// Service serves the ingestion API.
type Service struct {
	cfg     Config
	ing     Ingest
	metrics *metrics.Registry
	log     *slog.Logger
	handler http.Handler
}

// New returns a Service writing through ing.
func New(cfg Config, ing Ingest, reg *metrics.Registry, logger *slog.Logger) *Service {
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:8888"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if reg == nil {
		reg = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:     cfg,
		ing:     ing,
		metrics: reg,
		log:     logger,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.handler
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	var put http.Handler = http.HandlerFunc(s.handlePut)
	if s.cfg.Limiter != nil {
		// Only writes are limited; liveness and scrapes always answer.
		put = ratelimit.Middleware(s.cfg.Limiter, put, s.rejectRateLimited)
	}
	mux.Handle("PUT /{database}/{table}", put)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.Handle("GET /metrics", s.metrics.Handler())

	h := s.observe(mux)
	h = s.accessLog(h)
	return requestID(h)
}

// Run listens on the configured address until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		s.log.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}
