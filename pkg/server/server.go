// Package server exposes the turn processor over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/agent"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/config"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
)

const (
	sessionHeader      = "X-Session-ID"
	maxRequestBodySize = 1 << 20
)

// Server serves POST /chat. A nil processor is allowed; every chat request
// then fails with ErrUninitialized.
type Server struct {
	addr        string
	streaming   bool
	sessionIdle time.Duration
	processor   *agent.Processor
	registry    *agent.Registry
}

func New(cfg *config.Config, processor *agent.Processor, registry *agent.Registry) *Server {
	if registry == nil {
		registry = agent.NewRegistry(cfg.Memory.ScopePerSession)
	}
	return &Server{
		addr:        cfg.ServerAddr(),
		streaming:   cfg.Server.Streaming,
		sessionIdle: time.Duration(cfg.Server.SessionIdleMinutes) * time.Minute,
		processor:   processor,
		registry:    registry,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(cors)

	r.Post("/chat", s.handleChat)
	return r
}

// ListenAndServe runs until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streamed responses can run for the whole turn.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.sweepSessions(sweepCtx, s.sessionIdle)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("server", "Server listening", map[string]interface{}{
			"addr":      s.addr,
			"streaming": s.streaming,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.InfoC("server", "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// sweepSessions evicts idle sessions every idle/2 until ctx is done. A zero
// idle disables it.
func (s *Server) sweepSessions(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.EvictIdle(idle)
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.InfoCF("server", "Request served", map[string]interface{}{
			"request_id":  chiMiddleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
