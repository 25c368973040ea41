// Package api exposes the HTTP interface for the controller process.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/controller"
	"github.com/JakeFAU/follower-crawler/internal/metrics"
)

// StatsSource reports crawl counters.
type StatsSource interface {
	Stats() controller.Stats
}

// SessionSource lists the attached worker sessions.
type SessionSource interface {
	Snapshot() []*controller.Session
}

// Server wires HTTP handlers to the scheduler and session registry.
type Server struct {
	router   chi.Router
	stats    StatsSource
	sessions SessionSource
	logger   *zap.Logger
}

type workerView struct {
	Name    string `json:"name"`
	Account string `json:"account"`
	Alive   bool   `json:"alive"`
	Ready   bool   `json:"ready"`
	Pending int    `json:"pending"`
}

type statusView struct {
	controller.Stats
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	PerSecond      float64 `json:"per_second"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(stats StatsSource, sessions SessionSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		stats:    stats,
		sessions: sessions,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/workers", s.workers)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	st := s.stats.Stats()
	view := statusView{Stats: st, ElapsedSeconds: st.Elapsed.Seconds()}
	if view.ElapsedSeconds > 0 {
		view.PerSecond = float64(st.Completed) / view.ElapsedSeconds
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) workers(w http.ResponseWriter, _ *http.Request) {
	views := []workerView{}
	if s.sessions != nil {
		for _, sess := range s.sessions.Snapshot() {
			views = append(views, workerView{
				Name:    sess.Name(),
				Account: sess.Account(),
				Alive:   sess.IsAlive(),
				Ready:   sess.IsReady(),
				Pending: len(sess.PendingIdentifiers()),
			})
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

// Serve runs the server on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
