// Package api exposes the daemon's control surface over local HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tidyd/internal/scheduler"
	"tidyd/internal/watchdog"
	"tidyd/pkg/logx"
)

// WatchdogStatus is the slice of the watchdog the API needs.
type WatchdogStatus interface {
	LastStatus() (watchdog.HealthStatus, bool)
}

// UsageReporter is the slice of the analyzer the API needs.
type UsageReporter interface {
	Report(ctx context.Context) (map[string]map[int]float64, error)
}

// Server serves the task CRUD, usage report and watchdog status routes.
type Server struct {
	http  *http.Server
	sched *scheduler.Service
	rep   UsageReporter
	wd    WatchdogStatus
	log   logx.Logger
}

func NewServer(addr string, sched *scheduler.Service, rep UsageReporter, wd WatchdogStatus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{sched: sched, rep: rep, wd: wd, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Get("/upcoming", s.handleUpcoming)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Put("/", s.handleUpdateTask)
			r.Delete("/", s.handleDeleteTask)
			r.Post("/run", s.handleRunTask)
		})
	})
	r.Get("/usage/report", s.handleUsageReport)
	r.Get("/watchdog/status", s.handleWatchdogStatus)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) ListenAndServe() error {
	s.log.Info("api listening", logx.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
