// Package server exposes the admin HTTP API: health, metrics, job control,
// history and client state.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/adsync/internal/infra/api"
	"github.com/vietddude/adsync/internal/infra/redis"
	"github.com/vietddude/adsync/internal/infra/storage"
	"github.com/vietddude/adsync/internal/metrics"
	"github.com/vietddude/adsync/internal/syncing/scheduler"
)

// QuotaLister lists shared quota usage, usually the Redis quota cache.
type QuotaLister interface {
	All(ctx context.Context) ([]redis.QuotaEntry, error)
}

// Deps are the components served by the API. History and Quota are optional.
type Deps struct {
	Client    *api.Client
	Scheduler *scheduler.Scheduler
	Monitor   *Monitor
	History   storage.HistoryRepository
	Quota     QuotaLister
}

// Server provides the admin HTTP endpoints.
type Server struct {
	deps     Deps
	validate *validator.Validate
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a new admin server listening on port.
func NewServer(deps Deps, port int) *Server {
	if deps.Monitor == nil {
		deps.Monitor = NewMonitor(DefaultCheckInterval)
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      slog.Default().With("component", "server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("Admin API listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(countRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleCreateJob)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Patch("/", s.handleUpdateJob)
			r.Delete("/", s.handleDeleteJob)
			r.Post("/pause", s.handlePauseJob)
			r.Post("/resume", s.handleResumeJob)
			r.Post("/trigger", s.handleTriggerJob)
		})
	})

	r.Post("/scheduler/pause", s.handlePauseScheduler)
	r.Post("/scheduler/resume", s.handleResumeScheduler)

	r.Get("/history", s.handleHistory)
	r.Get("/history/{id}", s.handleHistoryEntry)

	r.Route("/errors", func(r chi.Router) {
		r.Get("/", s.handleErrors)
		r.Get("/stats", s.handleErrorStats)
		r.Post("/{id}/resolve", s.handleResolveError)
	})

	r.Post("/reset/{target}", s.handleReset)
	r.Get("/quota", s.handleQuota)

	return r
}

// countRequests feeds HTTPRequestsTotal with the matched route pattern.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	})
}
