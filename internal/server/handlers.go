package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/api"
	"github.com/vietddude/adsync/internal/infra/api/classify"
	"github.com/vietddude/adsync/internal/infra/redis"
	"github.com/vietddude/adsync/internal/infra/storage"
	"github.com/vietddude/adsync/internal/syncing/scheduler"
)

const defaultListLimit = 100

type statusResponse struct {
	Client    api.ClientStatus `json:"client"`
	Scheduler scheduler.Status `json:"scheduler"`
}

type createJobRequest struct {
	ID         string         `json:"id" validate:"required"`
	AccountIDs []string       `json:"account_ids" validate:"required,min=1,dive,required"`
	Interval   string         `json:"interval" validate:"required"`
	MaxRetries *int           `json:"max_retries" validate:"omitempty,min=0"`
	Paused     bool           `json:"paused"`
	Options    map[string]any `json:"options"`
}

type updateJobRequest struct {
	AccountIDs []string       `json:"account_ids" validate:"omitempty,min=1,dive,required"`
	Interval   *string        `json:"interval"`
	MaxRetries *int           `json:"max_retries" validate:"omitempty,min=0"`
	Enabled    *bool          `json:"enabled"`
	Options    map[string]any `json:"options"`
}

type resolveRequest struct {
	Method string `json:"method"`
}

type triggerResponse struct {
	JobID  string             `json:"job_id"`
	Status string             `json:"status"`
	Result *domain.SyncResult `json:"result,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.Monitor.CheckHealth(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, statusResponse{
		Client:    s.deps.Client.Status(),
		Scheduler: s.deps.Scheduler.Status(),
	})
}

// Jobs

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.Scheduler.Jobs())
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid interval: %w", err))
		return
	}

	var opts []scheduler.JobOption
	if req.MaxRetries != nil {
		opts = append(opts, scheduler.WithMaxRetries(*req.MaxRetries))
	}
	if req.Paused {
		opts = append(opts, scheduler.WithPaused())
	}
	job, err := s.deps.Scheduler.AddJob(req.ID, req.AccountIDs, req.Options, interval, opts...)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, scheduler.ErrJobExists) {
			code = http.StatusConflict
		}
		respondError(w, code, err)
		return
	}
	respond(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.Job(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respond(w, http.StatusOK, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var req updateJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	u := scheduler.JobUpdate{
		AccountIDs: req.AccountIDs,
		Options:    req.Options,
		MaxRetries: req.MaxRetries,
		Enabled:    req.Enabled,
	}
	if req.Interval != nil {
		d, err := time.ParseDuration(*req.Interval)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid interval: %w", err))
			return
		}
		u.Interval = &d
	}

	job, err := s.deps.Scheduler.UpdateJob(chi.URLParam(r, "id"), u)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		respondError(w, code, err)
		return
	}
	respond(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.RemoveJob(chi.URLParam(r, "id")); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.deps.Scheduler.PauseJob)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.deps.Scheduler.ResumeJob)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := chi.URLParam(r, "id")
	if err := action(id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	job, err := s.deps.Scheduler.Job(id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respond(w, http.StatusOK, job)
}

// handleTriggerJob starts a run in the background and answers 202, or with
// ?wait=true blocks until the run finishes.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Scheduler.Job(id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		result, err := s.deps.Scheduler.TriggerSync(r.Context(), id)
		if err != nil {
			respondError(w, statusFor(err), err)
			return
		}
		respond(w, http.StatusOK, triggerResponse{JobID: id, Status: "completed", Result: result})
		return
	}

	go func() {
		if _, err := s.deps.Scheduler.TriggerSync(context.Background(), id); err != nil {
			s.log.Warn("Triggered sync failed", "job", id, "error", err)
		}
	}()
	respond(w, http.StatusAccepted, triggerResponse{JobID: id, Status: "accepted"})
}

// Scheduler

func (s *Server) handlePauseScheduler(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Pause()
	respond(w, http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handleResumeScheduler(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Resume()
	respond(w, http.StatusOK, s.deps.Scheduler.Status())
}

// History

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	filter := storage.HistoryFilter{
		JobID:  q.Get("job"),
		Status: domain.HistoryStatus(q.Get("status")),
		Limit:  limit,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		filter.Since = t
	}

	if s.deps.History != nil {
		entries, err := s.deps.History.List(r.Context(), filter)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		respond(w, http.StatusOK, entries)
		return
	}

	entries := make([]*domain.SyncHistoryEntry, 0)
	for _, e := range s.deps.Scheduler.History(filter.JobID, 0) {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && e.StartTime.Before(filter.Since) {
			continue
		}
		entries = append(entries, e)
		if len(entries) == filter.Limit {
			break
		}
	}
	respond(w, http.StatusOK, entries)
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.History != nil {
		entry, err := s.deps.History.Get(r.Context(), id)
		if err != nil {
			respondError(w, statusFor(err), err)
			return
		}
		respond(w, http.StatusOK, entry)
		return
	}
	for _, e := range s.deps.Scheduler.History("", 0) {
		if e.ID == id {
			respond(w, http.StatusOK, e)
			return
		}
	}
	respondError(w, http.StatusNotFound, fmt.Errorf("%w: %s", storage.ErrHistoryNotFound, id))
}

// Errors

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respond(w, http.StatusOK, s.deps.Client.Classifier().Recent(limit))
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.Client.Classifier().Stats())
}

func (s *Server) handleResolveError(w http.ResponseWriter, r *http.Request) {
	req := resolveRequest{Method: "manual"}
	if r.ContentLength > 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}
	if err := s.deps.Client.Classifier().MarkResolved(chi.URLParam(r, "id"), req.Method); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Client state

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Client
	switch target := chi.URLParam(r, "target"); target {
	case "ratelimits":
		c.ResetRateLimits()
	case "breaker":
		c.ResetCircuitBreaker()
	case "all":
		c.ResetAll()
	default:
		respondError(w, http.StatusNotFound, fmt.Errorf("unknown reset target %q", target))
		return
	}
	respond(w, http.StatusOK, c.Status())
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quota != nil {
		entries, err := s.deps.Quota.All(r.Context())
		if err != nil {
			respondError(w, http.StatusBadGateway, err)
			return
		}
		respond(w, http.StatusOK, entries)
		return
	}

	entries := make([]redis.QuotaEntry, 0)
	for _, st := range s.deps.Client.Status().RateLimits {
		if st.Quota != nil {
			entries = append(entries, redis.QuotaEntry{LimitType: st.LimitType, ID: st.ID, Usage: *st.Quota})
		}
	}
	respond(w, http.StatusOK, entries)
}

// Helpers

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, classify.ErrEntryNotFound),
		errors.Is(err, storage.ErrHistoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobExists),
		errors.Is(err, scheduler.ErrSyncInProgress),
		errors.Is(err, scheduler.ErrSyncCancelled):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrQueueTimeout),
		errors.Is(err, scheduler.ErrSchedulerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, err error) {
	respond(w, code, map[string]string{"error": err.Error()})
}
