package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/metrics"
)

const (
	triggerScheduled = "scheduled"
	triggerManual    = "manual"
)

// TriggerSync runs a job now, outside its timer. It works while the scheduler
// is stopped; the run then derives only from ctx.
func (s *Scheduler) TriggerSync(ctx context.Context, id string) (*domain.SyncResult, error) {
	return s.executeSync(ctx, id, triggerManual)
}

func (s *Scheduler) onTimer(id string, gen uint64) {
	s.mu.Lock()
	jt, ok := s.timers[id]
	if !ok || jt.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)

	job, ok := s.jobs[id]
	if !ok || !s.running || s.paused || !job.Enabled {
		s.mu.Unlock()
		return
	}
	job.NextRun = time.Time{}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_, err := s.executeSync(ctx, id, triggerScheduled)
	if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrQueueTimeout) {
		s.mu.Lock()
		// A run of this job reschedules on finish; otherwise retry later.
		if job, ok := s.jobs[id]; ok && s.runs[id] == nil && s.timers[id].t == nil {
			s.scheduleLocked(job, max(s.nextDelayLocked(job), s.cfg.FirstRunDelay))
		}
		s.mu.Unlock()
	}
}

// conflictedLocked reports whether starting a run of id now would overlap its
// own run or exceed the concurrency cap.
func (s *Scheduler) conflictedLocked(id string) bool {
	if _, running := s.runs[id]; running {
		return true
	}
	return s.active >= s.cfg.MaxConcurrentSyncs
}

func (s *Scheduler) executeSync(ctx context.Context, id, trigger string) (*domain.SyncResult, error) {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if s.conflictedLocked(id) && s.cfg.ConflictStrategy == ConflictCancelExisting {
		if r, ok := s.runs[id]; ok {
			s.cancelRunLocked(id, r, "superseded by a new run")
		}
	}
	if s.conflictedLocked(id) {
		if s.cfg.ConflictStrategy == ConflictSkip {
			active := s.active
			s.mu.Unlock()
			s.log.Info("Skipping sync, conflict", "job", id, "trigger", trigger, "active", active)
			return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, id)
		}
		if err := s.waitTurnLocked(ctx, id); err != nil {
			s.mu.Unlock()
			s.log.Warn("Queued sync not started", "job", id, "trigger", trigger, "error", err)
			return nil, err
		}
	}

	job := s.jobs[id]
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	r := &run{id: uuid.NewString(), start: s.now(), cancel: cancel}
	s.runs[id] = r
	s.active++
	metrics.SyncActive.Set(float64(s.active))

	s.stopTimerLocked(id)
	job.NextRun = time.Time{}
	job.LastRun = r.start
	if job.Enabled {
		job.Status = domain.JobStatusRunning
	}
	accounts := slices.Clone(job.AccountIDs)
	options := job.Clone().Options
	s.mu.Unlock()

	s.log.Info("Sync started", "job", id, "run", r.id, "trigger", trigger, "accounts", len(accounts))
	s.bus.Publish(SyncStarted{
		Meta:       Meta{JobID: id, At: r.start},
		RunID:      r.id,
		Trigger:    trigger,
		AccountIDs: accounts,
	})

	result, err := s.runOperation(runCtx, id, accounts, options)
	cancel()

	if cancelled := s.finish(id, r, result, err); cancelled {
		return result, fmt.Errorf("%w: %s", ErrSyncCancelled, id)
	}
	return result, err
}

// waitTurnLocked holds the caller in the FIFO conflict queue until the job can
// run. It is entered and left with s.mu held.
func (s *Scheduler) waitTurnLocked(ctx context.Context, id string) error {
	w := &waiter{jobID: id, ready: make(chan struct{}, 1)}
	elem := s.waiters.PushBack(w)
	defer s.waiters.Remove(elem)

	timeout := time.NewTimer(s.cfg.QueueTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(s.cfg.QueuePollInterval)
	defer poll.Stop()

	s.log.Debug("Sync queued", "job", id, "queued", s.waiters.Len())
	for {
		if w.err != nil {
			return w.err
		}
		if _, ok := s.jobs[id]; !ok {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if s.admissibleLocked(elem) {
			return nil
		}

		s.mu.Unlock()
		select {
		case <-w.ready:
		case <-poll.C:
		case <-timeout.C:
			s.mu.Lock()
			return fmt.Errorf("%w: %s after %s", ErrQueueTimeout, id, s.cfg.QueueTimeout)
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
		s.mu.Lock()
	}
}

// admissibleLocked reports whether elem is the first waiter that could start now.
func (s *Scheduler) admissibleLocked(elem *list.Element) bool {
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		if !s.conflictedLocked(e.Value.(*waiter).jobID) {
			return e == elem
		}
		if e == elem {
			return false
		}
	}
	return false
}

func (s *Scheduler) wakeWaitersLocked() {
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		signal(e.Value.(*waiter).ready)
	}
}

// cancelRunLocked detaches a run from its job and cancels its context. The job
// is marked idle at once; the run is recorded as cancelled when it returns.
func (s *Scheduler) cancelRunLocked(id string, r *run, reason string) {
	r.cancelled = true
	r.reason = reason
	r.cancel()
	delete(s.runs, id)
	s.active--
	metrics.SyncActive.Set(float64(s.active))

	if job, ok := s.jobs[id]; ok && job.Status == domain.JobStatusRunning {
		job.Status = domain.JobStatusIdle
	}
	s.wakeWaitersLocked()
	s.log.Info("Sync cancelled", "job", id, "run", r.id, "reason", reason)
}

func (s *Scheduler) runOperation(
	ctx context.Context,
	id string,
	accounts []string,
	options map[string]any,
) (result *domain.SyncResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("Sync operation panicked", "job", id, "panic", p, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("sync operation panicked: %v", p)
		}
	}()

	result, err = s.op.Sync(ctx, accounts, options)
	if err == nil && result == nil {
		result = &domain.SyncResult{}
	}
	return result, err
}

// finish records the outcome of r and reschedules the job. It reports whether
// the run had been cancelled.
func (s *Scheduler) finish(id string, r *run, result *domain.SyncResult, err error) bool {
	end := s.now()
	entry := &domain.SyncHistoryEntry{
		ID:        r.id,
		JobID:     id,
		StartTime: r.start,
		EndTime:   end,
		Duration:  end.Sub(r.start),
	}
	if result != nil {
		entry.RecordsProcessed = result.Records
		entry.Errors = slices.Clone(result.Errors)
	}

	var ev Event
	meta := Meta{JobID: id, At: end}

	s.mu.Lock()
	cancelled := r.cancelled
	switch {
	case cancelled:
		entry.Status = domain.HistoryStatusCancelled
		entry.Errors = append(entry.Errors, r.reason)
		ev = SyncCancelled{Meta: meta, RunID: r.id, Reason: r.reason}

	case err == nil:
		delete(s.runs, id)
		s.active--
		entry.Status = domain.HistoryStatusSuccess
		if job, ok := s.jobs[id]; ok {
			if job.Enabled {
				job.Status = domain.JobStatusIdle
			}
			job.RetryCount = 0
			job.LastError = ""
			job.LastResult = result
			s.scheduleLocked(job, s.nextDelayLocked(job))
		}
		ev = SyncCompleted{Meta: meta, RunID: r.id, Result: result, Duration: entry.Duration}

	default:
		delete(s.runs, id)
		s.active--
		entry.Status = domain.HistoryStatusFailed
		entry.Errors = append([]string{err.Error()}, entry.Errors...)
		failed := SyncFailed{Meta: meta, RunID: r.id, Error: err.Error()}
		if job, ok := s.jobs[id]; ok {
			if job.Enabled {
				job.Status = domain.JobStatusError
			}
			job.RetryCount++
			job.LastError = err.Error()
			failed.RetryCount = job.RetryCount

			delay := s.nextDelayLocked(job)
			if job.RetryCount <= job.MaxRetries {
				delay = s.cfg.RetryDelay * time.Duration(job.RetryCount)
				failed.WillRetry = s.running && !s.paused && job.Enabled
				failed.RetryIn = delay
			}
			s.scheduleLocked(job, delay)
		}
		ev = failed
	}

	s.history = append(s.history, entry)
	if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
		clear(s.history[:over])
		s.history = s.history[over:]
	}
	s.wakeWaitersLocked()
	metrics.SyncActive.Set(float64(s.active))
	s.mu.Unlock()

	metrics.SyncRunsTotal.WithLabelValues(id, string(entry.Status)).Inc()
	metrics.SyncDuration.WithLabelValues(id).Observe(entry.Duration.Seconds())
	s.logFinish(entry, err)
	s.persist(entry)
	s.bus.Publish(ev)
	return cancelled
}

func (s *Scheduler) logFinish(entry *domain.SyncHistoryEntry, err error) {
	switch entry.Status {
	case domain.HistoryStatusSuccess:
		s.log.Info("Sync completed",
			"job", entry.JobID,
			"run", entry.ID,
			"records", entry.RecordsProcessed,
			"errors", len(entry.Errors),
			"duration", entry.Duration)
	case domain.HistoryStatusFailed:
		s.log.Error("Sync failed",
			"job", entry.JobID,
			"run", entry.ID,
			"duration", entry.Duration,
			"error", err)
	default:
		s.log.Info("Cancelled sync returned", "job", entry.JobID, "run", entry.ID, "duration", entry.Duration)
	}
}

func (s *Scheduler) persist(entry *domain.SyncHistoryEntry) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.repo.Save(ctx, entry); err != nil {
		metrics.HistoryPersistFailures.Inc()
		s.log.Error("Failed to persist sync history", "job", entry.JobID, "run", entry.ID, "error", err)
	}
}
