package scheduler

import (
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
)

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running            bool                     `json:"running"`
	Paused             bool                     `json:"paused"`
	ConflictStrategy   ConflictStrategy         `json:"conflict_strategy"`
	ActiveSyncs        int                      `json:"active_syncs"`
	MaxConcurrentSyncs int                      `json:"max_concurrent_syncs"`
	QueuedSyncs        int                      `json:"queued_syncs"`
	TotalJobs          int                      `json:"total_jobs"`
	JobsByStatus       map[domain.JobStatus]int `json:"jobs_by_status"`
	NextRun            *time.Time               `json:"next_run,omitempty"`
	HistorySize        int                      `json:"history_size"`
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:            s.running,
		Paused:             s.paused,
		ConflictStrategy:   s.cfg.ConflictStrategy,
		ActiveSyncs:        s.active,
		MaxConcurrentSyncs: s.cfg.MaxConcurrentSyncs,
		QueuedSyncs:        s.waiters.Len(),
		TotalJobs:          len(s.jobs),
		JobsByStatus:       make(map[domain.JobStatus]int),
		HistorySize:        len(s.history),
	}
	for _, job := range s.jobs {
		st.JobsByStatus[job.Status]++
		if job.NextRun.IsZero() {
			continue
		}
		if st.NextRun == nil || job.NextRun.Before(*st.NextRun) {
			next := job.NextRun
			st.NextRun = &next
		}
	}
	return st
}

// History returns finished runs newest first. An empty jobID matches every
// job; limit <= 0 returns everything retained.
func (s *Scheduler) History(jobID string, limit int) []*domain.SyncHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.SyncHistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if jobID != "" && e.JobID != jobID {
			continue
		}
		c := *e
		c.Errors = append([]string(nil), e.Errors...)
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
