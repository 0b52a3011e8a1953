package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/storage"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHistoryRepository persists finished runs in addition to the in-memory history.
func WithHistoryRepository(repo storage.HistoryRepository) Option {
	return func(s *Scheduler) { s.repo = repo }
}

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithBus shares an event bus with other components.
func WithBus(bus *Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

type jobTimer struct {
	t   *time.Timer
	gen uint64
}

type run struct {
	id        string
	start     time.Time
	cancel    context.CancelFunc
	cancelled bool
	reason    string
}

type waiter struct {
	jobID string
	ready chan struct{}
	err   error
}

// Scheduler runs sync jobs on their intervals.
type Scheduler struct {
	cfg  Config
	op   Operation
	repo storage.HistoryRepository
	bus  *Bus
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	jobs     map[string]*domain.SyncJob
	timers   map[string]jobTimer
	timerGen uint64
	runs     map[string]*run
	active   int
	waiters  *list.List
	history  []*domain.SyncHistoryEntry
	running  bool
	paused   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a stopped scheduler that runs op for every job.
func New(cfg Config, op Operation, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		op:      op,
		log:     slog.Default().With("component", "scheduler"),
		now:     time.Now,
		jobs:    make(map[string]*domain.SyncJob),
		timers:  make(map[string]jobTimer),
		runs:    make(map[string]*run),
		waiters: list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewBus(s.log)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Subscribe registers for scheduler events. See Bus.Subscribe.
func (s *Scheduler) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	return s.bus.Subscribe(buffer, kinds...)
}

// Start begins scheduling enabled jobs. Runs started by timers derive their
// context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	if !s.paused {
		s.scheduleAllLocked()
	}
	s.log.Info("Scheduler started", "jobs", len(s.jobs), "strategy", s.cfg.ConflictStrategy)
}

// Stop cancels all timers, signals running syncs to stop and rejects queued
// syncs. Running jobs are marked idle immediately; their runs are recorded as
// cancelled when they return. Stop waits for timer-started runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopTimersLocked()

	for id, r := range s.runs {
		s.cancelRunLocked(id, r, "scheduler stopped")
	}
	for e := s.waiters.Front(); e != nil; {
		next := e.Next()
		w := s.waiters.Remove(e).(*waiter)
		w.err = ErrSchedulerStopped
		signal(w.ready)
		e = next
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// Pause suspends all timers without discarding jobs.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.stopTimersLocked()
	s.mu.Unlock()

	s.log.Info("Scheduler paused")
	s.bus.Publish(SchedulerPaused{Meta: Meta{At: s.now()}})
}

// Resume re-arms timers for every enabled job.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	if s.running {
		s.scheduleAllLocked()
	}
	s.mu.Unlock()

	s.log.Info("Scheduler resumed")
	s.bus.Publish(SchedulerResumed{Meta: Meta{At: s.now()}})
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// AddJob registers a recurring sync of accountIDs every interval.
func (s *Scheduler) AddJob(
	id string,
	accountIDs []string,
	options map[string]any,
	interval time.Duration,
	opts ...JobOption,
) (*domain.SyncJob, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("job %s: interval must be positive", id)
	}

	job := &domain.SyncJob{
		ID:         id,
		AccountIDs: slices.Clone(accountIDs),
		Options:    options,
		Interval:   interval,
		Enabled:    true,
		MaxRetries: *s.cfg.DefaultMaxRetries,
		Status:     domain.JobStatusIdle,
		CreatedAt:  s.now(),
	}
	for _, opt := range opts {
		opt(job)
	}
	job = job.Clone()

	s.mu.Lock()
	if _, ok := s.jobs[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	s.jobs[id] = job
	s.scheduleLocked(job, s.nextDelayLocked(job))
	snapshot := job.Clone()
	s.mu.Unlock()

	s.log.Info("Job added", "job", id, "accounts", len(accountIDs), "interval", interval)
	s.bus.Publish(JobAdded{Meta: Meta{JobID: id, At: s.now()}, Job: snapshot})
	return snapshot.Clone(), nil
}

// RemoveJob deletes a job. A running sync of the job is cancelled.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.stopTimerLocked(id)
	if r, ok := s.runs[id]; ok {
		s.cancelRunLocked(id, r, "job removed")
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	s.log.Info("Job removed", "job", id)
	s.bus.Publish(JobRemoved{Meta: Meta{JobID: id, At: s.now()}})
	return nil
}

// PauseJob stops scheduling a job until ResumeJob.
func (s *Scheduler) PauseJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.pauseJobLocked(job)
	s.mu.Unlock()

	s.log.Info("Job paused", "job", id)
	s.bus.Publish(JobPaused{Meta: Meta{JobID: id, At: s.now()}})
	return nil
}

// ResumeJob re-enables a paused job and schedules its next run.
func (s *Scheduler) ResumeJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.resumeJobLocked(job)
	s.mu.Unlock()

	s.log.Info("Job resumed", "job", id)
	s.bus.Publish(JobResumed{Meta: Meta{JobID: id, At: s.now()}})
	return nil
}

// UpdateJob applies u to a job and reschedules it.
func (s *Scheduler) UpdateJob(id string, u JobUpdate) (*domain.SyncJob, error) {
	if u.Interval != nil && *u.Interval <= 0 {
		return nil, fmt.Errorf("job %s: interval must be positive", id)
	}
	if u.MaxRetries != nil && *u.MaxRetries < 0 {
		return nil, fmt.Errorf("job %s: max retries must not be negative", id)
	}

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if u.AccountIDs != nil {
		job.AccountIDs = slices.Clone(u.AccountIDs)
	}
	if u.Options != nil {
		job.Options = u.Options
	}
	if u.Interval != nil {
		job.Interval = *u.Interval
	}
	if u.MaxRetries != nil {
		job.MaxRetries = *u.MaxRetries
	}

	var ev Event
	switch {
	case u.Enabled != nil && !*u.Enabled && job.Enabled:
		s.pauseJobLocked(job)
		ev = JobPaused{Meta: Meta{JobID: id, At: s.now()}}
	case u.Enabled != nil && *u.Enabled && !job.Enabled:
		s.resumeJobLocked(job)
		ev = JobResumed{Meta: Meta{JobID: id, At: s.now()}}
	default:
		if _, running := s.runs[id]; !running {
			s.scheduleLocked(job, s.nextDelayLocked(job))
		}
	}
	snapshot := job.Clone()
	s.mu.Unlock()

	s.log.Info("Job updated", "job", id, "interval", snapshot.Interval, "enabled", snapshot.Enabled)
	if ev != nil {
		s.bus.Publish(ev)
	}
	return snapshot, nil
}

// Job returns a copy of one job.
func (s *Scheduler) Job(id string) (*domain.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// Jobs returns copies of all jobs ordered by id.
func (s *Scheduler) Jobs() []*domain.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.SyncJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.SyncJob) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Scheduler) pauseJobLocked(job *domain.SyncJob) {
	job.Enabled = false
	job.Status = domain.JobStatusPaused
	s.stopTimerLocked(job.ID)
	job.NextRun = time.Time{}
}

func (s *Scheduler) resumeJobLocked(job *domain.SyncJob) {
	job.Enabled = true
	if _, running := s.runs[job.ID]; running {
		job.Status = domain.JobStatusRunning
		return
	}
	job.Status = domain.JobStatusIdle
	s.scheduleLocked(job, s.nextDelayLocked(job))
}

// nextDelayLocked is max(0, interval - (now - lastRun)), or FirstRunDelay for
// jobs that never ran.
func (s *Scheduler) nextDelayLocked(job *domain.SyncJob) time.Duration {
	if job.LastRun.IsZero() {
		return s.cfg.FirstRunDelay
	}
	return max(0, job.Interval-s.now().Sub(job.LastRun))
}

// scheduleLocked arms the job's single timer. It is a no-op while the
// scheduler is stopped or paused or the job is disabled.
func (s *Scheduler) scheduleLocked(job *domain.SyncJob, delay time.Duration) {
	s.stopTimerLocked(job.ID)
	if !s.running || s.paused || !job.Enabled {
		job.NextRun = time.Time{}
		return
	}

	s.timerGen++
	gen, id := s.timerGen, job.ID
	s.timers[id] = jobTimer{
		t:   time.AfterFunc(delay, func() { s.onTimer(id, gen) }),
		gen: gen,
	}
	job.NextRun = s.now().Add(delay)
	s.log.Debug("Job scheduled", "job", id, "delay", delay)
}

func (s *Scheduler) scheduleAllLocked() {
	for _, job := range s.jobs {
		if _, running := s.runs[job.ID]; running {
			continue
		}
		s.scheduleLocked(job, s.nextDelayLocked(job))
	}
}

func (s *Scheduler) stopTimerLocked(id string) {
	if jt, ok := s.timers[id]; ok {
		jt.t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) stopTimersLocked() {
	for id := range s.timers {
		s.stopTimerLocked(id)
	}
	for _, job := range s.jobs {
		job.NextRun = time.Time{}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
