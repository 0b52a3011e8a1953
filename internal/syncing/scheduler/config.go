package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
)

// ConflictStrategy decides what happens when a run is triggered for a job that
// is already running or when the concurrency cap is reached.
type ConflictStrategy string

const (
	ConflictSkip           ConflictStrategy = "skip"
	ConflictQueue          ConflictStrategy = "queue"
	ConflictCancelExisting ConflictStrategy = "cancel_existing"
)

const (
	DefaultMaxConcurrentSyncs = 3
	DefaultQueueTimeout       = 5 * time.Minute
	DefaultQueuePollInterval  = time.Second
	DefaultFirstRunDelay      = time.Second
	DefaultRetryDelay         = time.Minute
	DefaultExecutionTimeout   = 10 * time.Minute
	DefaultMaxRetries         = 3
	DefaultHistoryLimit       = 1000
)

var (
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrQueueTimeout     = errors.New("timed out waiting for a sync slot")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrSyncCancelled    = errors.New("sync cancelled")
)

// Config holds scheduler tuning.
type Config struct {
	MaxConcurrentSyncs int              `yaml:"max_concurrent_syncs" validate:"gte=0"`
	ConflictStrategy   ConflictStrategy `yaml:"conflict_strategy"    validate:"omitempty,oneof=skip queue cancel_existing"`
	QueueTimeout       time.Duration    `yaml:"queue_timeout"`
	QueuePollInterval  time.Duration    `yaml:"queue_poll_interval"`
	FirstRunDelay      time.Duration    `yaml:"first_run_delay"`
	RetryDelay         time.Duration    `yaml:"retry_delay"`
	ExecutionTimeout   time.Duration    `yaml:"execution_timeout"`
	DefaultMaxRetries  *int             `yaml:"default_max_retries"  validate:"omitempty,gte=0"` // nil = 3, 0 = no retries
	HistoryLimit       int              `yaml:"history_limit"        validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSyncs <= 0 {
		c.MaxConcurrentSyncs = DefaultMaxConcurrentSyncs
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = ConflictQueue
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = DefaultQueuePollInterval
	}
	if c.FirstRunDelay <= 0 {
		c.FirstRunDelay = DefaultFirstRunDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.DefaultMaxRetries == nil {
		n := DefaultMaxRetries
		c.DefaultMaxRetries = &n
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// Operation performs one sync of a set of accounts.
type Operation interface {
	Sync(ctx context.Context, accountIDs []string, options map[string]any) (*domain.SyncResult, error)
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, accountIDs []string, options map[string]any) (*domain.SyncResult, error)

func (f OperationFunc) Sync(ctx context.Context, accountIDs []string, options map[string]any) (*domain.SyncResult, error) {
	return f(ctx, accountIDs, options)
}

// JobOption customises a job at creation.
type JobOption func(*domain.SyncJob)

// WithMaxRetries overrides the scheduler's default retry budget.
func WithMaxRetries(n int) JobOption {
	return func(j *domain.SyncJob) { j.MaxRetries = n }
}

// WithPaused adds the job in the paused state.
func WithPaused() JobOption {
	return func(j *domain.SyncJob) {
		j.Enabled = false
		j.Status = domain.JobStatusPaused
	}
}

// JobUpdate changes selected fields of a job. Nil fields are left alone.
type JobUpdate struct {
	AccountIDs []string       `json:"account_ids,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
	Interval   *time.Duration `json:"interval,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
}
