package domain

import "time"

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
	JobStatusPaused  JobStatus = "paused"
	JobStatusError   JobStatus = "error"
)

// SyncJob is a named recurring synchronisation of a set of ad accounts.
type SyncJob struct {
	ID         string         `json:"id"`
	AccountIDs []string       `json:"account_ids"`
	Options    map[string]any `json:"options,omitempty"`
	Interval   time.Duration  `json:"interval"`
	Enabled    bool           `json:"enabled"`
	LastRun    time.Time      `json:"last_run,omitempty"`
	NextRun    time.Time      `json:"next_run,omitempty"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Status     JobStatus      `json:"status"`
	LastError  string         `json:"last_error,omitempty"`
	LastResult *SyncResult    `json:"last_result,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Clone returns a deep enough copy for handing out to callers.
func (j *SyncJob) Clone() *SyncJob {
	if j == nil {
		return nil
	}
	c := *j
	c.AccountIDs = append([]string(nil), j.AccountIDs...)
	if j.Options != nil {
		c.Options = make(map[string]any, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	if j.LastResult != nil {
		r := *j.LastResult
		r.Errors = append([]string(nil), j.LastResult.Errors...)
		c.LastResult = &r
	}
	return &c
}

// SyncResult is what a sync operation returns for one run.
type SyncResult struct {
	Records           int      `json:"records"`
	TotalSpend        *float64 `json:"total_spend,omitempty"`
	AccountsProcessed int      `json:"accounts_processed"`
	Errors            []string `json:"errors,omitempty"`
}
