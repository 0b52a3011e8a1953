package domain

import "time"

// HistoryStatus is the outcome of a finished sync run.
type HistoryStatus string

const (
	HistoryStatusSuccess   HistoryStatus = "success"
	HistoryStatusFailed    HistoryStatus = "failed"
	HistoryStatusCancelled HistoryStatus = "cancelled"
)

// SyncHistoryEntry records one finished run. Entries are never mutated once built.
type SyncHistoryEntry struct {
	ID               string        `json:"id"`
	JobID            string        `json:"job_id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Status           HistoryStatus `json:"status"`
	RecordsProcessed int           `json:"records_processed"`
	Errors           []string      `json:"errors,omitempty"`
	Duration         time.Duration `json:"duration"`
}
