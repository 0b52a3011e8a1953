package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
)

var (
	// ErrHistoryNotFound is returned when a history entry doesn't exist
	ErrHistoryNotFound = errors.New("history entry not found")
)

// HistoryFilter narrows a history listing. Zero fields match everything.
type HistoryFilter struct {
	JobID  string
	Status domain.HistoryStatus
	Since  time.Time
	Limit  int
}

// HistoryRepository handles sync history storage operations
type HistoryRepository interface {
	// Save stores a finished run
	Save(ctx context.Context, entry *domain.SyncHistoryEntry) error

	// Get retrieves a run by id
	Get(ctx context.Context, id string) (*domain.SyncHistoryEntry, error)

	// List returns runs matching the filter, newest first
	List(ctx context.Context, filter HistoryFilter) ([]*domain.SyncHistoryEntry, error)

	// DeleteBefore removes runs that ended before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
