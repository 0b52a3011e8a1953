package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/storage"
)

// HistoryRepo keeps sync history in process memory.
type HistoryRepo struct {
	entries []*domain.SyncHistoryEntry
	byID    map[string]*domain.SyncHistoryEntry
	mu      sync.RWMutex
}

func NewHistoryRepo() *HistoryRepo {
	return &HistoryRepo{
		byID: make(map[string]*domain.SyncHistoryEntry),
	}
}

func (r *HistoryRepo) Save(ctx context.Context, entry *domain.SyncHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := copyEntry(entry)
	if old, ok := r.byID[e.ID]; ok {
		i := slices.Index(r.entries, old)
		r.entries[i] = e
	} else {
		r.entries = append(r.entries, e)
	}
	r.byID[e.ID] = e
	return nil
}

func (r *HistoryRepo) Get(ctx context.Context, id string) (*domain.SyncHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, storage.ErrHistoryNotFound
	}
	return copyEntry(e), nil
}

func (r *HistoryRepo) List(ctx context.Context, filter storage.HistoryFilter) ([]*domain.SyncHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.SyncHistoryEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if filter.JobID != "" && e.JobID != filter.JobID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && e.StartTime.Before(filter.Since) {
			continue
		}
		out = append(out, copyEntry(e))
	}

	// Newest first by start time; insertion order breaks ties.
	slices.SortStableFunc(out, func(a, b *domain.SyncHistoryEntry) int {
		return b.StartTime.Compare(a.StartTime)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *HistoryRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.EndTime.Before(before) {
			delete(r.byID, e.ID)
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	clear(r.entries[len(kept):])
	r.entries = kept
	return deleted, nil
}

func copyEntry(e *domain.SyncHistoryEntry) *domain.SyncHistoryEntry {
	c := *e
	c.Errors = slices.Clone(e.Errors)
	return &c
}
