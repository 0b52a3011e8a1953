package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/adsync/internal/infra/storage"
	"github.com/vietddude/adsync/internal/metrics"
)

// Pruner deletes old sync history based on retention policy.
type Pruner struct {
	retention time.Duration
	repo      storage.HistoryRepository
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, repo storage.HistoryRepository) *Pruner {
	return &Pruner{
		retention: retention,
		repo:      repo,
		log:       slog.Default().With("component", "pruner"),
		now:       time.Now,
	}
}

// Interval is how often the pruner runs: 10% of retention, between 1m and 1h.
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes history that ended before now minus retention.
func (p *Pruner) Prune(ctx context.Context) int64 {
	threshold := p.now().Add(-p.retention)

	deleted, err := p.repo.DeleteBefore(ctx, threshold)
	if err != nil {
		p.log.Error("Failed to prune sync history", "before", threshold, "error", err)
		return 0
	}
	if deleted > 0 {
		metrics.HistoryPruned.Add(float64(deleted))
		p.log.Info("Pruned sync history", "deleted", deleted, "before", threshold)
	}
	return deleted
}
