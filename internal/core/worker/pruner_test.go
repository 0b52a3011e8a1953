package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/storage"
	"github.com/vietddude/adsync/internal/infra/storage/memory"
)

func TestPruner_Interval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{5 * time.Minute, time.Minute},
		{2 * time.Hour, 12 * time.Minute},
		{30 * 24 * time.Hour, time.Hour},
	}
	for _, tt := range tests {
		p := NewPruner(tt.retention, memory.NewHistoryRepo())
		if got := p.Interval(); got != tt.want {
			t.Errorf("retention %v: expected interval %v, got %v", tt.retention, tt.want, got)
		}
	}
}

func TestPruner_Prune(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewHistoryRepo()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{72 * time.Hour, 50 * time.Hour, time.Hour} {
		end := now.Add(-age)
		_ = repo.Save(ctx, &domain.SyncHistoryEntry{
			ID:        string(rune('a' + i)),
			JobID:     "j",
			StartTime: end.Add(-time.Second),
			EndTime:   end,
			Status:    domain.HistoryStatusSuccess,
		})
	}

	p := NewPruner(48*time.Hour, repo)
	p.now = func() time.Time { return now }

	if deleted := p.Prune(ctx); deleted != 2 {
		t.Errorf("expected 2 pruned, got %d", deleted)
	}
	left, _ := repo.List(ctx, storage.HistoryFilter{})
	if len(left) != 1 {
		t.Errorf("expected 1 entry left, got %d", len(left))
	}
}

func TestPruner_DisabledReturnsImmediately(t *testing.T) {
	p := NewPruner(0, memory.NewHistoryRepo())

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start with zero retention should return immediately")
	}
}
