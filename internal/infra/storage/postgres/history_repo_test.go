package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/storage"
)

func testDB(t *testing.T, driver string) *DB {
	t.Helper()
	url := os.Getenv("ADSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ADSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := NewDB(ctx, Config{URL: url, Driver: driver})
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

func TestHistoryRepo_RoundTrip(t *testing.T) {
	for _, driver := range []string{"postgres", "pgx"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			repo := NewHistoryRepo(testDB(t, driver))

			job := "test-" + uuid.NewString()
			start := time.Now().UTC().Truncate(time.Millisecond)
			e := &domain.SyncHistoryEntry{
				ID:               uuid.NewString(),
				JobID:            job,
				StartTime:        start,
				EndTime:          start.Add(1500 * time.Millisecond),
				Status:           domain.HistoryStatusFailed,
				RecordsProcessed: 7,
				Errors:           []string{"act_1: rate limited", "act_2: timeout"},
				Duration:         1500 * time.Millisecond,
			}
			if err := repo.Save(ctx, e); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			got, err := repo.Get(ctx, e.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.JobID != job || got.Status != e.Status || got.RecordsProcessed != 7 {
				t.Errorf("unexpected entry: %+v", got)
			}
			if len(got.Errors) != 2 || got.Errors[1] != "act_2: timeout" {
				t.Errorf("unexpected errors: %v", got.Errors)
			}
			if got.Duration != e.Duration {
				t.Errorf("expected duration %v, got %v", e.Duration, got.Duration)
			}

			list, err := repo.List(ctx, storage.HistoryFilter{JobID: job, Limit: 10})
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 1 {
				t.Errorf("expected 1 entry, got %d", len(list))
			}

			if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, storage.ErrHistoryNotFound) {
				t.Errorf("expected ErrHistoryNotFound, got %v", err)
			}
		})
	}
}
