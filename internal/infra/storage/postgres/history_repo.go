package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/storage"
)

type historyRow struct {
	ID               string         `db:"id"`
	JobID            string         `db:"job_id"`
	StartTime        time.Time      `db:"start_time"`
	EndTime          time.Time      `db:"end_time"`
	Status           string         `db:"status"`
	RecordsProcessed int            `db:"records_processed"`
	Errors           pq.StringArray `db:"errors"`
	DurationMS       int64          `db:"duration_ms"`
}

func (r historyRow) toDomain() *domain.SyncHistoryEntry {
	return &domain.SyncHistoryEntry{
		ID:               r.ID,
		JobID:            r.JobID,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		Status:           domain.HistoryStatus(r.Status),
		RecordsProcessed: r.RecordsProcessed,
		Errors:           []string(r.Errors),
		Duration:         time.Duration(r.DurationMS) * time.Millisecond,
	}
}

const historyColumns = `id, job_id, start_time, end_time, status, records_processed, errors, duration_ms`

// HistoryRepo stores sync history in PostgreSQL.
type HistoryRepo struct {
	db *DB
}

func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

func (r *HistoryRepo) Save(ctx context.Context, entry *domain.SyncHistoryEntry) error {
	errs := entry.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			records_processed = EXCLUDED.records_processed,
			errors = EXCLUDED.errors,
			duration_ms = EXCLUDED.duration_ms`,
		entry.ID,
		entry.JobID,
		entry.StartTime.UTC(),
		entry.EndTime.UTC(),
		string(entry.Status),
		entry.RecordsProcessed,
		pq.StringArray(errs),
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save history entry %s: %w", entry.ID, err)
	}
	return nil
}

func (r *HistoryRepo) Get(ctx context.Context, id string) (*domain.SyncHistoryEntry, error) {
	var row historyRow
	err := r.db.GetContext(ctx, &row, `SELECT `+historyColumns+` FROM sync_history WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrHistoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history entry %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (r *HistoryRepo) List(ctx context.Context, filter storage.HistoryFilter) ([]*domain.SyncHistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		where = append(where, fmt.Sprintf("start_time >= $%d", len(args)))
	}

	var q strings.Builder
	q.WriteString(`SELECT ` + historyColumns + ` FROM sync_history`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY start_time DESC, end_time DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&q, " LIMIT $%d", len(args))
	}

	var rows []historyRow
	if err := r.db.SelectContext(ctx, &rows, q.String(), args...); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]*domain.SyncHistoryEntry, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *HistoryRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_history WHERE end_time < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete history before %s: %w", before.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}
