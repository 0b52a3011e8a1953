package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/storage"
	"github.com/vietddude/adsync/internal/infra/storage/postgres"
)

var (
	historyJob    string
	historyStatus string
	historyLimit  int
	historySince  time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs from the history database",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyJob, "job", "", "only runs of this job")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only runs with this status (success, failed, cancelled)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only runs started within this window, e.g. 24h")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return errors.New("history requires database.url to be configured")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	db, err := postgres.NewDB(ctx, cfg.Database.Config)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	filter := storage.HistoryFilter{
		JobID:  historyJob,
		Status: domain.HistoryStatus(historyStatus),
		Limit:  historyLimit,
	}
	if historySince > 0 {
		filter.Since = time.Now().Add(-historySince)
	}

	entries, err := postgres.NewHistoryRepo(db).List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	renderHistory(cmd.OutOrStdout(), entries)
	return nil
}

// renderHistory writes entries as a table, newest first as given.
func renderHistory(w io.Writer, entries []*domain.SyncHistoryEntry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Run", "Job", "Started", "Duration", "Status", "Records", "Errors"})

	var records int
	for _, e := range entries {
		records += e.RecordsProcessed
		t.AppendRow(table.Row{
			shortID(e.ID),
			e.JobID,
			e.StartTime.Local().Format(time.DateTime),
			e.Duration.Round(time.Millisecond),
			string(e.Status),
			e.RecordsProcessed,
			firstError(e.Errors),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d runs", len(entries)), records, ""})
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstError(errs []string) string {
	switch len(errs) {
	case 0:
		return ""
	case 1:
		return truncate(errs[0], 60)
	}
	return fmt.Sprintf("%s (+%d more)", truncate(errs[0], 50), len(errs)-1)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
