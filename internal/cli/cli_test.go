package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
)

func TestRenderHistory(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*domain.SyncHistoryEntry{
		{
			ID:               "0f8fad5b-d9cb-469f-a165-70867728950e",
			JobID:            "daily",
			StartTime:        start,
			Duration:         1500 * time.Millisecond,
			Status:           domain.HistoryStatusSuccess,
			RecordsProcessed: 12,
		},
		{
			ID:               "7c9e6679-7425-40de-944b-e07fc1f90ae7",
			JobID:            "daily",
			StartTime:        start.Add(-time.Hour),
			Duration:         time.Second,
			Status:           domain.HistoryStatusFailed,
			RecordsProcessed: 3,
			Errors:           []string{"rate limited", "account 42 failed"},
		},
	}

	var buf bytes.Buffer
	renderHistory(&buf, entries)
	// Footers render upper case.
	out := strings.ToLower(buf.String())

	for _, want := range []string{"0f8fad5b", "daily", "failed", "2 runs", "15", "rate limited (+1 more)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0f8fad5b-d9cb") {
		t.Error("run id should be shortened")
	}
}

func TestFirstError(t *testing.T) {
	tests := []struct {
		name string
		errs []string
		want string
	}{
		{"none", nil, ""},
		{"one", []string{"boom"}, "boom"},
		{"many", []string{"boom", "bang", "pop"}, "boom (+2 more)"},
		{"long", []string{strings.Repeat("x", 80)}, strings.Repeat("x", 57) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstError(tt.errs); got != tt.want {
				t.Errorf("firstError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
scheduler:
  jobs:
    - id: daily
      account_ids: ["42", "43"]
      interval: 24h
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"config", "check", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config check failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Config OK", "port: 9090", "history: memory", "daily", "42,43"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCheck_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  jobs:\n    - id: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs([]string{"config", "check", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
}
