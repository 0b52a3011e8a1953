package classify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
)

func TestHandleError_CapsLog(t *testing.T) {
	c := New(3, nil)
	for i := 0; i < 5; i++ {
		c.HandleError(fmt.Errorf("error %d", i), nil)
	}

	entries := c.Log()
	if len(entries) != 3 {
		t.Fatalf("log size = %d, want 3", len(entries))
	}
	if entries[0].Info.TechnicalMessage != "error 2" {
		t.Errorf("oldest entry = %q, want error 2", entries[0].Info.TechnicalMessage)
	}

	recent := c.Recent(2)
	if len(recent) != 2 || recent[0].Info.TechnicalMessage != "error 4" {
		t.Errorf("Recent(2) = %+v", recent)
	}
}

func TestHandleError_ContextAndHooks(t *testing.T) {
	c := New(0, nil)

	var refreshed []LogEntry
	c.OnStrategy(StrategyRefreshToken, func(e LogEntry) {
		refreshed = append(refreshed, e)
	})

	c.HandleError(&apierr.APIError{StatusCode: 400, Code: 190, Subcode: 463}, map[string]any{"endpoint": "me"})
	c.HandleError(apierr.ErrQueueFull, nil)

	if len(refreshed) != 1 {
		t.Fatalf("refresh hook calls = %d, want 1", len(refreshed))
	}
	if refreshed[0].Info.Context["endpoint"] != "me" {
		t.Errorf("context = %v", refreshed[0].Info.Context)
	}
}

func TestMarkResolvedAndStats(t *testing.T) {
	c := New(0, nil)
	c.HandleError(&apierr.APIError{StatusCode: 429}, nil)
	c.HandleError(&apierr.APIError{StatusCode: 403}, nil)
	c.HandleError(errors.New("odd"), nil)

	id := c.Log()[1].ID
	if err := c.MarkResolved(id, "re_authenticated"); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if err := c.MarkResolved("missing", "x"); err == nil {
		t.Error("expected error for unknown id")
	}

	s := c.Stats()
	if s.Total != 3 || s.Resolved != 1 || s.Unresolved != 2 {
		t.Errorf("stats = %+v", s)
	}
	if s.ByCategory[CategoryRateLimiting] != 1 || s.ByCategory[CategoryPermissions] != 1 {
		t.Errorf("by category = %v", s.ByCategory)
	}
	if s.BySeverity[SeverityHigh] != 1 || s.BySeverity[SeverityMedium] != 2 {
		t.Errorf("by severity = %v", s.BySeverity)
	}
	if s.ByStrategy[StrategyRetry] != 1 || s.ByStrategy[StrategyAbort] != 1 {
		t.Errorf("by strategy = %v", s.ByStrategy)
	}

	entry := c.Log()[1]
	if !entry.Resolved || entry.ResolutionMethod != "re_authenticated" || entry.ResolvedAt.IsZero() {
		t.Errorf("resolved entry = %+v", entry)
	}

	c.Clear()
	if got := c.Stats(); got.Total != 0 || len(got.ByStrategy) != 0 {
		t.Errorf("stats after clear = %+v", got)
	}
}
