package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
)

func TestParseQuotaKey(t *testing.T) {
	c := &Client{prefix: "adsync"}

	tests := []struct {
		key      string
		wantType string
		wantID   string
		wantErr  bool
	}{
		{"adsync:quota:ad_account:123", "ad_account", "123", false},
		{"adsync:quota:app:default", "app", "default", false},
		{"adsync:quota:business_use_case:9:ads", "business_use_case", "9:ads", false},
		{"other:quota:app:default", "", "", true},
		{"adsync:quota:app", "", "", true},
	}

	for _, tt := range tests {
		gotType, gotID, err := c.parseQuotaKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: error = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if gotType != tt.wantType || gotID != tt.wantID {
			t.Errorf("%s: got (%s, %s), want (%s, %s)", tt.key, gotType, gotID, tt.wantType, tt.wantID)
		}
	}

	if key := c.quotaKey("app", "default"); key != "adsync:quota:app:default" {
		t.Errorf("unexpected key %s", key)
	}
}

func TestQuotaCache_ObserveNeverBlocks(t *testing.T) {
	q := NewQuotaCache(&Client{prefix: "adsync"}, 0)

	done := make(chan struct{})
	go func() {
		for range cap(q.pending) + 10 {
			q.Observe(ratelimit.LimitApp, "default", domain.QuotaUsage{CallCount: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked without a writer")
	}
	if len(q.pending) != cap(q.pending) {
		t.Errorf("expected full backlog, got %d", len(q.pending))
	}
}

func TestQuotaCache_RoundTrip(t *testing.T) {
	url := os.Getenv("ADSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ADSYNC_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, Config{URL: url, KeyPrefix: "adsync-test"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	q := NewQuotaCache(client, time.Minute)
	usage := domain.QuotaUsage{
		Kind:      domain.UsageKindAdAccount,
		CallCount: 42,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := q.Set(ctx, ratelimit.LimitAdAccount, "123", usage); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := q.Get(ctx, ratelimit.LimitAdAccount, "123")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got.CallCount != 42 || got.Kind != domain.UsageKindAdAccount {
		t.Errorf("unexpected usage: %+v", got)
	}

	all, err := q.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	found := false
	for _, e := range all {
		if e.LimitType == ratelimit.LimitAdAccount && e.ID == "123" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected entry in %v", all)
	}

	if _, ok, _ := q.Get(ctx, ratelimit.LimitApp, "missing"); ok {
		t.Error("expected miss for unknown key")
	}
}
