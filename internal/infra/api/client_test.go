package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
	"github.com/vietddude/adsync/internal/infra/api/breaker"
	"github.com/vietddude/adsync/internal/infra/api/classify"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
)

type testClient struct {
	*Client
	limiter    *ratelimit.RateLimiter
	breaker    *breaker.CircuitBreaker
	classifier *classify.Classifier
}

func newTestClient(t *testing.T, serverURL string, limits map[ratelimit.LimitType]ratelimit.Config) *testClient {
	t.Helper()

	limiter := ratelimit.NewRateLimiter(limits, ratelimit.WithDrainInterval(5*time.Millisecond))
	limiter.Start(context.Background())
	t.Cleanup(limiter.Stop)

	cb := breaker.New(breaker.Config{Name: t.Name(), Threshold: 5, Timeout: time.Minute}, nil)
	cl := classify.New(0, nil)

	c := New(Config{
		BaseURL:    serverURL,
		Version:    "v19.0",
		Timeout:    2 * time.Second,
		MaxRetries: intPtr(3),
		BaseDelay:  time.Millisecond,
		MaxJitter:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}, limiter, cb, cl)

	return &testClient{Client: c, limiter: limiter, breaker: cb, classifier: cl}
}

func intPtr(n int) *int { return &n }

func TestClient_Get(t *testing.T) {
	// Mock Server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/act_123/campaigns" {
			t.Errorf("path = %s, want /v19.0/act_123/campaigns", r.URL.Path)
		}
		if r.URL.Query().Get("fields") != "name,status" {
			t.Errorf("fields = %q", r.URL.Query().Get("fields"))
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Custom"); got != "1" {
			t.Errorf("X-Custom = %q", got)
		}

		w.Header().Set(ratelimit.HeaderAdAccountUsage, `{"acc_id_util_pct":12,"reset_time_duration":0}`)
		fmt.Fprint(w, `{"data":[{"id":"1","name":"A"}],"paging":{"cursors":{"after":"xyz"},"next":"https://next"}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	c.SetAccessToken("secret")

	resp, err := c.Get(context.Background(), "act_123/campaigns",
		url.Values{"fields": {"name,status"}}, WithHeader("X-Custom", "1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rows []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := resp.Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "A" {
		t.Errorf("rows = %+v", rows)
	}
	if resp.Paging == nil || resp.Paging.Next != "https://next" || resp.Paging.Cursors.After != "xyz" {
		t.Errorf("paging = %+v", resp.Paging)
	}

	usage, ok := c.QuotaUsage(ratelimit.LimitAdAccount, "123")
	if !ok || usage.CallCount != 12 {
		t.Errorf("quota usage = %+v, %v", usage, ok)
	}
	if st := c.RateLimitStatus(ratelimit.LimitAdAccount, "123"); st.RequestsInWindow != 1 {
		t.Errorf("requests in window = %d, want 1", st.RequestsInWindow)
	}
}

func TestClient_PostNonEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		fmt.Fprint(w, `{"id":"999","success":true}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	resp, err := c.Post(context.Background(), "act_1/campaigns", map[string]string{"name": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&out); err != nil || out.ID != "999" {
		t.Errorf("decode = %+v, %v", out, err)
	}
}

func TestClient_RetrySucceedsOnLastAttempt(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"An unknown error occurred","type":"OAuthException","code":1}}`)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	if _, err := c.Get(context.Background(), "me", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("attempts = %d, want MaxRetries+1 = 4", got)
	}
}

func TestClient_ZeroMaxRetriesDisablesRetry(t *testing.T) {
	var hits atomic.Int32
	// Mock Server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"Service temporarily unavailable","code":2}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	c.cfg.MaxRetries = intPtr(0)
	if _, err := c.Get(context.Background(), "me", nil); err == nil {
		t.Fatal("expected error")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestConfig_MaxRetriesDefault(t *testing.T) {
	if got := *(Config{}).withDefaults().MaxRetries; got != DefaultMaxRetries {
		t.Errorf("unset MaxRetries = %d, want %d", got, DefaultMaxRetries)
	}
	if got := *(Config{MaxRetries: intPtr(0)}).withDefaults().MaxRetries; got != 0 {
		t.Errorf("explicit 0 became %d", got)
	}
}

func TestClient_RetryExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"error":{"message":"attempt %d","code":2}}`, hits.Load())
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	_, err := c.Get(context.Background(), "me", nil)

	apiErr, ok := apierr.AsAPIError(err)
	if !ok {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Message != "attempt 4" {
		t.Errorf("final error = %q, want the last attempt's error", apiErr.Message)
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}

	log := c.classifier.Log()
	if len(log) != 1 || log[0].Info.Category != classify.CategoryTemporary {
		t.Fatalf("classifier log = %+v", log)
	}
	if log[0].Info.Context["attempts"] != 4 {
		t.Errorf("context = %v", log[0].Info.Context)
	}
}

func TestClient_AuthErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190,"fbtrace_id":"abc"}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	_, err := c.Get(context.Background(), "me", nil)

	apiErr, ok := apierr.AsAPIError(err)
	if !ok || apiErr.Code != 190 || apiErr.TraceID != "abc" {
		t.Fatalf("err = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if st := c.classifier.Stats(); st.ByCategory[classify.CategoryAuthentication] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestClient_RateLimitedThenAdmitted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"(#4) Application request limit reached","code":4}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"ok":true}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, map[ratelimit.LimitType]ratelimit.Config{
		ratelimit.LimitApp: {MaxRequests: 100, Window: 50 * time.Millisecond},
	})

	start := time.Now()
	if _, err := c.Get(context.Background(), "me", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("retry ran after %v, before the rate limit window passed", elapsed)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if stats := c.TransportStats(); stats.Throttled != 1 {
		t.Errorf("throttled = %d, want 1", stats.Throttled)
	}
}

func TestClient_InvalidJSONNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"data": [`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	_, err := c.Get(context.Background(), "me", nil)

	var valErr *apierr.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestClient_CircuitOpenFailsFast(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	for i := 0; i < 5; i++ {
		c.breaker.RecordFailure()
	}

	_, err := c.Get(context.Background(), "me", nil)
	if !errors.Is(err, apierr.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != 0 {
		t.Error("no request should reach the server while the breaker is open")
	}
	if n := c.limiter.QueueLength(ratelimit.LimitApp, DefaultLimitID); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}

	c.ResetCircuitBreaker()
	if _, err := c.Get(context.Background(), "me", nil); err != nil {
		t.Errorf("after reset: %v", err)
	}
}

func TestClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	// Two calls of four attempts each: the fifth failure opens the breaker.
	_, _ = c.Get(context.Background(), "me", nil)
	_, err := c.Get(context.Background(), "me", nil)

	if c.BreakerState().State != breaker.StateOpen {
		t.Errorf("breaker state = %s, want open", c.BreakerState().State)
	}
	if !errors.Is(err, apierr.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestClient_TokenSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer from-source" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	if c.IsAuthenticated() {
		t.Fatal("new client should not be authenticated")
	}
	if err := c.RefreshToken(context.Background()); !errors.Is(err, apierr.ErrNotAuthenticated) {
		t.Errorf("RefreshToken without source = %v", err)
	}

	c.SetTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "from-source"}))
	if err := c.RefreshToken(context.Background()); err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if c.AccessToken() != "from-source" {
		t.Errorf("AccessToken() = %q", c.AccessToken())
	}
	if _, err := c.Get(context.Background(), "me", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.ClearAccessToken()
	if c.IsAuthenticated() {
		t.Error("client should not be authenticated after clear")
	}
}

func TestClient_BatchTooLarge(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	reqs := make([]BatchRequest, 60)
	for i := range reqs {
		reqs[i] = BatchRequest{Method: "GET", RelativeURL: "me"}
	}

	_, err := c.Batch(context.Background(), reqs)
	if !errors.Is(err, apierr.ErrBatchTooLarge) {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}
	if err.Error() != "Batch size cannot exceed 50" {
		t.Errorf("message = %q", err.Error())
	}
	if hits.Load() != 0 {
		t.Error("oversized batch must not be submitted")
	}

	if _, err := c.Batch(context.Background(), nil); err == nil {
		t.Error("empty batch should fail")
	}
}

func TestClient_Batch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v19.0/" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `[`+
			`{"code":200,"headers":[{"name":"Content-Type","value":"application/json"}],"body":"{\"id\":\"1\"}"},`+
			`{"code":400,"headers":[],"body":"{\"error\":{\"message\":\"Invalid parameter\",\"code\":100}}"},`+
			`null]`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	out, err := c.Batch(context.Background(), []BatchRequest{
		{Method: "GET", RelativeURL: "1"},
		{Method: "GET", RelativeURL: "bad"},
		{Method: "GET", RelativeURL: "slow"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Err != nil || !strings.Contains(string(out[0].Body), `"1"`) || out[0].Header.Get("Content-Type") != "application/json" {
		t.Errorf("item 0 = %+v", out[0])
	}
	if apiErr, ok := apierr.AsAPIError(out[1].Err); !ok || apiErr.Code != 100 {
		t.Errorf("item 1 err = %v", out[1].Err)
	}
	if out[2].Err == nil {
		t.Error("null item should carry an error")
	}
	if st := c.RateLimitStatus(ratelimit.LimitBatch, DefaultLimitID); st.RequestsInWindow != 1 {
		t.Errorf("batch requests in window = %d, want 1", st.RequestsInWindow)
	}
}

func TestRouteLimit(t *testing.T) {
	tests := []struct {
		endpoint string
		wantType ratelimit.LimitType
		wantID   string
	}{
		{"act_123/insights", ratelimit.LimitInsights, "123"},
		{"/act_123/insights", ratelimit.LimitInsights, "123"},
		{"act_42/campaigns", ratelimit.LimitAdAccount, "42"},
		{"act_42", ratelimit.LimitAdAccount, "42"},
		{"me/adaccounts", ratelimit.LimitApp, DefaultLimitID},
		{"123456/insights", ratelimit.LimitApp, DefaultLimitID},
	}
	for _, tt := range tests {
		gotType, gotID := routeLimit(tt.endpoint)
		if gotType != tt.wantType || gotID != tt.wantID {
			t.Errorf("routeLimit(%q) = %s, %s; want %s, %s", tt.endpoint, gotType, gotID, tt.wantType, tt.wantID)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	c := New(Config{BaseDelay: time.Second, MaxJitter: time.Second, MaxDelay: 30 * time.Second}, nil, nil, nil)

	for attempt := 1; attempt <= 8; attempt++ {
		base := time.Second << (attempt - 1)
		for i := 0; i < 20; i++ {
			d := c.retryDelay(attempt)
			if d > 30*time.Second {
				t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
			}
			if base < 30*time.Second && (d < base || d >= base+time.Second) && d != 30*time.Second {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, base, base+time.Second)
			}
		}
	}
}
