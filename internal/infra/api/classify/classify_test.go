package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  Category
		severity  Severity
		strategy  Strategy
		retryable bool
	}{
		{
			name:     "expired token",
			err:      &apierr.APIError{StatusCode: 400, Code: 190, Subcode: 463, Message: "Session has expired"},
			category: CategoryAuthentication, severity: SeverityHigh, strategy: StrategyRefreshToken,
		},
		{
			name:     "invalid token",
			err:      &apierr.APIError{StatusCode: 400, Code: 190},
			category: CategoryAuthentication, severity: SeverityHigh, strategy: StrategyReAuthenticate,
		},
		{
			name:     "http 401",
			err:      &apierr.APIError{StatusCode: 401},
			category: CategoryAuthentication, severity: SeverityHigh, strategy: StrategyReAuthenticate,
		},
		{
			name:     "permission code",
			err:      &apierr.APIError{StatusCode: 400, Code: 200},
			category: CategoryPermissions, severity: SeverityHigh, strategy: StrategyReAuthenticate,
		},
		{
			name:     "http 403",
			err:      &apierr.APIError{StatusCode: 403},
			category: CategoryPermissions, severity: SeverityHigh, strategy: StrategyReAuthenticate,
		},
		{
			name:     "app rate limit",
			err:      &apierr.APIError{StatusCode: 400, Code: 4},
			category: CategoryRateLimiting, severity: SeverityMedium, strategy: StrategyRetry, retryable: true,
		},
		{
			name:     "ads management rate limit",
			err:      &apierr.APIError{StatusCode: 400, Code: 80004},
			category: CategoryRateLimiting, severity: SeverityMedium, strategy: StrategyRetry, retryable: true,
		},
		{
			name:     "http 429",
			err:      &apierr.APIError{StatusCode: 429},
			category: CategoryRateLimiting, severity: SeverityMedium, strategy: StrategyRetry, retryable: true,
		},
		{
			name:     "temporary code",
			err:      &apierr.APIError{StatusCode: 500, Code: 2},
			category: CategoryTemporary, severity: SeverityMedium, strategy: StrategyRetry, retryable: true,
		},
		{
			name:     "http 503",
			err:      &apierr.APIError{StatusCode: 503},
			category: CategoryTemporary, severity: SeverityMedium, strategy: StrategyRetry, retryable: true,
		},
		{
			name:     "account disabled subcode",
			err:      &apierr.APIError{StatusCode: 400, Code: 100, Subcode: 1487390},
			category: CategoryPermanent, severity: SeverityCritical, strategy: StrategyAbort,
		},
		{
			name:     "account restricted text",
			err:      &apierr.APIError{StatusCode: 400, Code: 1, Message: "Ad account has been restricted"},
			category: CategoryPermanent, severity: SeverityCritical, strategy: StrategyAbort,
		},
		{
			name:     "invalid parameter",
			err:      &apierr.APIError{StatusCode: 400, Code: 100},
			category: CategoryDataValidation, severity: SeverityLow, strategy: StrategyIgnore,
		},
		{
			name:     "unknown api code",
			err:      &apierr.APIError{StatusCode: 404, Code: 803},
			category: CategoryUnknown, severity: SeverityMedium, strategy: StrategyAbort,
		},
		{
			name:     "transport error",
			err:      &apierr.TransportError{Method: "GET", URL: "http://x", Err: errors.New("connection reset")},
			category: CategoryNetwork, severity: SeverityMedium, strategy: StrategyRetry, retryable: true,
		},
		{
			name:     "deadline exceeded",
			err:      fmt.Errorf("request: %w", context.DeadlineExceeded),
			category: CategoryNetwork, severity: SeverityMedium, strategy: StrategyRetry, retryable: true,
		},
		{
			name:     "malformed payload",
			err:      &apierr.ValidationError{What: "response body", Err: errors.New("unexpected EOF")},
			category: CategoryDataValidation, severity: SeverityLow, strategy: StrategyIgnore,
		},
		{
			name:     "circuit open",
			err:      fmt.Errorf("platform-api: %w", apierr.ErrCircuitOpen),
			category: CategoryTemporary, severity: SeverityHigh, strategy: StrategyFallback,
		},
		{
			name:     "queue full",
			err:      apierr.ErrQueueFull,
			category: CategoryRateLimiting, severity: SeverityMedium, strategy: StrategyRetry, retryable: true,
		},
		{
			name:     "plain error",
			err:      errors.New("something odd"),
			category: CategoryUnknown, severity: SeverityMedium, strategy: StrategyAbort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Category != tt.category {
				t.Errorf("Category = %s, want %s", got.Category, tt.category)
			}
			if got.Severity != tt.severity {
				t.Errorf("Severity = %s, want %s", got.Severity, tt.severity)
			}
			if got.Strategy != tt.strategy {
				t.Errorf("Strategy = %s, want %s", got.Strategy, tt.strategy)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if got.UserMessage == "" || got.TechnicalMessage == "" {
				t.Errorf("messages must be set: %+v", got)
			}
		})
	}
}

func TestClassify_RateLimitDelay(t *testing.T) {
	got := Classify(&apierr.APIError{StatusCode: 429})
	if got.RetryDelay != RateLimitRetryDelay || got.MaxRetries != 3 {
		t.Errorf("delay = %v max = %d", got.RetryDelay, got.MaxRetries)
	}

	got = Classify(&apierr.APIError{StatusCode: 429, RetryAfter: 20 * time.Minute})
	if got.RetryDelay != 20*time.Minute {
		t.Errorf("server retry-after should win when larger, got %v", got.RetryDelay)
	}
}

func TestErrorInfoIsFatal(t *testing.T) {
	fatal := []Category{CategoryAuthentication, CategoryPermissions, CategoryPermanent}
	for _, c := range fatal {
		if !(ErrorInfo{Category: c}).IsFatal() {
			t.Errorf("%s should be fatal", c)
		}
	}
	if (ErrorInfo{Category: CategoryNetwork}).IsFatal() {
		t.Error("network errors should not be fatal")
	}
}
