// Package classify maps client failures to a category, severity and recovery strategy.
//
// Classify is pure. Classifier adds a capped error log, aggregate statistics and
// strategy hooks on top of it; it never performs recovery itself.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
)

type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryRateLimiting   Category = "rate_limiting"
	CategoryPermissions    Category = "permissions"
	CategoryNetwork        Category = "network"
	CategoryDataValidation Category = "data_validation"
	CategoryTemporary      Category = "temporary"
	CategoryPermanent      Category = "permanent"
	CategoryUnknown        Category = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Strategy string

const (
	StrategyRetry          Strategy = "retry"
	StrategyRefreshToken   Strategy = "refresh_token"
	StrategyReAuthenticate Strategy = "re_authenticate"
	StrategyFallback       Strategy = "fallback"
	StrategyAbort          Strategy = "abort"
	StrategyIgnore         Strategy = "ignore"
)

// Platform error codes.
const (
	codeUnknown           = 1
	codeService           = 2
	codeTooManyCalls      = 4
	codePermissionDenied  = 10
	codeUserRequestLimit  = 17
	codePageRequestLimit  = 32
	codeInvalidParameter  = 100
	codeSessionKeyInvalid = 102
	codeAccessTokenError  = 190
	codePolicyViolation   = 368
	codeCustomRateLimit   = 613
	codeAdsRateLimitMin   = 80000
	codeAdsRateLimitMax   = 80014

	subcodeTokenExpired      = 463
	subcodeAccountDisabled   = 1487390
	subcodeAccountRestricted = 1487742
)

// Retry delays per category.
const (
	RateLimitRetryDelay = 5 * time.Minute
	TemporaryRetryDelay = 10 * time.Second
	NetworkRetryDelay   = 5 * time.Second
)

// ErrorInfo is the classification of one failure.
type ErrorInfo struct {
	Category         Category       `json:"category"`
	Severity         Severity       `json:"severity"`
	Strategy         Strategy       `json:"strategy"`
	UserMessage      string         `json:"user_message"`
	TechnicalMessage string         `json:"technical_message"`
	Retryable        bool           `json:"retryable"`
	RetryDelay       time.Duration  `json:"retry_delay,omitempty"`
	MaxRetries       int            `json:"max_retries,omitempty"`
	Code             int            `json:"code,omitempty"`
	Subcode          int            `json:"subcode,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

// Classify derives the ErrorInfo for err. It has no side effects.
func Classify(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{
			Category:    CategoryUnknown,
			Severity:    SeverityLow,
			Strategy:    StrategyIgnore,
			UserMessage: "No error.",
		}
	}

	var (
		apiErr   *apierr.APIError
		transErr *apierr.TransportError
		valErr   *apierr.ValidationError
		netErr   net.Error
	)
	switch {
	case errors.Is(err, apierr.ErrCircuitOpen):
		return ErrorInfo{
			Category:         CategoryTemporary,
			Severity:         SeverityHigh,
			Strategy:         StrategyFallback,
			UserMessage:      "The ad platform is temporarily unavailable. Showing cached data where possible.",
			TechnicalMessage: err.Error(),
		}

	case errors.Is(err, apierr.ErrQueueFull), errors.Is(err, apierr.ErrQueueTimeout):
		return ErrorInfo{
			Category:         CategoryRateLimiting,
			Severity:         SeverityMedium,
			Strategy:         StrategyRetry,
			UserMessage:      "Too many requests are waiting. Please try again shortly.",
			TechnicalMessage: err.Error(),
			Retryable:        true,
			RetryDelay:       TemporaryRetryDelay,
			MaxRetries:       3,
		}

	case errors.As(err, &apiErr):
		return classifyAPIError(apiErr)

	case errors.As(err, &valErr):
		return dataValidation(err)

	case errors.As(err, &transErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return ErrorInfo{
			Category:         CategoryNetwork,
			Severity:         SeverityMedium,
			Strategy:         StrategyRetry,
			UserMessage:      "Network problem while contacting the ad platform. Retrying.",
			TechnicalMessage: err.Error(),
			Retryable:        true,
			RetryDelay:       NetworkRetryDelay,
			MaxRetries:       5,
		}
	}

	return ErrorInfo{
		Category:         CategoryUnknown,
		Severity:         SeverityMedium,
		Strategy:         StrategyAbort,
		UserMessage:      "An unexpected error occurred.",
		TechnicalMessage: err.Error(),
	}
}

func classifyAPIError(e *apierr.APIError) ErrorInfo {
	info := ErrorInfo{
		TechnicalMessage: e.Error(),
		Code:             e.Code,
		Subcode:          e.Subcode,
	}

	switch {
	case isAccountDisabled(e):
		info.Category = CategoryPermanent
		info.Severity = SeverityCritical
		info.Strategy = StrategyAbort
		info.UserMessage = "The ad account is disabled or restricted. Review it in the platform's account quality center."

	case e.Code == codeAccessTokenError || e.Code == codeSessionKeyInvalid || e.StatusCode == http.StatusUnauthorized:
		info.Category = CategoryAuthentication
		info.Severity = SeverityHigh
		if e.Subcode == subcodeTokenExpired {
			info.Strategy = StrategyRefreshToken
			info.UserMessage = "Your session has expired. Refreshing access."
		} else {
			info.Strategy = StrategyReAuthenticate
			info.UserMessage = "Your access token is invalid. Please reconnect your account."
		}

	case e.Code == codePermissionDenied ||
		(e.Code >= 200 && e.Code <= 299) ||
		e.StatusCode == http.StatusForbidden:
		info.Category = CategoryPermissions
		info.Severity = SeverityHigh
		info.Strategy = StrategyReAuthenticate
		info.UserMessage = "Missing permissions for this account. Please reconnect and grant the required access."

	case isRateLimitCode(e.Code) || e.StatusCode == http.StatusTooManyRequests:
		info.Category = CategoryRateLimiting
		info.Severity = SeverityMedium
		info.Strategy = StrategyRetry
		info.UserMessage = "The ad platform is limiting requests. Sync will resume automatically."
		info.Retryable = true
		info.RetryDelay = max(RateLimitRetryDelay, e.RetryAfter)
		info.MaxRetries = 3

	case e.Code == codeUnknown || e.Code == codeService || e.StatusCode >= 500:
		info.Category = CategoryTemporary
		info.Severity = SeverityMedium
		info.Strategy = StrategyRetry
		info.UserMessage = "The ad platform had a temporary problem. Retrying."
		info.Retryable = true
		info.RetryDelay = TemporaryRetryDelay
		info.MaxRetries = 3

	case e.Code == codeInvalidParameter || e.StatusCode == http.StatusBadRequest:
		return dataValidation(e)

	default:
		info.Category = CategoryUnknown
		info.Severity = SeverityMedium
		info.Strategy = StrategyAbort
		info.UserMessage = "The ad platform rejected the request."
	}
	return info
}

func dataValidation(err error) ErrorInfo {
	info := ErrorInfo{
		Category:         CategoryDataValidation,
		Severity:         SeverityLow,
		Strategy:         StrategyIgnore,
		UserMessage:      "Some data could not be processed and was skipped.",
		TechnicalMessage: err.Error(),
	}
	if e, ok := apierr.AsAPIError(err); ok {
		info.Code = e.Code
		info.Subcode = e.Subcode
	}
	return info
}

func isRateLimitCode(code int) bool {
	switch code {
	case codeTooManyCalls, codeUserRequestLimit, codePageRequestLimit, codeCustomRateLimit:
		return true
	}
	return code >= codeAdsRateLimitMin && code <= codeAdsRateLimitMax
}

func isAccountDisabled(e *apierr.APIError) bool {
	if e.Code == codePolicyViolation ||
		e.Subcode == subcodeAccountDisabled ||
		e.Subcode == subcodeAccountRestricted {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "account") &&
		(strings.Contains(msg, "disabled") || strings.Contains(msg, "restricted"))
}

// IsFatal reports whether a sync should stop instead of moving on to the next account.
func (i ErrorInfo) IsFatal() bool {
	switch i.Category {
	case CategoryAuthentication, CategoryPermissions, CategoryPermanent:
		return true
	}
	return false
}

func (i ErrorInfo) String() string {
	return fmt.Sprintf("%s/%s/%s: %s", i.Category, i.Severity, i.Strategy, i.TechnicalMessage)
}
