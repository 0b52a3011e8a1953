package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/vietddude/adsync/internal/core/domain"
)

// Usage headers, in the order they are trusted.
const (
	HeaderBusinessUseCaseUsage = "X-Business-Use-Case-Usage"
	HeaderAppUsage             = "X-App-Usage"
	HeaderAdAccountUsage       = "X-Ad-Account-Usage"
)

type businessUsage struct {
	Type                        string  `json:"type"`
	CallCount                   float64 `json:"call_count"`
	TotalCPUTime                float64 `json:"total_cputime"`
	TotalTime                   float64 `json:"total_time"`
	EstimatedTimeToRegainAccess float64 `json:"estimated_time_to_regain_access"` // minutes
}

type adAccountUsage struct {
	AccIDUtilPct      float64 `json:"acc_id_util_pct"`
	ResetTimeDuration float64 `json:"reset_time_duration"` // seconds
	AccessTier        string  `json:"ads_api_access_tier"`
}

type appUsage struct {
	CallCount    float64 `json:"call_count"`
	TotalCPUTime float64 `json:"total_cputime"`
	TotalTime    float64 `json:"total_time"`
}

// headerParseError carries the header name so malformed input can be logged.
type headerParseError struct {
	header string
	err    error
}

func (e *headerParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.header, e.err)
}

// ParseQuotaHeaders normalises the first well-formed usage header into a QuotaUsage.
// Malformed headers are skipped and reported in errs.
func ParseQuotaHeaders(h http.Header, now time.Time) (usage domain.QuotaUsage, ok bool, errs []error) {
	if raw := h.Get(HeaderBusinessUseCaseUsage); raw != "" {
		u, err := parseBusinessUseCase(raw)
		if err == nil {
			u.UpdatedAt = now
			return u, true, errs
		}
		errs = append(errs, &headerParseError{header: HeaderBusinessUseCaseUsage, err: err})
	}

	if raw := h.Get(HeaderAppUsage); raw != "" {
		var a appUsage
		err := json.Unmarshal([]byte(raw), &a)
		if err == nil {
			return domain.QuotaUsage{
				Kind:         domain.UsageKindApp,
				CallCount:    a.CallCount,
				TotalCPUTime: a.TotalCPUTime,
				TotalTime:    a.TotalTime,
				UpdatedAt:    now,
			}, true, errs
		}
		errs = append(errs, &headerParseError{header: HeaderAppUsage, err: err})
	}

	if raw := h.Get(HeaderAdAccountUsage); raw != "" {
		var a adAccountUsage
		err := json.Unmarshal([]byte(raw), &a)
		if err == nil {
			return domain.QuotaUsage{
				Kind:                        domain.UsageKindAdAccount,
				CallCount:                   a.AccIDUtilPct,
				EstimatedTimeToRegainAccess: time.Duration(a.ResetTimeDuration * float64(time.Second)),
				UpdatedAt:                   now,
			}, true, errs
		}
		errs = append(errs, &headerParseError{header: HeaderAdAccountUsage, err: err})
	}

	return domain.QuotaUsage{}, false, errs
}

// parseBusinessUseCase picks the most constrained entry across all businesses.
func parseBusinessUseCase(raw string) (domain.QuotaUsage, error) {
	var byBusiness map[string][]businessUsage
	if err := json.Unmarshal([]byte(raw), &byBusiness); err != nil {
		return domain.QuotaUsage{}, err
	}

	var (
		worst domain.QuotaUsage
		found bool
	)
	for businessID, entries := range byBusiness {
		for _, e := range entries {
			u := domain.QuotaUsage{
				Kind:                        domain.UsageKindBusinessUseCase,
				CallCount:                   e.CallCount,
				TotalCPUTime:                e.TotalCPUTime,
				TotalTime:                   e.TotalTime,
				EstimatedTimeToRegainAccess: time.Duration(e.EstimatedTimeToRegainAccess * float64(time.Minute)),
				BusinessID:                  businessID,
				UseCase:                     e.Type,
			}
			if !found || moreConstrained(u, worst) {
				worst = u
				found = true
			}
		}
	}
	if !found {
		return domain.QuotaUsage{}, fmt.Errorf("no usage entries")
	}
	return worst, nil
}

func moreConstrained(a, b domain.QuotaUsage) bool {
	if a.EstimatedTimeToRegainAccess != b.EstimatedTimeToRegainAccess {
		return a.EstimatedTimeToRegainAccess > b.EstimatedTimeToRegainAccess
	}
	return a.Peak() > b.Peak()
}
