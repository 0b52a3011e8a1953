package domain

import "time"

// UsageKind identifies which quota header a QuotaUsage was derived from.
type UsageKind string

const (
	UsageKindBusinessUseCase UsageKind = "business_use_case"
	UsageKindAdAccount       UsageKind = "ad_account"
	UsageKindApp             UsageKind = "app"
)

// QuotaUsage is the server-reported consumption of a rate budget.
// CallCount, TotalCPUTime and TotalTime are percentages (0-100) of the budget.
type QuotaUsage struct {
	Kind                        UsageKind     `json:"kind"`
	CallCount                   float64       `json:"call_count"`
	TotalCPUTime                float64       `json:"total_cputime"`
	TotalTime                   float64       `json:"total_time"`
	EstimatedTimeToRegainAccess time.Duration `json:"estimated_time_to_regain_access,omitempty"`
	BusinessID                  string        `json:"business_id,omitempty"`
	UseCase                     string        `json:"use_case,omitempty"`
	UpdatedAt                   time.Time     `json:"updated_at"`
}

// Peak returns the highest of the three usage percentages.
func (q QuotaUsage) Peak() float64 {
	return max(q.CallCount, q.TotalCPUTime, q.TotalTime)
}

// Exhausted reports whether the server considers the budget used up.
func (q QuotaUsage) Exhausted() bool {
	return q.Peak() >= 100 || q.EstimatedTimeToRegainAccess > 0
}
