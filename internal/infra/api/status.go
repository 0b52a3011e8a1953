package api

import (
	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/api/breaker"
	"github.com/vietddude/adsync/internal/infra/api/classify"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
)

// ClientStatus is the combined view served by status endpoints.
type ClientStatus struct {
	Authenticated bool               `json:"authenticated"`
	BaseURL       string             `json:"base_url"`
	Version       string             `json:"version"`
	Breaker       breaker.Snapshot   `json:"circuit_breaker"`
	RateLimits    []ratelimit.Status `json:"rate_limits"`
	Transport     TransportStats     `json:"transport"`
	Errors        classify.Stats     `json:"errors"`
}

// RateLimitStatus returns the limiter view of one key.
func (c *Client) RateLimitStatus(limitType ratelimit.LimitType, id string) ratelimit.Status {
	return c.limiter.Status(limitType, id)
}

// QuotaUsage returns the last server-reported usage for a key.
func (c *Client) QuotaUsage(limitType ratelimit.LimitType, id string) (domain.QuotaUsage, bool) {
	return c.limiter.QuotaUsage(limitType, id)
}

// BreakerState returns the circuit breaker snapshot.
func (c *Client) BreakerState() breaker.Snapshot {
	return c.breaker.Snapshot()
}

// TransportStats returns latency and throttle statistics.
func (c *Client) TransportStats() TransportStats {
	return c.monitor.Stats()
}

// Classifier exposes the error log.
func (c *Client) Classifier() *classify.Classifier {
	return c.classifier
}

// Status returns everything at once.
func (c *Client) Status() ClientStatus {
	return ClientStatus{
		Authenticated: c.IsAuthenticated(),
		BaseURL:       c.cfg.BaseURL,
		Version:       c.cfg.Version,
		Breaker:       c.breaker.Snapshot(),
		RateLimits:    c.limiter.AllStatuses(),
		Transport:     c.monitor.Stats(),
		Errors:        c.classifier.Stats(),
	}
}

// ResetRateLimits clears local limiter state.
func (c *Client) ResetRateLimits() {
	c.limiter.Reset()
	c.log.Info("Rate limits reset")
}

// ResetCircuitBreaker closes the breaker.
func (c *Client) ResetCircuitBreaker() {
	c.breaker.Reset()
}

// ResetAll clears limiter, breaker, transport and error state.
func (c *Client) ResetAll() {
	c.ResetRateLimits()
	c.ResetCircuitBreaker()
	c.monitor.Reset()
	c.classifier.Clear()
}
