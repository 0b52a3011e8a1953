package api

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
	"github.com/vietddude/adsync/internal/infra/api/classify"
	"github.com/vietddude/adsync/internal/metrics"
)

// retryDelay returns min(base*2^(attempt-1) + jitter, maxDelay) for attempt >= 1.
func (c *Client) retryDelay(attempt int) time.Duration {
	d := c.cfg.BaseDelay << (attempt - 1)
	if d <= 0 || d > c.cfg.MaxDelay {
		// Shift overflow or already past the cap.
		return c.cfg.MaxDelay
	}
	d += time.Duration(rand.Int64N(int64(c.cfg.MaxJitter)))
	return min(d, c.cfg.MaxDelay)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or the
// retry budget is spent. It returns the number of attempts made.
func (c *Client) withRetry(
	ctx context.Context,
	method string,
	o requestOptions,
	fn func(ctx context.Context) error,
) (int, error) {
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(*c.cfg.MaxRetries), retry.BackoffFunc(func() (time.Duration, bool) {
		return c.retryDelay(attempts), false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		info := classify.Classify(err)
		if !info.Retryable {
			return err
		}
		if _, ok := apierr.AsAPIError(err); ok && info.Category == classify.CategoryRateLimiting {
			c.limiter.HandleRateLimitError(err, o.limitType, o.limitID)
		}

		metrics.APIRetriesTotal.WithLabelValues(string(info.Category)).Inc()
		c.log.Debug("Retrying request",
			"method", method,
			"attempt", attempts,
			"category", info.Category,
			"error", err)
		return retry.RetryableError(err)
	})
	return attempts, err
}
