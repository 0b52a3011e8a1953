// Package ratelimit handles local admission control for platform API calls.
//
// This package contains:
//   - RateLimiter: per-(limit type, identifier) admission combining a token bucket
//     (burst control) with a sliding or fixed window (sustained rate)
//   - a bounded priority queue drained on a fixed tick
//   - QuotaUsage parsing from the platform's usage headers
package ratelimit

import (
	"fmt"
	"time"
)

// LimitType names a family of platform limits.
type LimitType string

const (
	LimitApp             LimitType = "app"
	LimitAdAccount       LimitType = "ad_account"
	LimitBusinessUseCase LimitType = "business_use_case"
	LimitInsights        LimitType = "insights"
	LimitBatch           LimitType = "batch"
)

// WindowType selects how the request window is measured.
type WindowType string

const (
	WindowSliding WindowType = "sliding"
	WindowFixed   WindowType = "fixed"
)

const (
	// QueueExpiry is how long a request may wait in the queue before it is rejected.
	QueueExpiry = 5 * time.Minute

	// DrainInterval is the queue drain tick.
	DrainInterval = time.Second

	// DrainBatchSize caps how many requests per key are admitted on one tick.
	DrainBatchSize = 5

	// DrainTickLimit caps how many requests are admitted on one tick across all keys.
	DrainTickLimit = 20

	// CleanupInterval is how often stale history is purged.
	CleanupInterval = time.Minute

	// DefaultQueueSize applies when Config.QueueSize is zero.
	DefaultQueueSize = 100
)

// Config describes one limit type.
type Config struct {
	MaxRequests int           `yaml:"max_requests" validate:"gt=0"`
	Window      time.Duration `yaml:"window"       validate:"gt=0"`
	WindowType  WindowType    `yaml:"window_type"  validate:"omitempty,oneof=sliding fixed"`
	// BurstLimit is the token bucket capacity; zero disables the bucket gate.
	BurstLimit int `yaml:"burst_limit" validate:"gte=0"`
	// QueueSize bounds the per-key wait queue; zero means DefaultQueueSize.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`
}

func (c Config) queueSize() int {
	if c.QueueSize <= 0 {
		return DefaultQueueSize
	}
	return c.QueueSize
}

func (c Config) windowType() WindowType {
	if c.WindowType == "" {
		return WindowSliding
	}
	return c.WindowType
}

// Validate rejects configs the limiter cannot enforce.
func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("max requests must be positive, got %d", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %v", c.Window)
	}
	switch c.windowType() {
	case WindowSliding, WindowFixed:
	default:
		return fmt.Errorf("unknown window type %q", c.WindowType)
	}
	if c.BurstLimit < 0 || c.QueueSize < 0 {
		return fmt.Errorf("burst limit and queue size must not be negative")
	}
	return nil
}

// DefaultConfigs returns conservative limits for the known limit types.
func DefaultConfigs() map[LimitType]Config {
	return map[LimitType]Config{
		LimitApp: {
			MaxRequests: 200,
			Window:      time.Hour,
			WindowType:  WindowSliding,
		},
		LimitAdAccount: {
			MaxRequests: 100,
			Window:      5 * time.Minute,
			WindowType:  WindowSliding,
			BurstLimit:  20,
		},
		LimitBusinessUseCase: {
			MaxRequests: 300,
			Window:      time.Hour,
			WindowType:  WindowSliding,
		},
		LimitInsights: {
			MaxRequests: 60,
			Window:      5 * time.Minute,
			WindowType:  WindowSliding,
			BurstLimit:  10,
		},
		LimitBatch: {
			MaxRequests: 50,
			Window:      time.Minute,
			WindowType:  WindowFixed,
			QueueSize:   20,
		},
	}
}

type limitKey struct {
	limitType LimitType
	id        string
}

func (k limitKey) String() string {
	if k.id == "" {
		return string(k.limitType)
	}
	return string(k.limitType) + ":" + k.id
}
