package server

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/adsync/internal/infra/api"
	"github.com/vietddude/adsync/internal/infra/api/breaker"
	"github.com/vietddude/adsync/internal/syncing/scheduler"
)

// SystemStatus represents the health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Name    string       `json:"name"`
	Status  SystemStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// CheckFunc inspects one component.
type CheckFunc func(ctx context.Context) ComponentHealth

// Pinger is anything with a connectivity check, such as the Postgres pool or
// the Redis client.
type Pinger interface {
	Health(ctx context.Context) error
}

// DefaultCheckInterval bounds how often checks actually run.
const DefaultCheckInterval = 10 * time.Second

// Monitor aggregates health status from registered components.
type Monitor struct {
	mu         sync.Mutex
	names      []string
	checks     map[string]CheckFunc
	interval   time.Duration
	lastCheck  time.Time
	lastReport HealthReport
	now        func() time.Time
}

// NewMonitor creates a monitor that caches results for interval.
func NewMonitor(interval time.Duration) *Monitor {
	if interval < 0 {
		interval = 0
	}
	return &Monitor{
		checks:   make(map[string]CheckFunc),
		interval: interval,
		now:      time.Now,
	}
}

// Register adds a named check. Registering a name twice replaces the check.
func (m *Monitor) Register(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checks[name]; !ok {
		m.names = append(m.names, name)
	}
	m.checks[name] = fn
	m.lastCheck = time.Time{}
}

// CheckHealth runs every check, worst status wins.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.interval > 0 && !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.interval {
		return m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.names)),
		CheckedAt:    now,
	}
	for _, name := range m.names {
		h := m.checks[name](ctx)
		h.Name = name
		report.Components[name] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// ClientCheck degrades while the breaker is not closed or the platform is
// throttling.
func ClientCheck(c *api.Client) CheckFunc {
	return func(context.Context) ComponentHealth {
		snap := c.BreakerState()
		switch snap.State {
		case breaker.StateOpen:
			return ComponentHealth{Status: StatusDegraded, Message: "circuit breaker open"}
		case breaker.StateHalfOpen:
			return ComponentHealth{Status: StatusDegraded, Message: "circuit breaker half open"}
		}
		if st := c.TransportStats(); st.Status != api.TransportHealthy {
			return ComponentHealth{Status: StatusDegraded, Message: "transport " + string(st.Status)}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// SchedulerCheck is critical when the scheduler is stopped and degraded when
// paused.
func SchedulerCheck(s *scheduler.Scheduler) CheckFunc {
	return func(context.Context) ComponentHealth {
		switch {
		case !s.IsRunning():
			return ComponentHealth{Status: StatusCritical, Message: "scheduler stopped"}
		case s.IsPaused():
			return ComponentHealth{Status: StatusDegraded, Message: "scheduler paused"}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// PingCheck reports onFailure when p cannot be reached within timeout.
func PingCheck(p Pinger, onFailure SystemStatus, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := p.Health(ctx); err != nil {
			return ComponentHealth{Status: onFailure, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}
