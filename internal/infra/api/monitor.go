package api

import (
	"strings"
	"sync"
	"time"
)

// TransportStatus summarises how the platform has been responding.
type TransportStatus string

const (
	TransportHealthy   TransportStatus = "healthy"   // working normally
	TransportDegraded  TransportStatus = "degraded"  // slow or erroring but answering
	TransportThrottled TransportStatus = "throttled" // recently rate limited
)

// TransportStats holds monitoring statistics for the platform transport.
type TransportStats struct {
	Status            TransportStatus `json:"status"`
	AverageLatency    time.Duration   `json:"average_latency"`
	Throttled         int             `json:"throttled"`
	ServerErrors      int             `json:"server_errors"`
	TransportErrors   int             `json:"transport_errors"`
	RequestsLastHour  int             `json:"requests_last_hour"`
	LastThrottleAt    time.Time       `json:"last_throttle_at,omitempty"`
	ThrottleRemaining time.Duration   `json:"throttle_remaining,omitempty"`
}

// TransportMonitor tracks latency, throttling and error responses of the platform.
type TransportMonitor struct {
	mu sync.RWMutex

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int

	// Error tracking
	throttleCount    int
	serverErrors     int
	transportErrors  int
	throttlePatterns []string
	lastThrottleTime time.Time
	throttleFor      time.Duration

	// Sliding window
	requestTimestamps []time.Time
	windowDuration    time.Duration

	// Thresholds
	slowResponseThreshold time.Duration

	now func() time.Time
}

// NewTransportMonitor creates a monitor with default settings.
func NewTransportMonitor() *TransportMonitor {
	return &TransportMonitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"user request limit reached",
			"application request limit reached",
			"too many calls",
			"rate limit",
			"please reduce the amount of data",
		},
		windowDuration:        time.Hour,
		slowResponseThreshold: 5 * time.Second,
		now:                   time.Now,
	}
}

// RecordRequest records a completed round trip with its latency.
func (m *TransportMonitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}

	m.requestTimestamps = append(m.requestTimestamps, now)
	m.pruneLocked(now)
}

// RecordThrottle records a rate-limited response; wait is the server hint, if any.
func (m *TransportMonitor) RecordThrottle(wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.throttleCount++
	m.lastThrottleTime = m.now()
	if wait <= 0 {
		wait = time.Minute
	}
	m.throttleFor = wait
}

// RecordServerError records a 5xx response.
func (m *TransportMonitor) RecordServerError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverErrors++
}

// RecordTransportError records a request that produced no response.
func (m *TransportMonitor) RecordTransportError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transportErrors++
}

// DetectThrottlePattern checks if a platform message describes throttling.
func (m *TransportMonitor) DetectThrottlePattern(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range m.throttlePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Status returns the current transport status.
func (m *TransportMonitor) Status() TransportStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked(m.now())
}

func (m *TransportMonitor) statusLocked(now time.Time) TransportStatus {
	if !m.lastThrottleTime.IsZero() && now.Sub(m.lastThrottleTime) < m.throttleFor {
		return TransportThrottled
	}
	if len(m.recentLatencies) > 10 && m.averageLatencyLocked() > m.slowResponseThreshold {
		return TransportDegraded
	}
	return TransportHealthy
}

func (m *TransportMonitor) averageLatencyLocked() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

func (m *TransportMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.windowDuration)
	i := 0
	for i < len(m.requestTimestamps) && !m.requestTimestamps[i].After(cutoff) {
		i++
	}
	m.requestTimestamps = m.requestTimestamps[i:]
}

// Stats returns current monitoring statistics.
func (m *TransportMonitor) Stats() TransportStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)

	stats := TransportStats{
		Status:           m.statusLocked(now),
		AverageLatency:   m.averageLatencyLocked(),
		Throttled:        m.throttleCount,
		ServerErrors:     m.serverErrors,
		TransportErrors:  m.transportErrors,
		RequestsLastHour: len(m.requestTimestamps),
		LastThrottleAt:   m.lastThrottleTime,
	}
	if stats.Status == TransportThrottled {
		stats.ThrottleRemaining = m.throttleFor - now.Sub(m.lastThrottleTime)
	}
	return stats
}

// Reset clears all counters.
func (m *TransportMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentLatencies = m.recentLatencies[:0]
	m.requestTimestamps = nil
	m.throttleCount = 0
	m.serverErrors = 0
	m.transportErrors = 0
	m.lastThrottleTime = time.Time{}
	m.throttleFor = 0
}
