package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/api/apierr"
	"github.com/vietddude/adsync/internal/metrics"
)

// QuotaObserver is notified after a quota snapshot has been stored.
type QuotaObserver func(limitType LimitType, id string, usage domain.QuotaUsage)

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *RateLimiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *RateLimiter) { l.log = log }
}

// WithQuotaObserver registers a callback for quota updates.
func WithQuotaObserver(fn QuotaObserver) Option {
	return func(l *RateLimiter) { l.onQuota = fn }
}

// WithDrainInterval overrides the queue drain tick.
func WithDrainInterval(d time.Duration) Option {
	return func(l *RateLimiter) { l.drainInterval = d }
}

// Status is a point-in-time view of one (limit type, identifier) key.
type Status struct {
	LimitType        LimitType          `json:"limit_type"`
	ID               string             `json:"id,omitempty"`
	Allowed          bool               `json:"allowed"`
	Tokens           float64            `json:"tokens"`
	Capacity         int                `json:"capacity"`
	RefillRate       float64            `json:"refill_rate,omitempty"` // tokens per second
	RequestsInWindow int                `json:"requests_in_window"`
	MaxRequests      int                `json:"max_requests"`
	Window           time.Duration      `json:"window"`
	WindowType       WindowType         `json:"window_type"`
	ResetIn          time.Duration      `json:"reset_in"`
	CooldownUntil    time.Time          `json:"cooldown_until,omitempty"`
	QueueLength      int                `json:"queue_length"`
	Quota            *domain.QuotaUsage `json:"quota,omitempty"`
	QuotaExhausted   bool               `json:"quota_exhausted,omitempty"`
}

// RateLimiter owns all bucket, history, quota and queue state.
type RateLimiter struct {
	mu        sync.Mutex
	configs   map[LimitType]Config
	buckets   map[limitKey]*tokenBucket
	history   map[limitKey]*requestHistory
	cooldowns map[limitKey]time.Time
	quotas    map[limitKey]domain.QuotaUsage
	queues    map[limitKey]*requestQueue
	seq       uint64

	now           func() time.Time
	log           *slog.Logger
	onQuota       QuotaObserver
	drainInterval time.Duration

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRateLimiter creates a limiter. Missing limit types are filled from DefaultConfigs.
func NewRateLimiter(configs map[LimitType]Config, opts ...Option) *RateLimiter {
	merged := DefaultConfigs()
	for t, c := range configs {
		merged[t] = c
	}

	l := &RateLimiter{
		configs:       merged,
		buckets:       make(map[limitKey]*tokenBucket),
		history:       make(map[limitKey]*requestHistory),
		cooldowns:     make(map[limitKey]time.Time),
		quotas:        make(map[limitKey]domain.QuotaUsage),
		queues:        make(map[limitKey]*requestQueue),
		now:           time.Now,
		log:           slog.Default().With("component", "ratelimit"),
		drainInterval: DrainInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the queue drain and history cleanup loop until Stop or ctx is done.
func (l *RateLimiter) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	stopCh, doneCh := l.stopCh, l.doneCh
	l.mu.Unlock()

	go func() {
		defer close(doneCh)

		drain := time.NewTicker(l.drainInterval)
		defer drain.Stop()
		cleanup := time.NewTicker(CleanupInterval)
		defer cleanup.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-drain.C:
				l.drain()
			case <-cleanup.C:
				l.cleanup()
			}
		}
	}()
}

// Stop halts the drain loop and rejects everything still queued.
func (l *RateLimiter) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	doneCh := l.doneCh

	for _, q := range l.queues {
		for q.Len() > 0 {
			r := q.pop()
			r.result <- queueResult{err: apierr.ErrLimiterStopped}
		}
	}
	l.mu.Unlock()

	<-doneCh
}

// CanMakeRequest reports whether a request for the key would be admitted now.
func (l *RateLimiter) CanMakeRequest(limitType LimitType, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canMakeRequestLocked(limitKey{limitType, id}, l.now())
}

// RecordRequest consumes one token and appends a timestamp for the key.
func (l *RateLimiter) RecordRequest(limitType LimitType, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(limitKey{limitType, id}, l.now())
}

// QueueRequest executes fn once the key has capacity.
//
// If the key can be admitted immediately and nothing is waiting ahead of it, fn runs
// inline. Otherwise the call blocks in priority order until a drain tick admits it,
// the entry expires (ErrQueueTimeout), the queue is full (ErrQueueFull) or ctx ends.
func (l *RateLimiter) QueueRequest(
	ctx context.Context,
	limitType LimitType,
	id string,
	priority int,
	fn func(ctx context.Context) (any, error),
) (any, error) {
	k := limitKey{limitType, id}
	now := l.now()

	l.mu.Lock()
	q := l.queueFor(k)
	if q.Len() == 0 && l.canMakeRequestLocked(k, now) {
		l.recordLocked(k, now)
		l.mu.Unlock()
		return fn(ctx)
	}

	cfg := l.configFor(limitType)
	if q.Len() >= cfg.queueSize() {
		l.mu.Unlock()
		metrics.RateLimitRejections.WithLabelValues(string(limitType), "queue_full").Inc()
		return nil, fmt.Errorf("%s: %w", k, apierr.ErrQueueFull)
	}

	l.seq++
	req := &queuedRequest{
		id:         uuid.NewString(),
		key:        k,
		priority:   priority,
		seq:        l.seq,
		enqueuedAt: now,
		ctx:        ctx,
		execute:    fn,
		result:     make(chan queueResult, 1),
	}
	q.push(req)
	depth := q.Len()
	l.mu.Unlock()

	l.log.Debug("Request queued", "key", k.String(), "priority", priority, "depth", depth)

	select {
	case res := <-req.result:
		return res.value, res.err
	case <-ctx.Done():
		l.mu.Lock()
		removed := q.remove(req)
		l.mu.Unlock()
		if !removed {
			// Already admitted or rejected; the result is on its way.
			res := <-req.result
			return res.value, res.err
		}
		return nil, ctx.Err()
	}
}

// UpdateQuotaUsage stores the server-reported usage carried by response headers.
func (l *RateLimiter) UpdateQuotaUsage(h http.Header, limitType LimitType, id string) {
	now := l.now()
	usage, ok, errs := ParseQuotaHeaders(h, now)
	for _, err := range errs {
		l.log.Warn("Malformed quota header", "limit_type", limitType, "id", id, "error", err)
	}
	if !ok {
		return
	}

	k := limitKey{limitType, id}
	l.mu.Lock()
	l.quotas[k] = usage
	if usage.EstimatedTimeToRegainAccess > 0 {
		until := now.Add(usage.EstimatedTimeToRegainAccess)
		if until.After(l.cooldowns[k]) {
			l.cooldowns[k] = until
		}
	}
	onQuota := l.onQuota
	l.mu.Unlock()

	metrics.QuotaUsagePercent.WithLabelValues(string(limitType), string(usage.Kind)).Set(usage.Peak())
	switch {
	case usage.Exhausted():
		l.log.Error("Quota exhausted",
			"key", k.String(),
			"kind", usage.Kind,
			"peak", usage.Peak(),
			"regain_in", usage.EstimatedTimeToRegainAccess)
	case usage.Peak() >= 90:
		l.log.Warn("Quota nearly exhausted",
			"key", k.String(),
			"kind", usage.Kind,
			"call_count", usage.CallCount,
			"total_time", usage.TotalTime,
			"total_cputime", usage.TotalCPUTime)
	}
	if onQuota != nil {
		onQuota(limitType, id, usage)
	}
}

// HandleRateLimitError blocks the key until the server-provided retry-after (or the
// window) elapses. It returns the wait that was applied.
func (l *RateLimiter) HandleRateLimitError(err error, limitType LimitType, id string) time.Duration {
	k := limitKey{limitType, id}
	now := l.now()

	l.mu.Lock()
	cfg := l.configFor(limitType)
	wait := retryAfterFrom(err, cfg.Window)

	if cfg.BurstLimit > 0 {
		l.bucketFor(k, cfg).drain(now)
	}
	l.historyFor(k).fill(now, cfg)
	until := now.Add(wait)
	if until.After(l.cooldowns[k]) {
		l.cooldowns[k] = until
	}
	l.mu.Unlock()

	l.log.Warn("Rate limited by platform", "key", k.String(), "retry_after", wait, "error", err)
	return wait
}

// UpdateConfig replaces the limits for a type. Existing buckets are rebuilt lazily.
func (l *RateLimiter) UpdateConfig(limitType LimitType, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rate limit config %s: %w", limitType, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[limitType] = cfg
	for k := range l.buckets {
		if k.limitType == limitType {
			delete(l.buckets, k)
		}
	}
	return nil
}

// Config returns the effective config for a limit type.
func (l *RateLimiter) Config(limitType LimitType) Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.configFor(limitType)
}

// Status returns the state of one key.
func (l *RateLimiter) Status(limitType LimitType, id string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(limitKey{limitType, id}, l.now())
}

// AllStatuses returns the state of every key the limiter has seen.
func (l *RateLimiter) AllStatuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	seen := make(map[limitKey]struct{})
	var out []Status
	add := func(k limitKey) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, l.statusLocked(k, now))
	}
	for k := range l.history {
		add(k)
	}
	for k := range l.quotas {
		add(k)
	}
	for k := range l.queues {
		add(k)
	}
	return out
}

// QuotaUsage returns the last server-reported usage for a key.
func (l *RateLimiter) QuotaUsage(limitType LimitType, id string) (domain.QuotaUsage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.quotas[limitKey{limitType, id}]
	return q, ok
}

// Reset clears all local state. Queued requests keep waiting.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[limitKey]*tokenBucket)
	l.history = make(map[limitKey]*requestHistory)
	l.cooldowns = make(map[limitKey]time.Time)
	l.quotas = make(map[limitKey]domain.QuotaUsage)
}

// ResetKey clears local state for one key.
func (l *RateLimiter) ResetKey(limitType LimitType, id string) {
	k := limitKey{limitType, id}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, k)
	delete(l.history, k)
	delete(l.cooldowns, k)
	delete(l.quotas, k)
}

// QueueLength returns how many requests wait for the key.
func (l *RateLimiter) QueueLength(limitType LimitType, id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[limitKey{limitType, id}]; ok {
		return q.Len()
	}
	return 0
}

// drain rejects expired entries and admits up to DrainBatchSize entries per key,
// at most DrainTickLimit in total.
func (l *RateLimiter) drain() {
	now := l.now()
	var admitted []*queuedRequest
	depth := make(map[LimitType]int)

	l.mu.Lock()
	for k, q := range l.queues {
		for _, r := range q.removeExpired(now, QueueExpiry) {
			r.result <- queueResult{
				err: fmt.Errorf("%s after %v: %w", k, now.Sub(r.enqueuedAt), apierr.ErrQueueTimeout),
			}
			metrics.RateLimitRejections.WithLabelValues(string(k.limitType), "timeout").Inc()
		}

		for i := 0; i < DrainBatchSize && q.Len() > 0 && len(admitted) < DrainTickLimit; i++ {
			if !l.canMakeRequestLocked(k, now) {
				break
			}
			r := q.pop()
			l.recordLocked(k, now)
			admitted = append(admitted, r)
		}
		depth[k.limitType] += q.Len()
	}
	l.mu.Unlock()

	for t, n := range depth {
		metrics.RateLimitQueueDepth.WithLabelValues(string(t)).Set(float64(n))
	}

	for _, r := range admitted {
		l.log.Debug("Queued request admitted", "key", r.key.String(), "waited", now.Sub(r.enqueuedAt))
		go func(r *queuedRequest) {
			v, err := r.execute(r.ctx)
			r.result <- queueResult{value: v, err: err}
		}(r)
	}
}

// cleanup purges stale history and forgets idle keys.
func (l *RateLimiter) cleanup() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, h := range l.history {
		h.prune(now, l.configFor(k.limitType).Window)
		if len(h.stamps) == 0 {
			delete(l.history, k)
		}
	}
	for k, until := range l.cooldowns {
		if !now.Before(until) {
			delete(l.cooldowns, k)
		}
	}
	for k, q := range l.queues {
		if q.Len() == 0 {
			delete(l.queues, k)
		}
	}
}

func (l *RateLimiter) canMakeRequestLocked(k limitKey, now time.Time) bool {
	if until, ok := l.cooldowns[k]; ok {
		if now.Before(until) {
			return false
		}
		delete(l.cooldowns, k)
	}

	cfg := l.configFor(k.limitType)
	if cfg.BurstLimit > 0 && l.bucketFor(k, cfg).tokens(now) < 1 {
		return false
	}
	return l.historyFor(k).count(now, cfg) < cfg.MaxRequests
}

func (l *RateLimiter) recordLocked(k limitKey, now time.Time) {
	cfg := l.configFor(k.limitType)
	if cfg.BurstLimit > 0 {
		l.bucketFor(k, cfg).take(now)
	}
	l.historyFor(k).add(now)
}

func (l *RateLimiter) statusLocked(k limitKey, now time.Time) Status {
	cfg := l.configFor(k.limitType)
	h := l.historyFor(k)
	s := Status{
		LimitType:        k.limitType,
		ID:               k.id,
		Allowed:          l.canMakeRequestLocked(k, now),
		RequestsInWindow: h.count(now, cfg),
		MaxRequests:      cfg.MaxRequests,
		Window:           cfg.Window,
		WindowType:       cfg.windowType(),
		ResetIn:          h.resetIn(now, cfg),
		CooldownUntil:    l.cooldowns[k],
	}
	if cfg.BurstLimit > 0 {
		b := l.bucketFor(k, cfg)
		s.Tokens = b.tokens(now)
		s.Capacity = b.capacity
		s.RefillRate = b.refill
	}
	if q, ok := l.queues[k]; ok {
		s.QueueLength = q.Len()
	}
	if u, ok := l.quotas[k]; ok {
		s.Quota = &u
		s.QuotaExhausted = u.Exhausted()
	}
	return s
}

func (l *RateLimiter) configFor(t LimitType) Config {
	if c, ok := l.configs[t]; ok {
		return c
	}
	return l.configs[LimitApp]
}

func (l *RateLimiter) bucketFor(k limitKey, cfg Config) *tokenBucket {
	b, ok := l.buckets[k]
	if !ok {
		b = newTokenBucket(cfg)
		l.buckets[k] = b
	}
	return b
}

func (l *RateLimiter) historyFor(k limitKey) *requestHistory {
	h, ok := l.history[k]
	if !ok {
		h = &requestHistory{}
		l.history[k] = h
	}
	return h
}

func (l *RateLimiter) queueFor(k limitKey) *requestQueue {
	q, ok := l.queues[k]
	if !ok {
		q = &requestQueue{}
		l.queues[k] = q
	}
	return q
}

var (
	retryAfterPhrase = regexp.MustCompile(`(?i)retry[ -]after[:= ]+(\d+)`)
	retryAfterUnit   = regexp.MustCompile(`(?i)(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?)\b`)
)

// retryAfterFrom prefers the structured field and falls back to the message text.
func retryAfterFrom(err error, fallback time.Duration) time.Duration {
	if err == nil {
		return fallback
	}
	if apiErr, ok := apierr.AsAPIError(err); ok && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	if d, ok := ParseRetryAfterText(err.Error()); ok {
		return d
	}
	return fallback
}

// ParseRetryAfterText extracts a wait from free-form platform messages such as
// "Please retry after 30" or "try again in 5 minutes".
func ParseRetryAfterText(msg string) (time.Duration, bool) {
	if m := retryAfterUnit.FindStringSubmatch(msg); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			unit := strings.ToLower(m[2])
			switch {
			case strings.HasPrefix(unit, "h"):
				return time.Duration(n) * time.Hour, true
			case strings.HasPrefix(unit, "m"):
				return time.Duration(n) * time.Minute, true
			default:
				return time.Duration(n) * time.Second, true
			}
		}
	}
	if m := retryAfterPhrase.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}
