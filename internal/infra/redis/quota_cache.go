package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
)

const DefaultQuotaTTL = time.Hour

// QuotaEntry is one cached usage report.
type QuotaEntry struct {
	LimitType ratelimit.LimitType `json:"limit_type"`
	ID        string              `json:"id"`
	Usage     domain.QuotaUsage   `json:"usage"`
}

// QuotaCache shares the last server-reported quota usage between processes.
type QuotaCache struct {
	client  *Client
	ttl     time.Duration
	pending chan QuotaEntry
	log     *slog.Logger
}

// NewQuotaCache creates a cache whose entries expire after ttl.
func NewQuotaCache(client *Client, ttl time.Duration) *QuotaCache {
	if ttl <= 0 {
		ttl = DefaultQuotaTTL
	}
	return &QuotaCache{
		client:  client,
		ttl:     ttl,
		pending: make(chan QuotaEntry, 256),
		log:     slog.Default().With("component", "quota-cache"),
	}
}

// Observe is a ratelimit.QuotaObserver. It never blocks the request path;
// reports are written by Start and dropped when the writer falls behind.
func (q *QuotaCache) Observe(limitType ratelimit.LimitType, id string, usage domain.QuotaUsage) {
	select {
	case q.pending <- QuotaEntry{LimitType: limitType, ID: id, Usage: usage}:
	default:
		q.log.Warn("Quota cache backlog full, dropping report", "limit_type", limitType, "id", id)
	}
}

// Start writes observed reports until ctx is cancelled.
func (q *QuotaCache) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.pending:
			writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := q.Set(writeCtx, e.LimitType, e.ID, e.Usage); err != nil {
				q.log.Error("Failed to cache quota usage", "limit_type", e.LimitType, "id", e.ID, "error", err)
			}
			cancel()
		}
	}
}

// Set stores usage for a key.
func (q *QuotaCache) Set(ctx context.Context, limitType ratelimit.LimitType, id string, usage domain.QuotaUsage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to marshal quota usage: %w", err)
	}

	key := q.client.quotaKey(string(limitType), id)
	pipe := q.client.rdb.TxPipeline()
	pipe.Set(ctx, key, data, q.ttl)
	pipe.SAdd(ctx, q.client.quotaIndexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set quota usage: %w", err)
	}
	return nil
}

// Get returns the cached usage for a key.
func (q *QuotaCache) Get(ctx context.Context, limitType ratelimit.LimitType, id string) (domain.QuotaUsage, bool, error) {
	var usage domain.QuotaUsage
	val, err := q.client.rdb.Get(ctx, q.client.quotaKey(string(limitType), id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return usage, false, nil
	}
	if err != nil {
		return usage, false, fmt.Errorf("get failed: %w", err)
	}
	if err := json.Unmarshal(val, &usage); err != nil {
		return usage, false, fmt.Errorf("failed to unmarshal quota usage: %w", err)
	}
	return usage, true, nil
}

// All returns every live cached entry. Expired keys are pruned from the index.
func (q *QuotaCache) All(ctx context.Context) ([]QuotaEntry, error) {
	indexKey := q.client.quotaIndexKey()
	keys, err := q.client.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := q.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	var (
		out   []QuotaEntry
		stale []any
	)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		limitType, id, err := q.client.parseQuotaKey(keys[i])
		if err != nil {
			stale = append(stale, keys[i])
			continue
		}
		var usage domain.QuotaUsage
		if err := json.Unmarshal([]byte(s), &usage); err != nil {
			q.log.Warn("Skipping malformed cached quota", "key", keys[i], "error", err)
			continue
		}
		out = append(out, QuotaEntry{LimitType: ratelimit.LimitType(limitType), ID: id, Usage: usage})
	}

	if len(stale) > 0 {
		if err := q.client.rdb.SRem(ctx, indexKey, stale...).Err(); err != nil {
			q.log.Warn("Failed to prune quota index", "error", err)
		}
	}
	return out, nil
}
