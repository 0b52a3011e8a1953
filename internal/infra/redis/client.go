package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "adsync"

// Client wraps the Redis connection shared by adsync processes.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	KeyPrefix string        `yaml:"key_prefix"`
	QuotaTTL  time.Duration `yaml:"quota_ttl"`
}

// NewClient creates a new Redis client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := strings.TrimSuffix(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *Client) quotaKey(limitType, id string) string {
	return fmt.Sprintf("%s:quota:%s:%s", c.prefix, limitType, id)
}

func (c *Client) quotaIndexKey() string {
	return c.prefix + ":quota:index"
}

// parseQuotaKey splits "<prefix>:quota:<type>:<id>".
func (c *Client) parseQuotaKey(key string) (limitType, id string, err error) {
	rest, ok := strings.CutPrefix(key, c.prefix+":quota:")
	if !ok {
		return "", "", fmt.Errorf("invalid quota key: %s", key)
	}
	limitType, id, ok = strings.Cut(rest, ":")
	if !ok || limitType == "" || id == "" {
		return "", "", fmt.Errorf("invalid quota key: %s", key)
	}
	return limitType, id, nil
}
