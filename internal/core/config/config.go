package config

import (
	"time"

	"github.com/vietddude/adsync/internal/infra/api"
	"github.com/vietddude/adsync/internal/infra/api/breaker"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
	"github.com/vietddude/adsync/internal/infra/events"
	redisclient "github.com/vietddude/adsync/internal/infra/redis"
	"github.com/vietddude/adsync/internal/infra/storage/postgres"
	"github.com/vietddude/adsync/internal/syncing/insights"
	"github.com/vietddude/adsync/internal/syncing/scheduler"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server         ServerConfig                             `yaml:"server"`
	Logging        LoggingConfig                            `yaml:"logging"`
	API            APIConfig                                `yaml:"api"`
	RateLimits     map[ratelimit.LimitType]ratelimit.Config `yaml:"rate_limits"     validate:"dive"`
	CircuitBreaker breaker.Config                           `yaml:"circuit_breaker"`
	ErrorLogSize   int                                      `yaml:"error_log_size"  validate:"gte=0"`
	Scheduler      SchedulerConfig                          `yaml:"scheduler"`
	Insights       insights.Config                          `yaml:"insights"`
	Redis          redisclient.Config                       `yaml:"redis"`
	Database       DatabaseConfig                           `yaml:"database"`
	Events         events.Config                            `yaml:"events"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// APIConfig holds the ad platform client settings and credentials.
type APIConfig struct {
	api.Config  `yaml:",inline"`
	AccessToken string      `yaml:"access_token"`
	OAuth       OAuthConfig `yaml:"oauth"`
}

// OAuthConfig enables refresh-token based access. It is used when RefreshToken is set.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"     validate:"required_with=RefreshToken"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"     validate:"required_with=RefreshToken"`
	RefreshToken string `yaml:"refresh_token"`
}

// SchedulerConfig holds scheduler tuning and the jobs registered at startup.
type SchedulerConfig struct {
	scheduler.Config `yaml:",inline"`
	Jobs             []JobConfig `yaml:"jobs" validate:"dive"`
}

// JobConfig describes one recurring sync.
type JobConfig struct {
	ID         string         `yaml:"id"          validate:"required"`
	AccountIDs []string       `yaml:"account_ids" validate:"required,min=1,dive,required"`
	Interval   time.Duration  `yaml:"interval"    validate:"gt=0"`
	MaxRetries *int           `yaml:"max_retries" validate:"omitempty,gte=0"`
	Paused     bool           `yaml:"paused"`
	Options    map[string]any `yaml:"options"`
}

// DatabaseConfig holds the history store settings. History stays in memory
// when URL is empty.
type DatabaseConfig struct {
	postgres.Config  `yaml:",inline"`
	HistoryRetention time.Duration `yaml:"history_retention"` // 0 = infinite
}
