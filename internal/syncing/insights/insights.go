package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/vietddude/adsync/internal/core/domain"
	"github.com/vietddude/adsync/internal/infra/api"
	"github.com/vietddude/adsync/internal/infra/api/classify"
)

const (
	DefaultFields   = "spend,impressions,clicks,date_start,date_stop"
	DefaultMaxPages = 10
	DefaultPageSize = 100
)

// Getter is the part of the API client the operation needs.
type Getter interface {
	Get(ctx context.Context, endpoint string, params url.Values, opts ...api.RequestOption) (*api.Response, error)
}

// Config holds operation defaults. Job options override them per run.
type Config struct {
	Fields   string `yaml:"fields"`
	MaxPages int    `yaml:"max_pages" validate:"gte=0"`
	PageSize int    `yaml:"page_size" validate:"gte=0"`
	Level    string `yaml:"level"     validate:"omitempty,oneof=account campaign adset ad"`
}

func (c Config) withDefaults() Config {
	if c.Fields == "" {
		c.Fields = DefaultFields
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	return c
}

// Operation pulls insights rows for each account of a job.
type Operation struct {
	cfg    Config
	client Getter
	log    *slog.Logger
}

func New(cfg Config, client Getter) *Operation {
	return &Operation{
		cfg:    cfg.withDefaults(),
		client: client,
		log:    slog.Default().With("component", "insights"),
	}
}

type row struct {
	AccountID   string `json:"account_id"`
	Spend       string `json:"spend"`
	Impressions string `json:"impressions"`
	Clicks      string `json:"clicks"`
	DateStart   string `json:"date_start"`
	DateStop    string `json:"date_stop"`
}

type accountResult struct {
	records int
	spend   float64
	errors  []string
}

// Sync fetches insights for every account. Row-level problems and rejected
// account data are reported in the result. Authentication, permission and
// permanent failures stop the run; other account failures are collected, and
// the run fails only when every account failed that way.
func (o *Operation) Sync(ctx context.Context, accountIDs []string, options map[string]any) (*domain.SyncResult, error) {
	params, maxPages := o.params(options)
	result := &domain.SyncResult{}
	var (
		spend    float64
		failed   int
		firstErr error
	)

	for _, id := range accountIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		acct := normalizeAccount(id)
		res, err := o.syncAccount(ctx, acct, params, maxPages)
		result.Records += res.records
		spend += res.spend
		result.Errors = append(result.Errors, res.errors...)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			info := classify.Classify(err)
			if info.IsFatal() {
				o.log.Error("Aborting sync", "account", acct, "category", info.Category, "error", err)
				return result, fmt.Errorf("%s: %w", acct, err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", acct, err))
			if info.Strategy == classify.StrategyIgnore {
				o.log.Warn("Skipping account data", "account", acct, "category", info.Category, "error", err)
				continue
			}
			o.log.Warn("Account sync failed", "account", acct, "category", info.Category, "error", err)
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", acct, err)
			}
			continue
		}
		result.AccountsProcessed++
	}

	if result.AccountsProcessed > 0 || failed == 0 {
		result.TotalSpend = &spend
	}
	if failed > 0 && failed == len(accountIDs) {
		return result, fmt.Errorf("all %d accounts failed: %w", failed, firstErr)
	}
	return result, nil
}

func (o *Operation) syncAccount(ctx context.Context, acct string, base url.Values, maxPages int) (accountResult, error) {
	var res accountResult
	endpoint := acct + "/insights"
	params := cloneValues(base)

	for page := 1; page <= maxPages; page++ {
		resp, err := o.client.Get(ctx, endpoint, params)
		if err != nil {
			return res, err
		}

		var rows []json.RawMessage
		if err := resp.Decode(&rows); err != nil {
			return res, err
		}
		for i, raw := range rows {
			spend, err := parseRow(raw)
			if err != nil {
				res.errors = append(res.errors, fmt.Sprintf("%s: page %d row %d: %v", acct, page, i, err))
				continue
			}
			res.records++
			res.spend += spend
		}

		if resp.Paging == nil || resp.Paging.Next == "" || resp.Paging.Cursors == nil || resp.Paging.Cursors.After == "" {
			return res, nil
		}
		params.Set("after", resp.Paging.Cursors.After)
	}

	o.log.Debug("Stopped paging at limit", "account", acct, "max_pages", maxPages)
	return res, nil
}

func parseRow(raw json.RawMessage) (float64, error) {
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return 0, fmt.Errorf("decode row: %w", err)
	}
	if r.Spend == "" {
		return 0, nil
	}
	spend, err := strconv.ParseFloat(r.Spend, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid spend %q", r.Spend)
	}
	return spend, nil
}

// params builds the query from defaults and job options.
func (o *Operation) params(options map[string]any) (url.Values, int) {
	params := url.Values{}
	params.Set("fields", o.cfg.Fields)
	params.Set("limit", strconv.Itoa(o.cfg.PageSize))
	if o.cfg.Level != "" {
		params.Set("level", o.cfg.Level)
	}
	maxPages := o.cfg.MaxPages

	for k, v := range options {
		switch k {
		case "fields":
			if s := joinStrings(v); s != "" {
				params.Set("fields", s)
			}
		case "max_pages":
			if n, ok := toInt(v); ok && n > 0 {
				maxPages = n
			}
		case "date_preset", "level", "time_increment", "breakdowns":
			if s := joinStrings(v); s != "" {
				params.Set(k, s)
			}
		case "time_range":
			if b, err := json.Marshal(v); err == nil {
				params.Set(k, string(b))
			}
		}
	}
	return params, maxPages
}

func normalizeAccount(id string) string {
	return "act_" + strings.TrimPrefix(strings.TrimSpace(id), "act_")
}

func joinStrings(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	}
	return ""
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
