// Package api implements the resilient client for the ad-platform Graph API.
//
// This package contains:
//   - Client: verb methods, batch calls, authentication and status
//   - the per-attempt pipeline: circuit breaker gate, rate-limit queue, HTTP round trip
//   - TransportMonitor: latency and throttle tracking
//
// Breaker, limiter and classifier are injected by the caller, which owns their lifecycle.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
	"github.com/vietddude/adsync/internal/infra/api/breaker"
	"github.com/vietddude/adsync/internal/infra/api/classify"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
	"github.com/vietddude/adsync/internal/metrics"
)

var errMalformedJSON = errors.New("malformed JSON")

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultVersion    = "v19.0"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxJitter  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	userAgent         = "adsync/1.0"
)

// Config configures the client.
type Config struct {
	BaseURL        string            `yaml:"base_url"    validate:"omitempty,url"`
	Version        string            `yaml:"version"`
	Timeout        time.Duration     `yaml:"timeout"     validate:"gte=0"`
	MaxRetries     *int              `yaml:"max_retries" validate:"omitempty,gte=0"` // nil = DefaultMaxRetries, 0 = no retries
	BaseDelay      time.Duration     `yaml:"base_delay"  validate:"gte=0"`
	MaxJitter      time.Duration     `yaml:"max_jitter"  validate:"gte=0"`
	MaxDelay       time.Duration     `yaml:"max_delay"   validate:"gte=0"`
	DefaultHeaders map[string]string `yaml:"headers"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == nil {
		n := DefaultMaxRetries
		c.MaxRetries = &n
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = DefaultMaxJitter
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log.With("component", "api") }
}

// Client is the high-level API client. Every call goes through the breaker, the
// limiter queue and the retry policy.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	breaker    *breaker.CircuitBreaker
	classifier *classify.Classifier
	monitor    *TransportMonitor
	log        *slog.Logger

	mu          sync.RWMutex
	token       string
	tokenSource oauth2.TokenSource
}

// New creates a client.
func New(
	cfg Config,
	limiter *ratelimit.RateLimiter,
	cb *breaker.CircuitBreaker,
	classifier *classify.Classifier,
	opts ...Option,
) *Client {
	c := &Client{
		cfg: cfg.withDefaults(),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:    limiter,
		breaker:    cb,
		classifier: classifier,
		monitor:    NewTransportMonitor(),
		log:        slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, opts ...RequestOption) (*Response, error) {
	return c.request(ctx, http.MethodGet, endpoint, params, nil, opts)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, body any, opts ...RequestOption) (*Response, error) {
	return c.request(ctx, http.MethodPost, endpoint, nil, body, opts)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, body any, opts ...RequestOption) (*Response, error) {
	return c.request(ctx, http.MethodPut, endpoint, nil, body, opts)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string, params url.Values, opts ...RequestOption) (*Response, error) {
	return c.request(ctx, http.MethodDelete, endpoint, params, nil, opts)
}

// buildURL returns BaseURL/Version/endpoint?query.
func (c *Client) buildURL(endpoint string, params url.Values) string {
	u := c.cfg.BaseURL + "/" + c.cfg.Version + "/" + strings.TrimPrefix(endpoint, "/")
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + params.Encode()
	}
	return u
}

func (c *Client) request(
	ctx context.Context,
	method, endpoint string,
	params url.Values,
	body any,
	opts []RequestOption,
) (*Response, error) {
	o := requestOptions{timeout: c.cfg.Timeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limitType == "" {
		o.limitType, o.limitID = routeLimit(endpoint)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &apierr.ValidationError{What: "request body", Err: err}
		}
	}

	target := c.buildURL(endpoint, params)

	var resp *Response
	attempts, err := c.withRetry(ctx, method, o, func(ctx context.Context) error {
		r, err := c.attempt(ctx, method, target, payload, o)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		c.classifier.HandleError(err, map[string]any{
			"endpoint": endpoint,
			"method":   method,
			"attempts": attempts,
		})
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// attempt runs one try: breaker gate, limiter queue, HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, target string, payload []byte, o requestOptions) (*Response, error) {
	v, err := c.breaker.Execute(func() (any, error) {
		return c.limiter.QueueRequest(ctx, o.limitType, o.limitID, o.priority, func(ctx context.Context) (any, error) {
			return c.roundTrip(ctx, method, target, payload, o)
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte, o requestOptions) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, &apierr.ValidationError{What: "request", Err: err}
	}
	if err := c.setHeaders(ctx, req, payload != nil, o.headers); err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	metrics.APIRequestLatency.WithLabelValues(method).Observe(latency.Seconds())
	if err != nil {
		c.monitor.RecordTransportError()
		metrics.APIRequestsTotal.WithLabelValues(method, "transport_error").Inc()
		return nil, &apierr.TransportError{Method: method, URL: redactURL(target), Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.monitor.RecordTransportError()
		metrics.APIRequestsTotal.WithLabelValues(method, "transport_error").Inc()
		return nil, &apierr.TransportError{Method: method, URL: redactURL(target), Err: fmt.Errorf("read response: %w", err)}
	}
	c.monitor.RecordRequest(latency)
	c.limiter.UpdateQuotaUsage(httpResp.Header, o.limitType, o.limitID)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		apiErr := decodeError(httpResp.StatusCode, httpResp.Header, body, time.Now())
		switch {
		case httpResp.StatusCode == http.StatusTooManyRequests || c.monitor.DetectThrottlePattern(apiErr.Message):
			c.monitor.RecordThrottle(apiErr.RetryAfter)
		case httpResp.StatusCode >= 500:
			c.monitor.RecordServerError()
		}
		metrics.APIRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, apiErr
	}

	resp, err := decodeSuccess(httpResp.StatusCode, httpResp.Header, body)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(method, "invalid").Inc()
		return nil, err
	}
	metrics.APIRequestsTotal.WithLabelValues(method, "success").Inc()
	return resp, nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, hasBody bool, extra http.Header) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}

	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// redactURL strips the query so tokens passed as parameters never reach logs.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
