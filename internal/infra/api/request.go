package api

import (
	"bytes"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
)

// DefaultLimitID is the identifier used for app-wide limits.
const DefaultLimitID = "default"

// RequestOption customises a single call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers   http.Header
	limitType ratelimit.LimitType
	limitID   string
	priority  int
	timeout   time.Duration
}

// WithHeader adds a header to the request, overriding the client defaults.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Set(key, value)
	}
}

// WithLimit overrides the limit bucket derived from the endpoint.
func WithLimit(limitType ratelimit.LimitType, id string) RequestOption {
	return func(o *requestOptions) {
		o.limitType = limitType
		o.limitID = id
	}
}

// WithPriority sets the queue priority; higher runs first.
func WithPriority(p int) RequestOption {
	return func(o *requestOptions) { o.priority = p }
}

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// Paging is the cursor block of a list response.
type Paging struct {
	Cursors *struct {
		Before string `json:"before,omitempty"`
		After  string `json:"after,omitempty"`
	} `json:"cursors,omitempty"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Response is a decoded success envelope.
type Response struct {
	StatusCode int
	// Data is the "data" member when the body is an envelope, the whole body otherwise.
	Data   json.RawMessage
	Paging *Paging
	Header http.Header
}

// Decode unmarshals Data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return &apierr.ValidationError{What: "response data"}
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return &apierr.ValidationError{What: "response data", Err: err}
	}
	return nil
}

type successEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Paging *Paging         `json:"paging"`
}

type errorEnvelope struct {
	Error *struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func decodeSuccess(status int, header http.Header, body []byte) (*Response, error) {
	resp := &Response{StatusCode: status, Header: header}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return resp, nil
	}
	if !json.Valid(trimmed) {
		return nil, &apierr.ValidationError{What: "response body", Err: errMalformedJSON}
	}

	if trimmed[0] == '{' {
		var env successEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, &apierr.ValidationError{What: "response body", Err: err}
		}
		if env.Data != nil {
			resp.Data = env.Data
			resp.Paging = env.Paging
			return resp, nil
		}
	}
	resp.Data = json.RawMessage(trimmed)
	return resp, nil
}

// decodeError builds an APIError from a non-2xx response.
func decodeError(status int, header http.Header, body []byte, now time.Time) *apierr.APIError {
	e := &apierr.APIError{
		StatusCode: status,
		Header:     header,
		RetryAfter: retryAfter(header, now),
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		e.Message = env.Error.Message
		e.Type = env.Error.Type
		e.Code = env.Error.Code
		e.Subcode = env.Error.Subcode
		e.TraceID = env.Error.FBTraceID
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// retryAfter reads the Retry-After header, then the quota regain estimate.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	if usage, ok, _ := ratelimit.ParseQuotaHeaders(h, now); ok {
		return usage.EstimatedTimeToRegainAccess
	}
	return 0
}

var accountPath = regexp.MustCompile(`^act_([0-9]+)(/insights)?(?:/|$|\?)`)

// routeLimit derives the limit bucket for an endpoint.
func routeLimit(endpoint string) (ratelimit.LimitType, string) {
	m := accountPath.FindStringSubmatch(strings.TrimPrefix(endpoint, "/"))
	if m == nil {
		return ratelimit.LimitApp, DefaultLimitID
	}
	if m[2] != "" {
		return ratelimit.LimitInsights, m[1]
	}
	return ratelimit.LimitAdAccount, m[1]
}
