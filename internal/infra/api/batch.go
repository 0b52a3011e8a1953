package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
	"github.com/vietddude/adsync/internal/infra/api/ratelimit"
)

// MaxBatchSize is the platform's cap on requests per batch call.
const MaxBatchSize = 50

// BatchRequest is one entry of a batch call.
type BatchRequest struct {
	Method      string `json:"method"`
	RelativeURL string `json:"relative_url"`
	Body        string `json:"body,omitempty"`
	Name        string `json:"name,omitempty"`
}

// BatchResponse is the outcome of one batch entry. Err is set for entries that
// failed or did not complete.
type BatchResponse struct {
	Code   int
	Header http.Header
	Body   json.RawMessage
	Err    error
}

type batchItem struct {
	Code    int `json:"code"`
	Headers []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body string `json:"body"`
}

var errBatchItemIncomplete = errors.New("batch item did not complete")

// Batch submits up to MaxBatchSize requests in one call.
func (c *Client) Batch(ctx context.Context, requests []BatchRequest, opts ...RequestOption) ([]BatchResponse, error) {
	if len(requests) == 0 {
		return nil, &apierr.ValidationError{What: "batch", Err: errors.New("no requests")}
	}
	if len(requests) > MaxBatchSize {
		return nil, apierr.ErrBatchTooLarge
	}

	opts = append([]RequestOption{WithLimit(ratelimit.LimitBatch, DefaultLimitID)}, opts...)
	resp, err := c.Post(ctx, "", map[string]any{"batch": requests}, opts...)
	if err != nil {
		return nil, err
	}

	var items []*batchItem
	if err := resp.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	if len(items) != len(requests) {
		return nil, &apierr.ValidationError{
			What: "batch response",
			Err:  fmt.Errorf("got %d results for %d requests", len(items), len(requests)),
		}
	}

	out := make([]BatchResponse, len(items))
	for i, item := range items {
		if item == nil {
			out[i] = BatchResponse{Err: errBatchItemIncomplete}
			continue
		}

		h := make(http.Header, len(item.Headers))
		for _, kv := range item.Headers {
			h.Add(kv.Name, kv.Value)
		}
		out[i] = BatchResponse{Code: item.Code, Header: h}
		if item.Body != "" {
			out[i].Body = json.RawMessage(item.Body)
		}
		if item.Code < 200 || item.Code > 299 {
			out[i].Err = decodeError(item.Code, h, []byte(item.Body), time.Now())
		}
	}
	return out, nil
}
