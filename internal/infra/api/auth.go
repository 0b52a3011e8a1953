package api

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
)

// SetAccessToken sets a static bearer token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// ClearAccessToken drops the token and any token source.
func (c *Client) ClearAccessToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenSource = nil
}

// IsAuthenticated reports whether requests carry a bearer token.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != "" || c.tokenSource != nil
}

// AccessToken returns the last known token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetTokenSource installs a refreshing token source. Tokens are cached until expiry.
func (c *Client) SetTokenSource(ts oauth2.TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts == nil {
		c.tokenSource = nil
		return
	}
	c.tokenSource = oauth2.ReuseTokenSource(nil, ts)
}

// RefreshToken pulls a fresh token from the token source.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.mu.RLock()
	ts := c.tokenSource
	c.mu.RUnlock()
	if ts == nil {
		return apierr.ErrNotAuthenticated
	}

	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}
	if !tok.Valid() {
		return fmt.Errorf("refresh access token: token source returned an expired token")
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.mu.Unlock()
	c.log.InfoContext(ctx, "Access token refreshed", "expiry", tok.Expiry)
	return nil
}

// currentToken returns the token to send, consulting the source when one is set.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	ts, token := c.tokenSource, c.token
	c.mu.RUnlock()
	if ts == nil {
		return token, nil
	}

	tok, err := ts.Token()
	if err != nil {
		return "", &apierr.APIError{
			StatusCode: 401,
			Code:       190,
			Message:    fmt.Sprintf("obtain access token: %v", err),
		}
	}
	if tok.AccessToken != token {
		c.mu.Lock()
		c.token = tok.AccessToken
		c.mu.Unlock()
		c.log.DebugContext(ctx, "Using new access token from source", "expiry", tok.Expiry)
	}
	return tok.AccessToken, nil
}
