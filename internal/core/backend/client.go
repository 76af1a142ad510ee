// Package backend performs GET calls against the upstream JSON API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/core"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	maxBodyBytes       = 10 << 20
)

// Client issues GET requests of the form {BaseURL}{endpoint}?apiKey={key}&{params}.
type Client struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	MaxAttempts    int
	InitialBackoff time.Duration
	UserAgent      string
	Clock          func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
	Logger         *logging.Logger
}

// URL renders the full request URL including credentials. Parameters keep
// their insertion order.
func (c *Client) URL(req core.Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(c.BaseURL, "/"))
	b.WriteString(req.Endpoint)

	sep := byte('?')
	if key := strings.TrimSpace(c.APIKey); key != "" {
		b.WriteByte(sep)
		b.WriteString("apiKey=")
		b.WriteString(url.QueryEscape(key))
		sep = '&'
	}
	if query := req.Params.Encode(); query != "" {
		b.WriteByte(sep)
		b.WriteString(query)
	}
	return b.String()
}

// Fetch performs the GET call. Backend errors are retried with exponential
// backoff up to MaxAttempts; rate limit responses are returned immediately.
func (c *Client) Fetch(ctx context.Context, req core.Request) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("backend client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return nil, errors.New("backend base url is required")
	}

	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := c.InitialBackoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		payload, err := c.fetchOnce(ctx, req)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		if core.KindOf(err) != core.KindBackend || ctx.Err() != nil || attempt == attempts-1 {
			break
		}

		delay := backoff << attempt
		if c.Logger != nil {
			c.Logger.Debug("Retrying backend call",
				zap.String("endpoint", req.Endpoint),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, backendError(req.Endpoint, 0, "retry wait interrupted", err)
		}
	}

	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, req core.Request) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(req), nil)
	if err != nil {
		return nil, backendError(req.Endpoint, 0, "build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.UserAgent)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, backendError(req.Endpoint, 0, "request failed", redactURLError(err))
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, backendError(req.Endpoint, resp.StatusCode, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &core.DispatchError{
			Kind:       core.KindRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfterHeader(resp, c.now()),
			CallerID:   req.CallerID,
			Endpoint:   req.Endpoint,
			Message:    "backend rate limit exceeded",
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, backendError(req.Endpoint, resp.StatusCode, fmt.Sprintf("unexpected status %s", http.StatusText(resp.StatusCode)), nil)
	}

	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, backendError(req.Endpoint, resp.StatusCode, "response is not valid JSON", nil)
	}
	return json.RawMessage(trimmed), nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}

func backendError(endpoint string, status int, message string, err error) *core.DispatchError {
	return &core.DispatchError{
		Kind:       core.KindBackend,
		StatusCode: status,
		Endpoint:   endpoint,
		Message:    message,
		Err:        err,
	}
}

// redactURLError drops the request URL, which carries the apiKey, from transport errors.
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
