// Package ask forwards a natural-language query to a page's own endpoint and
// returns the endpoint's JSON answer.
package ask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Mode selects how the endpoint answers.
type Mode string

const (
	ModeSummarize Mode = "summarize"
	ModeGenerate  Mode = "generate"
)

// DefaultTimeout bounds one request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 512

// Request is one question sent to a page endpoint.
type Request struct {
	URL   string
	Query string
	Prev  string
	Mode  Mode
}

type payload struct {
	Query string `json:"query"`
	Prev  string `json:"prev,omitempty"`
	Mode  Mode   `json:"mode,omitempty"`
}

// StatusError reports a non-2xx endpoint response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("ask: endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ask: endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e != nil && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500)
}

// Config configures a Client.
type Config struct {
	Timeout time.Duration
	Retry   RetryPolicy
	// HTTPClient overrides the pooled client.
	HTTPClient *http.Client
	// OnRetry is called before each retry with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Client posts questions to page endpoints.
type Client struct {
	http    *http.Client
	retry   RetryPolicy
	onRetry func(attempt int, err error)
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = sharedHTTPClientPool.client(timeout)
	}
	return &Client{
		http:    httpClient,
		retry:   normalizeRetryPolicy(cfg.Retry),
		onRetry: cfg.OnRetry,
	}
}

// Ask posts req to req.URL and returns the decoded JSON response.
func (c *Client) Ask(ctx context.Context, req Request) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("ask: client is nil")
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("ask: url is required")
	}

	body, err := json.Marshal(payload{Query: req.Query, Prev: req.Prev, Mode: req.Mode})
	if err != nil {
		return nil, fmt.Errorf("ask: encode request: %w", err)
	}

	return withRetry(ctx, c.retry, c.onRetry, func(ctx context.Context) (json.RawMessage, error) {
		return c.post(ctx, req.URL, body)
	})
}

func (c *Client) post(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ask: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ask: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ask: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), maxErrorBody)}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("ask: decode response: invalid JSON from %s", url)
	}
	return json.RawMessage(data), nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
