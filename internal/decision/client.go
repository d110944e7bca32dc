// Package decision talks to the remote service that turns an instruction and
// a screenshot into the actions to perform next.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/haricheung/qaml/internal/types"
)

// DefaultBaseURL is the hosted decision API.
const DefaultBaseURL = "https://api.camelqa.com/v1"

// APIError is a non-2xx answer from the decision API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("decision: HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration // per HTTP request
	MaxElapsed        time.Duration // total retry budget; 0 disables retries
	RequestsPerSecond float64       // 0 means unlimited
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client calls the /execute and /task endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxElapsed time.Duration
	logger     *zap.Logger

	// backoffFactory is replaced in tests to avoid real waits.
	backoffFactory func() backoff.BackOff
}

// Response is the decoded action list plus the body it came from.
type Response struct {
	Actions []types.Action
	Raw     []byte
}

// normalizeBaseURL strips trailing slashes and an endpoint suffix so the path
// is never doubled when the client appends "/execute" or "/task" itself.
//
// Expectations:
//   - Strips a trailing slash
//   - Strips a trailing "/execute" or "/task"
//   - Returns DefaultBaseURL for empty input
//   - Returns the URL unchanged when neither suffix is present
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	if s == "" {
		return DefaultBaseURL
	}
	s = strings.TrimSuffix(s, "/execute")
	return strings.TrimSuffix(s, "/task")
}

// New creates a Client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c := &Client{
		baseURL:    normalizeBaseURL(cfg.BaseURL),
		apiKey:     cfg.APIKey,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, 1),
		maxElapsed: cfg.MaxElapsed,
		logger:     logger.Named("decision"),
	}
	c.backoffFactory = c.defaultBackoff
	return c
}

func (c *Client) defaultBackoff() backoff.BackOff {
	if c.maxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed
	b.MaxInterval = 30 * time.Second
	return b
}

// Execute asks for the actions that carry out a single instruction.
func (c *Client) Execute(ctx context.Context, req types.ExecuteRequest) (*Response, error) {
	return c.post(ctx, "/execute", req)
}

// Task asks for the next actions of a multi-step task.
func (c *Client) Task(ctx context.Context, req types.TaskRequest) (*Response, error) {
	if req.Progress == nil {
		req.Progress = []string{}
	}
	return c.post(ctx, "/task", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("decision: marshal request: %w", err)
	}
	url := c.baseURL + path

	var respBody []byte
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("decision: rate limit: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("decision: create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("decision: http request: %w", err))
			}
			c.logger.Warn("Network error calling decision API, retrying...", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("decision: http request: %w", err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("decision: read response: %w", err)
		}
		c.logger.Debug("Decision API response",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)),
			zap.ByteString("body", b),
		)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			if apiErr.Temporary() {
				c.logger.Warn("Decision API returned a retryable status", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		respBody = b
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return nil, err
	}

	actions, err := DecodeActions(respBody)
	if err != nil {
		return nil, err
	}
	return &Response{Actions: actions, Raw: respBody}, nil
}

// DecodeActions parses a response body into its ordered action list.
//
// Expectations:
//   - Accepts a bare JSON array of {name, arguments}
//   - Accepts an object wrapping the array under "actions"
//   - Treats null as an empty list
//   - Rejects anything else with an error naming the body
func DecodeActions(body []byte) ([]types.Action, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []types.Action{}, nil
	}
	var actions []types.Action
	if trimmed[0] == '{' {
		var wrapped struct {
			Actions []types.Action `json:"actions"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decision: unmarshal response: %w", err)
		}
		if wrapped.Actions == nil {
			return nil, fmt.Errorf("decision: unexpected response: %s", truncate(string(trimmed), 200))
		}
		actions = wrapped.Actions
	} else if err := json.Unmarshal(trimmed, &actions); err != nil {
		return nil, fmt.Errorf("decision: unmarshal response: %w", err)
	}
	for i, a := range actions {
		if a.Name == "" {
			return nil, fmt.Errorf("decision: action %d has no name", i)
		}
	}
	return actions, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
