// Package driver is a W3C WebDriver client for an Appium server. It covers the
// handful of endpoints a device adapter needs: session lifecycle, window rect,
// screenshots, mobile: scripts, element lookup, key input, pointer actions,
// Appium settings, screen recording and page source.
package driver

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

	"go.uber.org/zap"

	"github.com/haricheung/qaml/internal/types"
)

// elementKey is the W3C web element identifier key.
const elementKey = "element-6066-11e4-a52e-4f735466cecf"

// Locator strategies used by the adapters.
const (
	ByIOSPredicate    = "-ios predicate string"
	ByAccessibilityID = "accessibility id"
	ByXPath           = "xpath"
)

// w3cCapabilities are sent unprefixed; everything else gets "appium:".
var w3cCapabilities = map[string]bool{
	"platformName":              true,
	"browserName":               true,
	"browserVersion":            true,
	"acceptInsecureCerts":       true,
	"pageLoadStrategy":          true,
	"proxy":                     true,
	"setWindowRect":             true,
	"timeouts":                  true,
	"unhandledPromptBehavior":   true,
	"strictFileInteractability": true,
	"webSocketUrl":              true,
}

// Capabilities is a W3C capability map.
type Capabilities map[string]any

// Prefixed returns a copy with vendor keys namespaced under "appium:".
//
// Expectations:
//   - Leaves W3C standard keys (platformName, ...) untouched
//   - Leaves keys that already carry a vendor prefix untouched
//   - Prefixes every other key with "appium:"
func (c Capabilities) Prefixed() Capabilities {
	out := make(Capabilities, len(c))
	for k, v := range c {
		if w3cCapabilities[k] || strings.Contains(k, ":") {
			out[k] = v
			continue
		}
		out["appium:"+k] = v
	}
	return out
}

// Get looks k up with and without the "appium:" prefix.
func (c Capabilities) Get(k string) (any, bool) {
	if v, ok := c[k]; ok {
		return v, true
	}
	v, ok := c["appium:"+k]
	return v, ok
}

// String returns the capability as a string, or "" when absent or not a string.
func (c Capabilities) String(k string) string {
	v, _ := c.Get(k)
	s, _ := v.(string)
	return s
}

// Error is a WebDriver error response.
type Error struct {
	Status  int    // HTTP status
	Code    string // W3C error code, e.g. "no such element"
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("webdriver: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("webdriver: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// IsNoSuchElement reports whether err is a WebDriver "no such element" error.
func IsNoSuchElement(err error) bool {
	var we *Error
	return errors.As(err, &we) && we.Code == "no such element"
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.http = c }
}

// WithLogger sets the logger used for per-command debug lines.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l.Named("driver") }
}

// Session is one live WebDriver session.
type Session struct {
	baseURL string
	id      string
	caps    Capabilities
	http    *http.Client
	logger  *zap.Logger
}

func newSession(baseURL string, opts []Option) *Session {
	s := &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates a new session on the server at baseURL.
func Open(ctx context.Context, baseURL string, caps Capabilities, opts ...Option) (*Session, error) {
	s := newSession(baseURL, opts)
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": caps.Prefixed(),
			"firstMatch":  []any{map[string]any{}},
		},
	}

	raw, err := s.do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return nil, fmt.Errorf("driver: create session at %s: %w", s.baseURL, err)
	}

	var created struct {
		SessionID    string       `json:"sessionId"`
		Capabilities Capabilities `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("driver: decode session: %w", err)
	}
	if created.SessionID == "" {
		return nil, fmt.Errorf("driver: create session at %s: response carried no session id", s.baseURL)
	}
	s.id = created.SessionID
	s.caps = created.Capabilities
	if s.caps == nil {
		s.caps = Capabilities{}
	}
	s.logger.Info("Session created", zap.String("session_id", s.id), zap.String("url", s.baseURL))
	return s, nil
}

// OpenWithFallback tries each base URL in order and returns the first session
// created. The error of the last attempt is returned when all fail.
func OpenWithFallback(ctx context.Context, baseURLs []string, caps Capabilities, opts ...Option) (*Session, error) {
	var lastErr error
	for _, u := range baseURLs {
		s, err := Open(ctx, u, caps, opts...)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("driver: no server URL given")
	}
	return nil, lastErr
}

// Attach binds to an existing session and reads its capabilities.
func Attach(ctx context.Context, baseURL, sessionID string, opts ...Option) (*Session, error) {
	s := newSession(baseURL, opts)
	s.id = sessionID
	raw, err := s.do(ctx, http.MethodGet, s.path(""), nil)
	if err != nil {
		return nil, fmt.Errorf("driver: attach session %s: %w", sessionID, err)
	}
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, fmt.Errorf("driver: decode capabilities: %w", err)
	}
	// Some servers nest the capabilities one level deeper.
	if inner, ok := caps["capabilities"].(map[string]any); ok {
		caps = Capabilities(inner)
	}
	s.caps = caps
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Capabilities returns the capabilities the server reported.
func (s *Session) Capabilities() Capabilities { return s.caps }

// PlatformName returns the session platformName capability.
func (s *Session) PlatformName() string { return s.caps.String("platformName") }

// WindowSize returns the current window width and height.
func (s *Session) WindowSize(ctx context.Context) (types.ScreenSize, error) {
	raw, err := s.do(ctx, http.MethodGet, s.path("/window/rect"), nil)
	if err != nil {
		return types.ScreenSize{}, fmt.Errorf("driver: window rect: %w", err)
	}
	var rect struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &rect); err != nil {
		return types.ScreenSize{}, fmt.Errorf("driver: decode window rect: %w", err)
	}
	return types.ScreenSize{Width: int(rect.Width), Height: int(rect.Height)}, nil
}

// Screenshot returns the current screen as a base64-encoded PNG.
func (s *Session) Screenshot(ctx context.Context) (string, error) {
	raw, err := s.do(ctx, http.MethodGet, s.path("/screenshot"), nil)
	if err != nil {
		return "", fmt.Errorf("driver: screenshot: %w", err)
	}
	return decodeString(raw, "screenshot")
}

// ExecuteScript runs a synchronous script. Appium routes "mobile: <cmd>"
// scripts to platform commands; args is passed as the single argument.
func (s *Session) ExecuteScript(ctx context.Context, script string, args map[string]any) (json.RawMessage, error) {
	scriptArgs := []any{}
	if args != nil {
		scriptArgs = append(scriptArgs, args)
	}
	raw, err := s.do(ctx, http.MethodPost, s.path("/execute/sync"), map[string]any{
		"script": script,
		"args":   scriptArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("driver: execute %q: %w", script, err)
	}
	return raw, nil
}

// FindElement returns the id of the first element matching the locator.
func (s *Session) FindElement(ctx context.Context, using, value string) (string, error) {
	raw, err := s.do(ctx, http.MethodPost, s.path("/element"), map[string]any{
		"using": using,
		"value": value,
	})
	if err != nil {
		return "", fmt.Errorf("driver: find element %s=%q: %w", using, value, err)
	}
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("driver: decode element: %w", err)
	}
	if id := ref[elementKey]; id != "" {
		return id, nil
	}
	// JSONWP servers use "ELEMENT".
	if id := ref["ELEMENT"]; id != "" {
		return id, nil
	}
	return "", fmt.Errorf("driver: find element %s=%q: response carried no element id", using, value)
}

// SendKeys types text into the element.
func (s *Session) SendKeys(ctx context.Context, elementID, text string) error {
	chars := make([]string, 0, len(text))
	for _, r := range text {
		chars = append(chars, string(r))
	}
	_, err := s.do(ctx, http.MethodPost, s.path("/element/"+url.PathEscape(elementID)+"/value"), map[string]any{
		"text":  text,
		"value": chars,
	})
	if err != nil {
		return fmt.Errorf("driver: send keys: %w", err)
	}
	return nil
}

// PerformActions dispatches W3C input sources and then releases them.
func (s *Session) PerformActions(ctx context.Context, seqs ...ActionSequence) error {
	if _, err := s.do(ctx, http.MethodPost, s.path("/actions"), map[string]any{"actions": seqs}); err != nil {
		return fmt.Errorf("driver: perform actions: %w", err)
	}
	if _, err := s.do(ctx, http.MethodDelete, s.path("/actions"), nil); err != nil {
		s.logger.Debug("Release actions failed", zap.Error(err))
	}
	return nil
}

// UpdateSettings changes Appium driver settings for the session.
func (s *Session) UpdateSettings(ctx context.Context, settings map[string]any) error {
	if _, err := s.do(ctx, http.MethodPost, s.path("/appium/settings"), map[string]any{"settings": settings}); err != nil {
		return fmt.Errorf("driver: update settings: %w", err)
	}
	return nil
}

// StartRecording starts screen recording on the device.
func (s *Session) StartRecording(ctx context.Context, options map[string]any) error {
	if options == nil {
		options = map[string]any{}
	}
	if _, err := s.do(ctx, http.MethodPost, s.path("/appium/start_recording_screen"), map[string]any{"options": options}); err != nil {
		return fmt.Errorf("driver: start recording: %w", err)
	}
	return nil
}

// StopRecording stops screen recording and returns the base64-encoded video.
func (s *Session) StopRecording(ctx context.Context) (string, error) {
	raw, err := s.do(ctx, http.MethodPost, s.path("/appium/stop_recording_screen"), map[string]any{"options": map[string]any{}})
	if err != nil {
		return "", fmt.Errorf("driver: stop recording: %w", err)
	}
	return decodeString(raw, "recording")
}

// Source returns the accessibility hierarchy as XML.
func (s *Session) Source(ctx context.Context) (string, error) {
	raw, err := s.do(ctx, http.MethodGet, s.path("/source"), nil)
	if err != nil {
		return "", fmt.Errorf("driver: page source: %w", err)
	}
	return decodeString(raw, "page source")
}

// Close deletes the session.
func (s *Session) Close(ctx context.Context) error {
	if _, err := s.do(ctx, http.MethodDelete, s.path(""), nil); err != nil {
		return fmt.Errorf("driver: delete session: %w", err)
	}
	s.logger.Info("Session closed", zap.String("session_id", s.id))
	return nil
}

func (s *Session) path(suffix string) string {
	return "/session/" + url.PathEscape(s.id) + suffix
}

// do issues one command and returns the "value" member of the response.
func (s *Session) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	s.logger.Debug("WebDriver command",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	var envelope struct {
		SessionID string          `json:"sessionId"`
		Status    *int            `json:"status"`
		Value     json.RawMessage `json:"value"`
	}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
			}
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= http.StatusBadRequest || (envelope.Status != nil && *envelope.Status != 0) {
		werr := &Error{Status: resp.StatusCode}
		var detail struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Value, &detail) == nil {
			werr.Code = detail.Error
			werr.Message = detail.Message
		}
		if werr.Message == "" {
			werr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, werr
	}

	// Legacy session creation puts the id beside the capabilities.
	if envelope.SessionID != "" && path == "/session" {
		merged := map[string]any{"sessionId": envelope.SessionID}
		var caps map[string]any
		if json.Unmarshal(envelope.Value, &caps) == nil {
			merged["capabilities"] = caps
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("re-encode legacy session: %w", err)
		}
		return b, nil
	}
	return envelope.Value, nil
}

func decodeString(raw json.RawMessage, what string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("driver: decode %s: %w", what, err)
	}
	return s, nil
}
