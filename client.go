// Package chatsync keeps a chat client's conversations, messages and user
// profiles in sync with a hosted backend that exposes a REST table API, an
// auth API and a realtime websocket.
//
// Example:
//
//	client := chatsync.NewClient("https://xyz.example.co", anonKey)
//	session, _ := client.Auth().SignIn(ctx, "ada@example.com", "secret")
//
//	ctl := chatsync.NewController(session.User.ID, client, client.Realtime())
//	ctl.OnState(func(s chatsync.Snapshot) { ... })
//	_ = ctl.Start(ctx)
//	_, _ = ctl.Send(ctx, "Hello!")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	restPath     = "/rest/v1/"
	authPath     = "/auth/v1"
	realtimePath = "/realtime/v1/websocket"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the backend's REST table API and owns the auth and realtime
// sub-clients that share its credentials.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	log        *slog.Logger

	mu    sync.RWMutex
	token string

	auth     *AuthClient
	realtime *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the project at baseURL. anonKey is the
// project's public API key; it is sent with every request.
func NewClient(baseURL, anonKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = discardLogger()
	}

	c.auth = newAuthClient(c)
	return c
}

// SetToken sets the user access token used for the Authorization header.
// An empty token falls back to the anon key.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		return c.token
	}
	return c.anonKey
}

// Auth returns the identity provider sub-client.
func (c *Client) Auth() *AuthClient {
	return c.auth
}

// Realtime returns the realtime sub-client, creating it on first use.
// The websocket is dialed lazily by the first Subscribe.
func (c *Client) Realtime() *RealtimeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.realtime == nil {
		c.realtime = NewRealtimeClient(c.realtimeURL(), c.anonKey, &RealtimeConfig{
			TokenSource:   c.bearer,
			AutoReconnect: true,
			Logger:        c.log,
		})
	}
	return c.realtime
}

func (c *Client) realtimeURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + realtimePath
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, headers map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Debug("request rejected", "method", method, "path", path, "status", resp.StatusCode)
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeAPIError understands both the table API's {code,message} bodies and
// the auth API's {error,error_description} / {error_code,msg} bodies.
func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = firstNonEmpty(strings.TrimSpace(string(data)), http.StatusText(status))
		return apiErr
	}
	field := func(key string) string {
		switch v := body[key].(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			return fmt.Sprint(v)
		}
	}
	apiErr.Code = firstNonEmpty(field("error_code"), field("error"), field("code"))
	apiErr.Message = firstNonEmpty(field("message"), field("error_description"), field("msg"), http.StatusText(status))
	apiErr.Details = field("details")
	apiErr.Hint = field("hint")
	return apiErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ============================================================================
// Table API
// ============================================================================

// Select reads rows from table. The result is a JSON array.
func (c *Client) Select(ctx context.Context, table string, q Query) (json.RawMessage, error) {
	params := encodeFilters(q.Filters)
	if len(q.Columns) > 0 {
		params.Set("select", strings.Join(q.Columns, ","))
	} else {
		params.Set("select", "*")
	}
	if q.Order != nil {
		dir := "desc"
		if q.Order.Ascending {
			dir = "asc"
		}
		params.Set("order", q.Order.Column+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, restPath+table, nil, params, nil)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return data, nil
}

// Insert writes rows (a single row or a slice) and returns the stored rows.
func (c *Client) Insert(ctx context.Context, table string, rows any) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, http.MethodPost, restPath+table, rows, nil, map[string]string{
		"Prefer": "return=representation",
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return data, nil
}

// Update applies patch to every row matching filters.
func (c *Client) Update(ctx context.Context, table string, filters []Filter, patch map[string]any) error {
	if len(filters) == 0 {
		return fmt.Errorf("update %s: refusing to update without filters", table)
	}
	_, err := c.doRequest(ctx, http.MethodPatch, restPath+table, patch, encodeFilters(filters), map[string]string{
		"Prefer": "return=minimal",
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

func encodeFilters(filters []Filter) url.Values {
	params := url.Values{}
	for _, f := range filters {
		switch v := f.Value.(type) {
		case []string:
			params.Add(f.Column, fmt.Sprintf("%s.(%s)", f.Op, strings.Join(v, ",")))
		default:
			params.Add(f.Column, fmt.Sprintf("%s.%v", f.Op, v))
		}
	}
	return params
}
