// Package notify is the Go SDK for taskflow real-time notifications.
//
// It keeps a server-push stream of notifications open, tracks unread state
// against the server, and queues mutating requests issued while offline so
// they are replayed once connectivity returns.
//
// Example:
//
//	client := notify.NewClient("tf-token-...", notify.WithBaseURL("https://app.taskflow.dev"))
//
//	// One-off API calls
//	unread, _ := client.UnreadCount(ctx)
//	client.MarkRead(ctx, "42")
//
//	// Full real-time stack
//	n, _ := notify.New(client, notify.Options{Storage: notify.NewMemoryStorage()})
//	n.Start(ctx)
//	defer n.Stop()
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://app.taskflow.dev"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client calls the taskflow notification REST endpoints.
type Client struct {
	mu         sync.RWMutex
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
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

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new notification API client.
// apiKey is the bearer token; pass "" for unauthenticated test servers.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = discardLogger()
	}
	return c
}

// SetToken replaces the bearer token used by later requests and reconnects.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.apiKey = token
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// BaseURL returns the API root this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
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
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

func apiErrorFrom(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != nil {
		apiErr.Code = wrapped.Error.Code
		apiErr.Message = wrapped.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Notification API Methods
// ============================================================================

// UnreadCount fetches the authoritative unread counter.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/notifications/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	res, err := decodeJSON[unreadCountResponse](data)
	if err != nil {
		return 0, err
	}
	return res.Unread, nil
}

// List fetches the most recent notifications, newest first.
func (c *Client) List(ctx context.Context, limit int) ([]Notification, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": strconv.Itoa(limit)}
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/notifications", nil, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[[]Notification](data)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// MarkRead confirms a single notification as read.
func (c *Client) MarkRead(ctx context.Context, id NotificationID) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(string(id))+"/read", nil, nil)
	return err
}

// MarkAllRead confirms every notification as read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/notifications/mark-all-read", nil, nil)
	return err
}

// Ping checks that the API answers at all. Any HTTP response, including an
// error status, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/notifications/unread-count", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return nil
	}
	return err
}
