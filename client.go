package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of RemoteStore.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
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

// WithRateLimit throttles outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a client authenticating with token. token may be "".
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limit: %w", err)
		}
	}

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
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// call performs a request and decodes the envelope's data into out, which
// may be nil.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	status, data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		if status >= 400 {
			return httpError(status)
		}
		return nil
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		if status >= 400 {
			return httpError(status)
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !res.OK || status >= 400 {
		if res.Error != nil {
			res.Error.Status = status
			return res.Error
		}
		return httpError(status)
	}
	if out == nil {
		return nil
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func httpError(status int) *APIError {
	return &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status), Status: status}
}

func channelPath(channelID string, parts ...string) string {
	p := "/api/channels/" + url.PathEscape(channelID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ============================================================================
// RemoteStore
// ============================================================================

func (c *Client) FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	var msgs []Message
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if err := c.call(ctx, http.MethodGet, channelPath(channelID, "messages"), nil, query, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) WriteMessage(ctx context.Context, m Message) error {
	return c.call(ctx, http.MethodPost, channelPath(m.ChannelID, "messages"), m, nil, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, id string) error {
	return c.call(ctx, http.MethodDelete, channelPath(channelID, "messages", id), nil, nil, nil)
}

func (c *Client) UpdateReactions(ctx context.Context, channelID, id string, reactions Reactions) error {
	if reactions == nil {
		reactions = Reactions{}
	}
	body := reactionsRequest{Reactions: reactions}
	return c.call(ctx, http.MethodPut, channelPath(channelID, "messages", id, "reactions"), body, nil, nil)
}

func (c *Client) FetchChannel(ctx context.Context, channelID string) (Channel, error) {
	var ch Channel
	err := c.call(ctx, http.MethodGet, channelPath(channelID), nil, nil, &ch)
	return ch, err
}

func (c *Client) FetchMembership(ctx context.Context, channelID, userID string) (Membership, error) {
	var m Membership
	err := c.call(ctx, http.MethodGet, channelPath(channelID, "members", userID), nil, nil, &m)
	return m, err
}

func (c *Client) WriteReadMarker(ctx context.Context, marker ReadMarker) error {
	body := readMarkerRequest{UserID: marker.UserID, LastReadAt: marker.LastReadAt.UTC()}
	return c.call(ctx, http.MethodPut, channelPath(marker.ChannelID, "read-marker"), body, nil, nil)
}
