package backend

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

	"github.com/thruflo/fieldtrack/internal/geo"
)

// HTTPClient implements Client over JSON/HTTP.
type HTTPClient struct {
	// baseURL is the service root (e.g., "https://tasks.example.com/api")
	baseURL string

	// httpClient is the HTTP client used for requests
	httpClient *http.Client

	// authToken is the optional bearer token
	authToken string
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAuthToken sets the bearer token sent with every request.
func WithAuthToken(token string) ClientOption {
	return func(c *HTTPClient) {
		c.authToken = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = timeout
	}
}

// NewHTTPClient creates an HTTPClient for the given base URL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

// BaseURL returns the service root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// StartPresenceSession calls POST /presence/sessions.
func (c *HTTPClient) StartPresenceSession(ctx context.Context) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodPost, "/presence/sessions", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// EndPresenceSession calls DELETE /presence/sessions/current.
func (c *HTTPClient) EndPresenceSession(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/presence/sessions/current", nil, nil)
}

// GetPresenceStats calls GET /presence/stats.
func (c *HTTPClient) GetPresenceStats(ctx context.Context) (*PresenceStats, error) {
	var stats PresenceStats
	if err := c.do(ctx, http.MethodGet, "/presence/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// UpdateProximityState calls PUT /presence/proximity.
func (c *HTTPClient) UpdateProximityState(ctx context.Context, update ProximityUpdate) error {
	return c.do(ctx, http.MethodPut, "/presence/proximity", update, nil)
}

// ListNearbyTasks calls GET /tasks/nearby.
func (c *HTTPClient) ListNearbyTasks(ctx context.Context, pos geo.Position, maxDistanceKm float64) ([]geo.Task, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(pos.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(pos.Longitude, 'f', -1, 64))
	q.Set("max_km", strconv.FormatFloat(maxDistanceKm, 'f', -1, 64))

	var resp struct {
		Tasks []geo.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/nearby?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// UpdateTask calls PATCH /tasks/{id}.
func (c *HTTPClient) UpdateTask(ctx context.Context, taskID string, update TaskUpdate) error {
	return c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), update, nil)
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s returned status %d: %s", ErrNetwork, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
