package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/enterpannet/rode-trip/internal/reliability"
)

// Client talks to the trip backend REST API. Only the endpoints the realtime
// core depends on are covered: session tokens, location posts and health.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// APIError is returned for non-2xx backend responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is worth retrying later.
func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// SessionToken fetches an ephemeral bearer token for the signaling channel.
func (c *Client) SessionToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.getJSON(ctx, "/auth/session-token", &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", fmt.Errorf("session token response missing token")
	}
	return out.Token, nil
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
}

// PostLocation records one accepted location sample for a room.
func (c *Client) PostLocation(ctx context.Context, roomID string, lat, lon float64, ts time.Time) error {
	path := "/rooms/" + url.PathEscape(roomID) + "/location"
	return c.postJSON(ctx, path, locationRequest{
		Latitude:  lat,
		Longitude: lon,
		Timestamp: ts.UTC().Format(time.RFC3339),
	})
}

// Health probes the backend health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return c.apiError(res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return c.apiError(res)
	}
	return nil
}

func (c *Client) apiError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return &APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
}
