package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vpnworks/xray-agent/internal/domain"
)

// Client communicates with the core API: agent registration and the
// webhook channel used for telemetry, health transitions, and command
// results. Transient transport failures are retried by the underlying
// retryable client.
type Client struct {
	baseURL  string
	apiKey   string
	serverID int

	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a core API client for the given server record.
func NewClient(apiKey, baseURL string, serverID int, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil // suppress default logging

	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		serverID: serverID,
		http:     retryClient.StandardClient(),
		logger:   logger,
	}
}

// ServerID returns the server record this client reports for.
func (c *Client) ServerID() int {
	return c.serverID
}

// Register announces this agent for its server record. Any failure is
// wrapped as ErrRegistration so callers can keep retrying with backoff.
func (c *Client) Register(ctx context.Context, req domain.RegisterRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal register request: %w", err)
	}

	path := fmt.Sprintf("/api/v1/servers/%d/agent/register", c.serverID)
	status, _, err := c.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return domain.ErrRegistration{Status: status, Err: err}
	}
	return nil
}

// SendEvent pushes one webhook event upstream.
func (c *Client) SendEvent(ctx context.Context, name string, data any) error {
	event := domain.Event{
		Event:    name,
		ServerID: c.serverID,
		Data:     data,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", name, err)
	}

	_, _, err = c.doRequest(ctx, http.MethodPost, "/api/v1/agents/webhook", body)
	if err != nil {
		return fmt.Errorf("send event %s: %w", name, err)
	}
	return nil
}

// --- internal ---

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("core API error",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return resp.StatusCode, nil, fmt.Errorf("core API %s %s returned %d", method, path, resp.StatusCode)
	}

	return resp.StatusCode, respBody, nil
}
