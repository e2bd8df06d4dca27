package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coreguard/coreguard/pkg/models"
)

const (
	probeTimeout   = 500 * time.Millisecond
	requestTimeout = 10 * time.Second
)

// Client talks to the privileged helper service over its local unix
// socket. Every call reflects the service's authoritative view at call
// time; nothing is cached between calls.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a client for the helper socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Probe checks live reachability of the helper socket. It never blocks
// longer than the probe timeout; failure to connect means "not
// reachable", not an error.
func (c *Client) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// startRequest is the payload for delegated engine starts.
type startRequest struct {
	ConfigPath string `json:"config_path"`
	Variant    string `json:"variant"`
}

// StartEngine asks the helper to start the engine with the given config.
func (c *Client) StartEngine(ctx context.Context, configPath string, variant models.EngineVariant) error {
	body, err := json.Marshal(startRequest{ConfigPath: configPath, Variant: string(variant)})
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}
	return c.post(ctx, "/core/start", body)
}

// StopEngine asks the helper to stop the engine.
func (c *Client) StopEngine(ctx context.Context) error {
	return c.post(ctx, "/core/stop", nil)
}

// Status fetches the helper's view of the engine state.
func (c *Client) Status(ctx context.Context) (models.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://coreguard-service/status", nil)
	if err != nil {
		return models.Status{}, fmt.Errorf("failed to create status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Status{}, fmt.Errorf("failed to query service status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.Status{}, fmt.Errorf("status request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var st models.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return models.Status{}, fmt.Errorf("failed to decode service status: %w", err)
	}
	return st, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://coreguard-service"+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(msg))
	}
	return nil
}
