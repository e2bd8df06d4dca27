package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client pushes configuration to the running engine's HTTP control API.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient creates a control-plane client for the engine listening on
// addr (host:port).
func NewClient(addr, secret string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// PutConfigs asks the running engine to load the config file at path
// without a restart.
func (c *Client) PutConfigs(ctx context.Context, path string) error {
	body, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return fmt.Errorf("failed to marshal config push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/configs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create config push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("config push failed with status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
