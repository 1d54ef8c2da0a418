// Package client is a small Go client for the orchestrator's control API.
// Lab scripts and dashboard backends use it instead of hand-rolling HTTP:
//
//	orch := client.New(client.Config{BaseURL: "http://localhost:9000"})
//	if err := orch.StartRun(ctx, 42, ""); err != nil {
//	    log.Fatal(err)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the orchestrator API endpoint, e.g. "http://lab-pc:9000".
	BaseURL string

	// Timeout bounds each request. Defaults to 15 seconds.
	Timeout time.Duration
}

// Client talks to the orchestrator control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// StartRun starts or resumes a session run. mode is "new", "resume",
// "restart", or empty to let the orchestrator infer it from the run's status.
func (c *Client) StartRun(ctx context.Context, runID int, mode string) error {
	var body interface{}
	if mode != "" {
		body = map[string]string{"mode": mode}
	}
	return c.post(ctx, fmt.Sprintf("/runs/%d/start", runID), body, nil)
}

// StopRun stops a running or pending session run.
func (c *Client) StopRun(ctx context.Context, runID int) error {
	return c.post(ctx, fmt.Sprintf("/runs/%d/stop", runID), nil, nil)
}

// LivePilots returns the fleet snapshot keyed by pilot identity.
func (c *Client) LivePilots(ctx context.Context) (map[string]PilotStatus, error) {
	var pilots map[string]PilotStatus
	if err := c.get(ctx, "/pilots/live", &pilots); err != nil {
		return nil, err
	}
	return pilots, nil
}

// Health reports the orchestrator's health summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.get(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request %s: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		message := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			message = body.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response %s: %w", req.URL.Path, err)
	}
	return nil
}
