// Package micsapi is the REST client for the MICS backend. It owns run
// lifecycle transitions, trial/step progress, and the pilot directory.
package micsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection settings for the backend API.
type Config struct {
	// BaseURL is the API root, e.g. "http://mics.local:8000". No trailing
	// slash.
	BaseURL string

	// Token is sent as a Bearer credential on every request.
	Token string

	// Timeout is the per-request timeout. Defaults to 15 seconds.
	Timeout time.Duration
}

// Client talks to the MICS backend over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
}

// APIError is returned for any response with status >= 400. The body is
// kept verbatim for logs.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("micsapi: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether the backend answered 404.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// New creates a backend client.
func New(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// do issues one request and decodes the JSON response into out when out is
// non-nil. Request bodies are sanitized so non-finite floats never reach the
// wire.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(Sanitize(body))
		if err != nil {
			return fmt.Errorf("micsapi: failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.config.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("micsapi: failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("micsapi: failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("micsapi: failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       string(respBody),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("micsapi: failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// ===== SESSION RUNS =====

// GetRun fetches a run by id. A backend null body yields a nil run with no
// error.
func (c *Client) GetRun(ctx context.Context, runID int) (*Run, error) {
	var run *Run
	if err := c.get(ctx, fmt.Sprintf("/session-runs/%d", runID), &run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetRunWithProgress fetches a run together with its progress row, when one
// exists.
func (c *Client) GetRunWithProgress(ctx context.Context, runID int) (*RunWithProgress, error) {
	var rwp *RunWithProgress
	if err := c.get(ctx, fmt.Sprintf("/session-runs/%d/with-progress", runID), &rwp); err != nil {
		return nil, err
	}
	return rwp, nil
}

// GetRunBySubjectKey looks a run up by its subject key, e.g. "bp_s12_r3".
func (c *Client) GetRunBySubjectKey(ctx context.Context, subjectKey string) (*Run, error) {
	var run *Run
	path := "/session-runs/by-subject-key/" + url.PathEscape(subjectKey)
	if err := c.get(ctx, path, &run); err != nil {
		return nil, err
	}
	return run, nil
}

// MarkRunRunning transitions a run to running.
func (c *Client) MarkRunRunning(ctx context.Context, runID int) error {
	return c.post(ctx, fmt.Sprintf("/session-runs/%d/mark-running", runID), nil, nil)
}

// StopSessionRun transitions a run to stopped.
func (c *Client) StopSessionRun(ctx context.Context, runID int) error {
	return c.post(ctx, fmt.Sprintf("/session-runs/%d/stop", runID), nil, nil)
}

// CompleteSessionRun transitions a run to completed.
func (c *Client) CompleteSessionRun(ctx context.Context, runID int) error {
	return c.post(ctx, fmt.Sprintf("/session-runs/%d/complete", runID), nil, nil)
}

// MarkRunError transitions a run to error. The backend takes the error
// classification as query parameters, not a body.
func (c *Client) MarkRunError(ctx context.Context, runID int, errorType, errorMessage string) error {
	query := url.Values{}
	query.Set("error_type", errorType)
	query.Set("error_message", errorMessage)
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/session-runs/%d/error", runID), query, nil, nil)
}

// ===== PROGRESS =====

// IncrementTrial bumps the trial counter for a run and reports whether the
// current step's graduation rule is satisfied.
func (c *Client) IncrementTrial(ctx context.Context, runID int) (*TrialResult, error) {
	var result TrialResult
	if err := c.post(ctx, fmt.Sprintf("/runs/%d/progress/increment", runID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AdvanceStep moves a run to its next protocol step and reports whether the
// protocol is finished.
func (c *Client) AdvanceStep(ctx context.Context, runID int) (*AdvanceResult, error) {
	var result AdvanceResult
	if err := c.post(ctx, fmt.Sprintf("/runs/%d/progress/advance_step", runID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ===== PILOTS =====

// GetPilot fetches a pilot directory row by id.
func (c *Client) GetPilot(ctx context.Context, pilotID int) (*Pilot, error) {
	var pilot *Pilot
	if err := c.get(ctx, fmt.Sprintf("/pilots/%d", pilotID), &pilot); err != nil {
		return nil, err
	}
	return pilot, nil
}

// CreateOrUpdatePilot upserts a pilot directory row from handshake data.
func (c *Client) CreateOrUpdatePilot(ctx context.Context, name, ip string, prefs map[string]interface{}) (*Pilot, error) {
	body := map[string]interface{}{
		"name": name,
	}
	if ip != "" {
		body["ip"] = ip
	}
	if prefs != nil {
		body["prefs"] = prefs
	}
	var pilot *Pilot
	if err := c.post(ctx, "/pilots", body, &pilot); err != nil {
		return nil, err
	}
	return pilot, nil
}

// UpsertPilotTasks replaces the task list a pilot reported at handshake.
func (c *Client) UpsertPilotTasks(ctx context.Context, pilotID int, tasks []interface{}) error {
	body := map[string]interface{}{
		"tasks": tasks,
	}
	return c.post(ctx, fmt.Sprintf("/pilots/%d/tasks", pilotID), body, nil)
}

// ===== PROTOCOLS AND SESSIONS =====

// GetProtocol fetches a protocol with its ordered steps.
func (c *Client) GetProtocol(ctx context.Context, protocolID int) (*Protocol, error) {
	var protocol *Protocol
	if err := c.get(ctx, fmt.Sprintf("/protocols/%d", protocolID), &protocol); err != nil {
		return nil, err
	}
	return protocol, nil
}

// GetSessionDetail fetches a session row. The payload is opaque here.
func (c *Client) GetSessionDetail(ctx context.Context, sessionID int) (map[string]interface{}, error) {
	var detail map[string]interface{}
	if err := c.get(ctx, fmt.Sprintf("/sessions/%d", sessionID), &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// GetSubjectRunsForSession lists the subject/protocol bindings of a session.
func (c *Client) GetSubjectRunsForSession(ctx context.Context, sessionID int) ([]SubjectRun, error) {
	var runs []SubjectRun
	if err := c.get(ctx, fmt.Sprintf("/sessions/%d/subject-runs", sessionID), &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// SubjectKey builds the canonical subject key for a session/run pair.
func SubjectKey(sessionID, runID int) string {
	return "bp_s" + strconv.Itoa(sessionID) + "_r" + strconv.Itoa(runID)
}
