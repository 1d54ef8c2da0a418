package client

import (
	"fmt"
	"time"
)

// PilotStatus is one pilot's entry in the fleet snapshot.
type PilotStatus struct {
	Connected   bool       `json:"connected"`
	LastSeenSec float64    `json:"last_seen_sec"`
	State       string     `json:"state,omitempty"`
	IP          string     `json:"ip,omitempty"`
	ActiveRun   *ActiveRun `json:"active_run"`
}

// ActiveRun describes the run a pilot is currently executing.
type ActiveRun struct {
	ID         int       `json:"id"`
	SessionID  int       `json:"session_id"`
	SubjectKey string    `json:"subject_key"`
	StartedAt  time.Time `json:"started_at"`
	Status     string    `json:"status"`
}

// Health is the orchestrator's health summary.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Pilots  int    `json:"pilots"`
}

// APIError carries a non-2xx response from the orchestrator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator api: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error was a 404.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == 404
}
