// Package registry holds the orchestrator's live view of the pilot fleet:
// who has been seen, what state each pilot declared, and which run (if any)
// the orchestrator believes a pilot is executing. It is shared between the
// gateway goroutines, the pipeline workers and the control API.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPilotNotFound is returned when identity resolution finds no candidate.
var ErrPilotNotFound = errors.New("pilot not found")

// ActiveRun is the orchestrator's local record of what a pilot is executing.
type ActiveRun struct {
	ID         int       `json:"id"`
	SessionID  int       `json:"session_id"`
	SubjectKey string    `json:"subject_key"`
	StartedAt  time.Time `json:"started_at"`
	Status     string    `json:"status"`
}

// PilotRecord is the per-pilot state. Copies returned by the registry are
// detached; mutating them does not touch the registry.
type PilotRecord struct {
	Identity  string
	IP        string
	State     string
	LastSeen  time.Time
	ActiveRun *ActiveRun
	Prefs     map[string]interface{}
	Tasks     []interface{}
}

// PilotStatus is one entry of a fleet snapshot, shaped for /pilots/live.
type PilotStatus struct {
	Connected   bool       `json:"connected"`
	LastSeenSec float64    `json:"last_seen_sec"`
	State       string     `json:"state,omitempty"`
	IP          string     `json:"ip,omitempty"`
	ActiveRun   *ActiveRun `json:"active_run"`
}

// Registry is the mutex-guarded pilot map.
type Registry struct {
	mu     sync.RWMutex
	pilots map[string]*PilotRecord

	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		pilots: make(map[string]*PilotRecord),
		now:    time.Now,
	}
}

func (r *Registry) touch(identity string) *PilotRecord {
	rec, ok := r.pilots[identity]
	if !ok {
		rec = &PilotRecord{Identity: identity}
		r.pilots[identity] = rec
	}
	rec.LastSeen = r.now()
	return rec
}

// UpdateHandshake merges a handshake payload into the pilot's record. The
// active_run slot is left untouched: a pilot re-announcing itself never
// clears a run the orchestrator believes to be active.
func (r *Registry) UpdateHandshake(identity string, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.touch(identity)
	if ip, ok := payload["ip"].(string); ok && ip != "" {
		rec.IP = ip
	}
	if prefs, ok := payload["prefs"].(map[string]interface{}); ok {
		rec.Prefs = cloneMap(prefs)
	}
	if tasks, ok := payload["tasks"].([]interface{}); ok {
		rec.Tasks = cloneSlice(tasks)
	}
}

// UpdatePing refreshes the pilot's last-seen stamp.
func (r *Registry) UpdatePing(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(identity)
}

// SetState records the pilot's declared state and refreshes last-seen.
func (r *Registry) SetState(identity, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(identity).State = state
}

// SetIP records the transport-observed address for a pilot without touching
// last-seen. A handshake-declared ip wins over this.
func (r *Registry) SetIP(identity, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pilots[identity]
	if !ok {
		rec = &PilotRecord{Identity: identity, LastSeen: r.now()}
		r.pilots[identity] = rec
	}
	if rec.IP == "" {
		rec.IP = ip
	}
}

// SetActiveRun writes the active_run slot atomically. A nil run clears it.
func (r *Registry) SetActiveRun(identity string, run *ActiveRun) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pilots[identity]
	if !ok {
		rec = &PilotRecord{Identity: identity, LastSeen: r.now()}
		r.pilots[identity] = rec
	}
	if run == nil {
		rec.ActiveRun = nil
		return
	}
	cp := *run
	rec.ActiveRun = &cp
}

// GetPilot returns a deep copy of the pilot's record.
func (r *Registry) GetPilot(identity string) (*PilotRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.pilots[identity]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// IsConnected reports whether the pilot has ever been seen. Staleness is
// advisory; the gateway's confirm loop is the real failure signal.
func (r *Registry) IsConnected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pilots[identity]
	return ok
}

// Snapshot returns the status of every known pilot. A pilot counts as
// connected when it was seen within staleAfter.
func (r *Registry) Snapshot(staleAfter time.Duration) map[string]PilotStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make(map[string]PilotStatus, len(r.pilots))
	for identity, rec := range r.pilots {
		age := now.Sub(rec.LastSeen)
		st := PilotStatus{
			Connected:   age < staleAfter,
			LastSeenSec: float64(age.Milliseconds()) / 1000.0,
			State:       rec.State,
			IP:          rec.IP,
		}
		if rec.ActiveRun != nil {
			cp := *rec.ActiveRun
			st.ActiveRun = &cp
		}
		out[identity] = st
	}
	return out
}

// Identities returns every known pilot identity; the ping loop fans out
// over this.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.pilots))
	for identity := range r.pilots {
		out = append(out, identity)
	}
	return out
}

// ResolvePilotKey bridges backend naming to transport identity. Candidates
// are tried in order: exact dbName, the prefixed form "pilot_{dbName}", then
// a lookup by recorded ip.
func (r *Registry) ResolvePilotKey(dbName, ip string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if dbName != "" {
		if _, ok := r.pilots[dbName]; ok {
			return dbName, nil
		}
		prefixed := "pilot_" + dbName
		if _, ok := r.pilots[prefixed]; ok {
			return prefixed, nil
		}
	}

	if ip != "" {
		for identity, rec := range r.pilots {
			if rec.IP == ip {
				return identity, nil
			}
		}
	}

	return "", fmt.Errorf("%w: db_name=%q ip=%q", ErrPilotNotFound, dbName, ip)
}

func (p *PilotRecord) clone() *PilotRecord {
	cp := &PilotRecord{
		Identity: p.Identity,
		IP:       p.IP,
		State:    p.State,
		LastSeen: p.LastSeen,
	}
	if p.ActiveRun != nil {
		run := *p.ActiveRun
		cp.ActiveRun = &run
	}
	if p.Prefs != nil {
		cp.Prefs = cloneMap(p.Prefs)
	}
	if p.Tasks != nil {
		cp.Tasks = cloneSlice(p.Tasks)
	}
	return cp
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneSlice(in []interface{}) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		return cloneSlice(t)
	default:
		return v
	}
}
