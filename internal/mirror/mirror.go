// Package mirror maintains an advisory copy of pilot state in Redis so
// dashboards and sibling services can read it without touching the
// orchestrator. Every write is best-effort: failures are logged and dropped,
// never surfaced to callers.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mics-lab/orchestrator/internal/registry"
)

const (
	keyPrefix = "pilot:"
	opTimeout = time.Second
)

// Mirror publishes pilot state into Redis hashes keyed pilot:{identity}.
// A zero-value Mirror silently drops every write.
type Mirror struct {
	rdb *redis.Client
}

// Connect dials Redis from a URL ("redis://host:port/db"). Connectivity is
// verified with a ping before the mirror is handed back.
func Connect(url string) (*Mirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("mirror: parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("mirror: redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("[Mirror] Redis connected", "addr", opts.Addr)
	return &Mirror{rdb: rdb}, nil
}

// Disabled returns a mirror that drops every write. Used when no REDIS_URL
// is configured.
func Disabled() *Mirror {
	return &Mirror{}
}

// Enabled reports whether writes reach a real Redis.
func (m *Mirror) Enabled() bool {
	return m.rdb != nil
}

// UpdateState records a pilot's latest reported state.
func (m *Mirror) UpdateState(identity, state string) {
	m.hset(identity, map[string]interface{}{
		"state":      state,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// Touch refreshes a pilot's updated_at without changing its state. Used for
// pings and handshakes.
func (m *Mirror) Touch(identity string) {
	m.hset(identity, map[string]interface{}{
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// SetActiveRun attaches the run a pilot currently owns. A nil run clears
// the field instead.
func (m *Mirror) SetActiveRun(identity string, run *registry.ActiveRun) {
	if run == nil {
		m.ClearActiveRun(identity)
		return
	}
	payload, err := json.Marshal(run)
	if err != nil {
		slog.Debug("[Mirror] marshal active run failed", "pilot", identity, "error", err)
		return
	}
	m.hset(identity, map[string]interface{}{
		"active_run": string(payload),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// ClearActiveRun removes the active run field after a run ends.
func (m *Mirror) ClearActiveRun(identity string) {
	if m.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := m.rdb.HDel(ctx, keyPrefix+identity, "active_run").Err(); err != nil {
		slog.Debug("[Mirror] clear active run failed", "pilot", identity, "error", err)
	}
}

func (m *Mirror) hset(identity string, fields map[string]interface{}) {
	if m.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := m.rdb.HSet(ctx, keyPrefix+identity, fields).Err(); err != nil {
		slog.Debug("[Mirror] write failed", "pilot", identity, "error", err)
	}
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	if m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}
