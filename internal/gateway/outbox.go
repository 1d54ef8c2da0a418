package gateway

import (
	"sync"
	"time"

	"github.com/mics-lab/orchestrator/internal/protocol"
)

// Outbox tracks confirm-pending messages. Each sweep resends entries that
// have waited more than twice the resend interval, burning one TTL unit per
// resend; entries that run out of TTL are dropped.
type Outbox struct {
	interval time.Duration

	mu      sync.Mutex
	pending map[string]*pendingMessage
	now     func() time.Time
}

type pendingMessage struct {
	env      *protocol.Envelope
	lastSent time.Time
}

// NewOutbox creates an outbox sweeping at the given interval.
func NewOutbox(interval time.Duration) *Outbox {
	return &Outbox{
		interval: interval,
		pending:  make(map[string]*pendingMessage),
		now:      time.Now,
	}
}

// Add starts tracking an envelope until Confirm removes it.
func (o *Outbox) Add(env *protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[env.ID] = &pendingMessage{env: env, lastSent: o.now()}
}

// Confirm removes a tracked envelope. Reports whether the id was known;
// duplicate confirms are harmless.
func (o *Outbox) Confirm(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[id]
	delete(o.pending, id)
	return ok
}

// Len reports the number of unconfirmed messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Sweep partitions stale entries into those due for a resend and those whose
// TTL ran out. Due envelopes get their TTL decremented and wire timestamp
// refreshed before being returned; expired ones are removed.
func (o *Outbox) Sweep() (due, expired []*protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	for id, pm := range o.pending {
		if pm.env.TTL <= 0 {
			expired = append(expired, pm.env)
			delete(o.pending, id)
			continue
		}
		if now.Sub(pm.lastSent) > 2*o.interval {
			pm.env.TTL--
			pm.env.Timestamp = float64(now.UnixNano()) / 1e9
			pm.lastSent = now
			due = append(due, pm.env)
		}
	}
	return due, expired
}
