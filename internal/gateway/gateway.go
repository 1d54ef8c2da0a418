// Package gateway is the message broker between the orchestrator and its
// pilots. Pilots connect over WebSocket and are addressed by identity;
// outbound messages can be fire-and-forget or confirm-tracked, in which case
// a background loop resends them until the pilot confirms or the TTL runs
// out.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mics-lab/orchestrator/internal/protocol"
)

// HandlerFunc consumes one inbound envelope. remoteIP is the peer's network
// address, for handlers that need a fallback when the payload lacks one.
type HandlerFunc func(env *protocol.Envelope, remoteIP string)

// Config configures the gateway.
type Config struct {
	// Name is the orchestrator's own identity, stamped as sender on every
	// outbound envelope.
	Name string

	// ResendInterval is the outbox sweep period. Unconfirmed messages older
	// than twice this interval are resent. Defaults to 5 seconds.
	ResendInterval time.Duration

	Metrics *Metrics

	// OnConnect fires after a pilot's connection is registered.
	OnConnect func(identity, remoteIP string)

	// OnDisconnect fires after a pilot's connection is torn down.
	OnDisconnect func(identity string)
}

// Gateway owns the peer table, the handler table, and the confirm/retry
// outbox.
type Gateway struct {
	name    string
	builder *protocol.Builder
	outbox  *Outbox
	metrics *Metrics

	onConnect    func(identity, remoteIP string)
	onDisconnect func(identity string)

	mu       sync.RWMutex
	peers    map[string]*peer
	handlers map[protocol.Key]HandlerFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// ErrNotConnected is returned when a fire-and-forget send has no live peer
// to deliver to.
type ErrNotConnected struct {
	Identity string
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("gateway: pilot %q is not connected", e.Identity)
}

// New creates a gateway. Register handlers, then call Start.
func New(config Config) *Gateway {
	if config.ResendInterval <= 0 {
		config.ResendInterval = 5 * time.Second
	}
	return &Gateway{
		name:         config.Name,
		builder:      protocol.NewBuilder(config.Name),
		outbox:       NewOutbox(config.ResendInterval),
		metrics:      config.Metrics,
		onConnect:    config.OnConnect,
		onDisconnect: config.OnDisconnect,
		peers:        make(map[string]*peer),
		handlers:     make(map[protocol.Key]HandlerFunc),
		stopCh:       make(chan struct{}),
	}
}

// Handle registers the handler for a message key. The CONFIRM key is owned
// by the gateway itself and cannot be overridden.
func (g *Gateway) Handle(key protocol.Key, fn HandlerFunc) {
	if key == protocol.KeyConfirm {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[key] = fn
}

// Start launches the resend loop.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go g.resendLoop()
	slog.Info("[Gateway] started", "name", g.name, "resend_interval", g.outbox.interval)
}

// Stop halts the resend loop and closes every peer connection.
func (g *Gateway) Stop(ctx context.Context) error {
	g.once.Do(func() { close(g.stopCh) })

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.RLock()
	peers := make([]*peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.mu.RUnlock()
	for _, p := range peers {
		p.close()
	}
	slog.Info("[Gateway] stopped")
	return nil
}

// Send delivers a message once, without confirm tracking. The envelope is
// flagged NOREPEAT so the pilot does not confirm it. Returns
// *ErrNotConnected when the pilot has no live connection.
func (g *Gateway) Send(to string, key protocol.Key, value interface{}) error {
	env := g.builder.New(to, key, value)
	env.SetFlag(protocol.FlagNoRepeat)
	return g.transmit(env)
}

// SendReliable delivers a message and tracks it in the outbox until the
// pilot confirms it. The message is enqueued even when the pilot is
// currently offline; the resend loop takes over. Returns the envelope id.
func (g *Gateway) SendReliable(to string, key protocol.Key, value interface{}) (string, error) {
	env := g.builder.New(to, key, value)
	g.outbox.Add(env)
	g.metrics.RecordOutboxDepth(g.outbox.Len())

	if err := g.transmit(env); err != nil {
		slog.Warn("[Gateway] reliable send deferred to resend loop", "to", to, "key", key, "error", err)
	}
	return env.ID, nil
}

// Connected reports whether a pilot currently has a live connection.
func (g *Gateway) Connected(identity string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.peers[identity]
	return ok
}

// Peers lists the identities with a live connection.
func (g *Gateway) Peers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	identities := make([]string, 0, len(g.peers))
	for identity := range g.peers {
		identities = append(identities, identity)
	}
	return identities
}

// transmit encodes an envelope and hands it to the addressee's write pump.
func (g *Gateway) transmit(env *protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", env.Key, err)
	}

	g.mu.RLock()
	p := g.peers[env.To]
	g.mu.RUnlock()
	if p == nil {
		return &ErrNotConnected{Identity: env.To}
	}

	if !p.enqueue(payload) {
		return fmt.Errorf("gateway: send buffer full for %q", env.To)
	}
	g.metrics.RecordSent(string(env.Key))
	return nil
}

// dispatch routes one decoded inbound envelope: enforce the connection's
// identity as sender, auto-confirm, then hand off to the registered handler.
// A panicking handler is logged and must not kill the read loop.
func (g *Gateway) dispatch(p *peer, env *protocol.Envelope) {
	if env.Sender != p.identity {
		slog.Warn("[Gateway] sender mismatch, using connection identity",
			"claimed", env.Sender, "identity", p.identity)
		env.Sender = p.identity
	}
	g.metrics.RecordReceived(string(env.Key))

	if env.Key == protocol.KeyConfirm {
		g.handleConfirm(env)
		return
	}

	if !env.HasFlag(protocol.FlagNoRepeat) {
		if err := g.transmit(g.builder.NewConfirm(env.Sender, env.ID)); err != nil {
			slog.Debug("[Gateway] confirm not delivered", "to", env.Sender, "error", err)
		}
	}

	g.mu.RLock()
	handler := g.handlers[env.Key]
	g.mu.RUnlock()
	if handler == nil {
		slog.Debug("[Gateway] no handler for key", "key", env.Key, "sender", env.Sender)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Gateway] handler panic", "key", env.Key, "sender", env.Sender, "panic", r)
		}
	}()
	handler(env, p.remoteIP)
}

// handleConfirm resolves an outbox entry. The envelope value carries the id
// of the message being confirmed.
func (g *Gateway) handleConfirm(env *protocol.Envelope) {
	id, ok := env.Value.(string)
	if !ok {
		slog.Warn("[Gateway] confirm without message id", "sender", env.Sender)
		return
	}
	if g.outbox.Confirm(id) {
		g.metrics.RecordConfirmed()
		g.metrics.RecordOutboxDepth(g.outbox.Len())
	}
}

// resendLoop periodically resends unconfirmed messages and expires the ones
// whose TTL ran out.
func (g *Gateway) resendLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.outbox.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			due, expired := g.outbox.Sweep()
			for _, env := range expired {
				g.metrics.RecordExpired()
				slog.Warn("[Gateway] giving up on unconfirmed message",
					"id", env.ID, "to", env.To, "key", env.Key)
			}
			for _, env := range due {
				g.metrics.RecordResent()
				slog.Info("[Gateway] resending unconfirmed message",
					"id", env.ID, "to", env.To, "key", env.Key, "ttl", env.TTL)
				if err := g.transmit(env); err != nil {
					slog.Debug("[Gateway] resend not delivered", "id", env.ID, "error", err)
				}
			}
			g.metrics.RecordOutboxDepth(g.outbox.Len())
		case <-g.stopCh:
			return
		}
	}
}

// register installs a peer, closing any previous connection with the same
// identity.
func (g *Gateway) register(p *peer) {
	g.mu.Lock()
	old := g.peers[p.identity]
	g.peers[p.identity] = p
	count := len(g.peers)
	g.mu.Unlock()

	if old != nil {
		slog.Warn("[Gateway] replacing live connection", "identity", p.identity)
		old.close()
	}
	g.metrics.SetConnected(count)

	if g.onConnect != nil {
		g.onConnect(p.identity, p.remoteIP)
	}
}

// unregister removes a peer, unless a newer connection already took its
// place.
func (g *Gateway) unregister(p *peer) {
	g.mu.Lock()
	current, ok := g.peers[p.identity]
	if ok && current == p {
		delete(g.peers, p.identity)
	} else {
		ok = false
	}
	count := len(g.peers)
	g.mu.Unlock()

	g.metrics.SetConnected(count)
	if ok && g.onDisconnect != nil {
		g.onDisconnect(p.identity)
	}
}
