// Package supervisor runs the orchestrator's background maintenance loops:
// pilot pings, stale-heartbeat detection, and the opt-in watchdog that errors
// runs whose pilot went silent.
package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mics-lab/orchestrator/internal/events"
	"github.com/mics-lab/orchestrator/internal/gateway"
	"github.com/mics-lab/orchestrator/internal/protocol"
	"github.com/mics-lab/orchestrator/internal/registry"
)

// Transport is the outbound slice of the gateway the supervisor uses. Pings
// are fire-once; a missed ping is caught by the next tick.
type Transport interface {
	Send(to string, key protocol.Key, value interface{}) error
}

// RunKiller force-errors a run without pilot cooperation. The run controller
// implements it.
type RunKiller interface {
	ForceErrorRun(ctx context.Context, identity string, active *registry.ActiveRun, reason string)
}

// Config holds the supervisor's collaborators and intervals.
type Config struct {
	Gateway  Transport
	Registry *registry.Registry
	Events   events.Emitter

	// Runs receives watchdog kills. Nil disables the watchdog.
	Runs RunKiller

	// PingInterval is the fleet ping period. Defaults to 10 seconds.
	PingInterval time.Duration

	// StaleCheckInterval is the heartbeat scan period. Defaults to 5 seconds.
	StaleCheckInterval time.Duration

	// StaleAfter is the silence threshold for flagging a pilot stale.
	// Defaults to 10 seconds.
	StaleAfter time.Duration

	// WatchdogEnabled arms the run watchdog.
	WatchdogEnabled bool

	// WatchdogInterval is the watchdog scan period. Defaults to 10 seconds.
	WatchdogInterval time.Duration

	// WatchdogTimeout is the pilot silence beyond which an active run is
	// force-errored. Defaults to 30 seconds.
	WatchdogTimeout time.Duration
}

// Supervisor owns the background loops. New starts them; Stop joins them.
type Supervisor struct {
	gw     Transport
	reg    *registry.Registry
	events events.Emitter
	runs   RunKiller

	pingInterval       time.Duration
	staleCheckInterval time.Duration
	staleAfter         time.Duration
	watchdogEnabled    bool
	watchdogInterval   time.Duration
	watchdogTimeout    time.Duration

	// stale tracks which pilots were already reported; only the heartbeat
	// loop touches it.
	stale map[string]bool

	logger *log.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates the supervisor and launches its loops.
func New(config Config) *Supervisor {
	if config.PingInterval <= 0 {
		config.PingInterval = 10 * time.Second
	}
	if config.StaleCheckInterval <= 0 {
		config.StaleCheckInterval = 5 * time.Second
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Second
	}
	if config.WatchdogInterval <= 0 {
		config.WatchdogInterval = 10 * time.Second
	}
	if config.WatchdogTimeout <= 0 {
		config.WatchdogTimeout = 30 * time.Second
	}

	s := &Supervisor{
		gw:                 config.Gateway,
		reg:                config.Registry,
		events:             config.Events,
		runs:               config.Runs,
		pingInterval:       config.PingInterval,
		staleCheckInterval: config.StaleCheckInterval,
		staleAfter:         config.StaleAfter,
		watchdogEnabled:    config.WatchdogEnabled && config.Runs != nil,
		watchdogInterval:   config.WatchdogInterval,
		watchdogTimeout:    config.WatchdogTimeout,
		stale:              make(map[string]bool),
		logger:             log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
		stopCh:             make(chan struct{}),
	}

	s.wg.Add(2)
	go s.pingLoop()
	go s.heartbeatLoop()
	if s.watchdogEnabled {
		s.wg.Add(1)
		go s.watchdogLoop()
		s.logger.Printf("watchdog armed (interval=%s, timeout=%s)", s.watchdogInterval, s.watchdogTimeout)
	}
	return s
}

// Stop halts all loops and waits for them to exit.
func (s *Supervisor) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Println("stopped")
}

// pingLoop keeps the fleet's last-seen clocks ticking. Pilots answer each
// PING with one of their own, which the gateway routes to the registry.
func (s *Supervisor) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, identity := range s.reg.Identities() {
				if err := s.gw.Send(identity, protocol.KeyPing, nil); err != nil {
					var notConnected *gateway.ErrNotConnected
					if !errors.As(err, &notConnected) {
						s.logger.Printf("ping to %s failed: %v", identity, err)
					}
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// heartbeatLoop flags pilots whose heartbeat went quiet, once per transition,
// and notes their recovery.
func (s *Supervisor) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for identity, status := range s.reg.Snapshot(s.staleAfter) {
				switch {
				case !status.Connected && !s.stale[identity]:
					s.stale[identity] = true
					s.logger.Printf("⚠️ pilot %s went stale (last seen %.1fs ago)", identity, status.LastSeenSec)
					if s.events != nil {
						s.events.Emit(events.TypePilotStale, "/orchestrator/supervisor", identity, map[string]interface{}{
							"pilot":         identity,
							"last_seen_sec": status.LastSeenSec,
						})
					}
				case status.Connected && s.stale[identity]:
					delete(s.stale, identity)
					s.logger.Printf("pilot %s heartbeat recovered", identity)
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// watchdogLoop force-errors runs whose pilot has been silent longer than the
// watchdog timeout. The kill clears the active_run slot, so a run fires at
// most once.
func (s *Supervisor) watchdogLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for identity, status := range s.reg.Snapshot(s.watchdogTimeout) {
				if status.Connected || status.ActiveRun == nil {
					continue
				}
				s.logger.Printf("❌ watchdog: pilot %s silent %.1fs with run %d active",
					identity, status.LastSeenSec, status.ActiveRun.ID)
				s.runs.ForceErrorRun(context.Background(), identity, status.ActiveRun,
					"pilot heartbeat lost during run")
			}
		case <-s.stopCh:
			return
		}
	}
}
