// pilotsim is a fake pilot for local development. It connects to a running
// orchestrator, handshakes, and behaves like a behavioral rig: on START it
// emits DATA samples and trial counts at a fixed rate until STOP arrives.
// A failure can be injected after N trials to exercise the error path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mics-lab/orchestrator/internal/protocol"
)

// SimStats tracks what the simulated pilot has emitted.
type SimStats struct {
	TasksStarted uint64
	SamplesSent  uint64
	TrialsSent   uint64
	ConfirmsSeen uint64
}

type pilotSim struct {
	name    string
	to      string
	builder *protocol.Builder
	stats   *SimStats

	conn    *websocket.Conn
	writeMu sync.Mutex

	trialInterval time.Duration
	failAfter     int

	taskMu     sync.Mutex
	taskCancel context.CancelFunc
}

var sampleEventTypes = []string{"lever_press", "reward", "beam_break"}

func main() {
	urlFlag := flag.String("url", "ws://localhost:8765/ws", "Orchestrator websocket endpoint")
	name := flag.String("name", "pilot_sim", "Pilot identity")
	to := flag.String("to", "orchestrator", "Orchestrator identity (its NAME)")
	tasks := flag.String("tasks", "lever_press,fixed_ratio,probe", "Task types declared in the handshake")
	trialInterval := flag.Duration("trial-interval", 2*time.Second, "Delay between simulated trials")
	pingInterval := flag.Duration("ping", 5*time.Second, "Heartbeat interval")
	failAfter := flag.Int("fail-after", 0, "Send TASK_ERROR after N trials (0 = never)")
	report := flag.Duration("report", 10*time.Second, "Stats reporting interval")
	flag.Parse()

	slog.Info("🚀 Starting pilot simulator", "name", *name, "url", *urlFlag)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?id=%s", *urlFlag, *name), nil)
	if err != nil {
		slog.Error("❌ connect failed", "error", err)
		os.Exit(1)
	}

	sim := &pilotSim{
		name:          *name,
		to:            *to,
		builder:       protocol.NewBuilder(*name),
		stats:         &SimStats{},
		conn:          conn,
		trialInterval: *trialInterval,
		failAfter:     *failAfter,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		conn.Close()
	}()

	sim.handshake(strings.Split(*tasks, ","))
	sim.sendState("IDLE")

	go sim.pingLoop(ctx, *pingInterval)
	go reportStats(ctx, sim.stats, *report)

	sim.readLoop(ctx)
	sim.stopTask()
	printResults(sim.stats)
}

// handshake announces identity and capabilities. The ip field is left blank
// so the orchestrator records the address it sees on the socket.
func (s *pilotSim) handshake(tasks []string) {
	declared := make([]interface{}, 0, len(tasks))
	for _, t := range tasks {
		if t = strings.TrimSpace(t); t != "" {
			declared = append(declared, map[string]interface{}{"task_type": t})
		}
	}
	s.send(protocol.KeyHandshake, map[string]interface{}{
		"pilot": s.name,
		"ip":    "",
		"prefs": map[string]interface{}{"simulated": true},
		"tasks": declared,
	}, false)
}

func (s *pilotSim) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("connection lost", "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("undecodable message", "error", err)
			continue
		}

		if env.Key == protocol.KeyConfirm {
			atomic.AddUint64(&s.stats.ConfirmsSeen, 1)
			continue
		}
		if !env.HasFlag(protocol.FlagNoRepeat) {
			s.transmit(s.builder.NewConfirm(env.Sender, env.ID))
		}

		switch env.Key {
		case protocol.KeyStart:
			s.startTask(ctx, env.Value)
		case protocol.KeyStop:
			slog.Info("⏹ STOP received")
			s.stopTask()
			s.sendState("IDLE")
		case protocol.KeyPing:
			// Heartbeat only; receipt is enough.
		default:
			slog.Warn("unexpected key", "key", env.Key)
		}
	}
}

func (s *pilotSim) startTask(ctx context.Context, value interface{}) {
	payload, _ := value.(map[string]interface{})
	subject, _ := payload["subject"].(string)
	taskType, _ := payload["task_type"].(string)
	trial := 0
	if raw, ok := payload["current_trial"].(float64); ok {
		trial = int(raw)
	}

	slog.Info("▶️ START received", "task_type", taskType, "subject", subject, "current_trial", trial)
	atomic.AddUint64(&s.stats.TasksStarted, 1)

	s.taskMu.Lock()
	if s.taskCancel != nil {
		s.taskCancel()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	s.taskCancel = cancel
	s.taskMu.Unlock()

	s.sendState("RUNNING")
	go s.runTask(taskCtx, subject, taskType, trial)
}

func (s *pilotSim) stopTask() {
	s.taskMu.Lock()
	if s.taskCancel != nil {
		s.taskCancel()
		s.taskCancel = nil
	}
	s.taskMu.Unlock()
}

// runTask plays one trial per interval: a burst of DATA samples followed by
// a trial count increment. After failAfter trials it reports TASK_ERROR and
// goes quiet, waiting for the orchestrator to STOP it.
func (s *pilotSim) runTask(ctx context.Context, subject, taskType string, startTrial int) {
	ticker := time.NewTicker(s.trialInterval)
	defer ticker.Stop()

	trial := startTrial
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for i, eventType := range sampleEventTypes {
			s.send(protocol.KeyData, map[string]interface{}{
				"subject":   subject,
				"timestamp": float64(time.Now().UnixNano()) / 1e9,
				"event": map[string]interface{}{
					"event_type": eventType,
					"task_type":  taskType,
					"trial":      trial,
					"ordinal":    i,
				},
			}, true)
			atomic.AddUint64(&s.stats.SamplesSent, 1)
		}

		trial++
		s.send(protocol.KeyIncTrial, map[string]interface{}{"subject": subject}, false)
		atomic.AddUint64(&s.stats.TrialsSent, 1)

		if s.failAfter > 0 && trial-startTrial >= s.failAfter {
			slog.Warn("💥 injecting task failure", "after_trials", s.failAfter)
			s.send(protocol.KeyTaskError, map[string]interface{}{
				"pilot":         s.name,
				"subject":       subject,
				"error_message": fmt.Sprintf("simulated failure after %d trials", s.failAfter),
			}, false)
			return
		}
	}
}

func (s *pilotSim) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.send(protocol.KeyPing, nil, true)
		}
	}
}

func (s *pilotSim) sendState(state string) {
	s.send(protocol.KeyState, state, false)
}

// send builds and transmits one envelope. noRepeat marks fire-and-forget
// traffic (pings, samples) that the orchestrator must not confirm. The
// simulator keeps no outbox, so reliable delivery is not retried here.
func (s *pilotSim) send(key protocol.Key, value interface{}, noRepeat bool) {
	env := s.builder.New(s.to, key, value)
	if noRepeat {
		env.SetFlag(protocol.FlagNoRepeat)
	}
	s.transmit(env)
}

func (s *pilotSim) transmit(env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		slog.Error("encode failed", "key", env.Key, "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("write failed", "key", env.Key, "error", err)
	}
}

func reportStats(ctx context.Context, stats *SimStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"tasks", atomic.LoadUint64(&stats.TasksStarted),
				"samples", atomic.LoadUint64(&stats.SamplesSent),
				"trials", atomic.LoadUint64(&stats.TrialsSent),
				"confirms", atomic.LoadUint64(&stats.ConfirmsSeen))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *SimStats) {
	separator := "============================================================"
	fmt.Println("\n" + separator)
	fmt.Println("📊 PILOT SIMULATOR RESULTS")
	fmt.Println(separator)
	fmt.Printf("Tasks started:    %d\n", atomic.LoadUint64(&stats.TasksStarted))
	fmt.Printf("Samples sent:     %d\n", atomic.LoadUint64(&stats.SamplesSent))
	fmt.Printf("Trials sent:      %d\n", atomic.LoadUint64(&stats.TrialsSent))
	fmt.Printf("Confirms seen:    %d\n", atomic.LoadUint64(&stats.ConfirmsSeen))
	fmt.Println(separator)
}
