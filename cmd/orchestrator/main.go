package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mics-lab/orchestrator/internal/api"
	"github.com/mics-lab/orchestrator/internal/config"
	"github.com/mics-lab/orchestrator/internal/controller"
	"github.com/mics-lab/orchestrator/internal/events"
	"github.com/mics-lab/orchestrator/internal/gateway"
	"github.com/mics-lab/orchestrator/internal/micsapi"
	"github.com/mics-lab/orchestrator/internal/mirror"
	"github.com/mics-lab/orchestrator/internal/pipeline"
	"github.com/mics-lab/orchestrator/internal/protocol"
	"github.com/mics-lab/orchestrator/internal/registry"
	"github.com/mics-lab/orchestrator/internal/supervisor"
)

func main() {
	// Local development keeps secrets in .env; in deployment the variables
	// come from the unit file.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.Info("[Main] starting orchestrator", "name", cfg.Name, "msgport", cfg.MsgPort, "apiport", cfg.APIPort)

	reg := registry.New()

	// The mirror is advisory: a dead Redis must not stop experiments.
	mir := mirror.Disabled()
	if cfg.RedisURL != "" {
		m, err := mirror.Connect(cfg.RedisURL)
		if err != nil {
			slog.Warn("[Main] ⚠️ mirror disabled, Redis unreachable", "error", err)
		} else {
			mir = m
		}
	}

	var emitter events.Emitter
	var stream *events.Bus
	if cfg.PubSubProject != "" && cfg.PubSubTopic != "" {
		pb, err := events.NewPubSubBus(cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			log.Fatalf("❌ Pub/Sub event bus: %v", err)
		}
		defer pb.Close()
		emitter, stream = pb, pb.Bus
	} else {
		bus := events.NewBus()
		emitter, stream = bus, bus
	}

	backend := micsapi.New(micsapi.Config{
		BaseURL: cfg.MicsAPIURL,
		Token:   cfg.MicsAPIToken,
	})

	pipeMetrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)
	gwMetrics := gateway.NewMetrics(prometheus.DefaultRegisterer)

	factory := pipeline.NewDiscardFactory()
	if cfg.SinkDatabaseURL != "" {
		store, err := pipeline.OpenStore(pipeline.StoreConfig{
			DatabaseURL:  cfg.SinkDatabaseURL,
			Timezone:     cfg.SinkTimezone,
			WriteTimeout: cfg.Tuning.SinkTimeout(),
			Workers:      cfg.Tuning.SinkWorkers,
			Metrics:      pipeMetrics,
		})
		if err != nil {
			log.Fatalf("❌ Event sink: %v", err)
		}
		defer store.Close()
		factory = store.Factory()
	} else {
		slog.Warn("[Main] ⚠️ SINK_DATABASE_URL not set, subject data will be discarded")
	}

	// The controller consumes trial events off the pipeline's single trial
	// worker; the variable is assigned before any pilot can connect.
	var ctrl *controller.Controller
	pipe := pipeline.New(factory, func(ev *pipeline.TrialEvent) { ctrl.HandleIncTrial(ev) }, pipeMetrics, pipeline.Config{
		QueueCapacity: cfg.Tuning.QueueCapacity,
		DataWorkers:   cfg.Tuning.DataWorkers,
	})

	gw := gateway.New(gateway.Config{
		Name:           cfg.Name,
		ResendInterval: cfg.Tuning.ResendInterval(),
		Metrics:        gwMetrics,
		OnConnect: func(identity, remoteIP string) {
			reg.SetIP(identity, remoteIP)
			emitter.Emit(events.TypePilotConnected, "/orchestrator/gateway", identity,
				map[string]interface{}{"pilot": identity, "ip": remoteIP})
		},
		OnDisconnect: func(identity string) {
			emitter.Emit(events.TypePilotDisconnected, "/orchestrator/gateway", identity,
				map[string]interface{}{"pilot": identity})
		},
	})

	ctrl = controller.New(controller.Config{
		Backend:         backend,
		Gateway:         gw,
		Registry:        reg,
		Mirror:          mir,
		Sinks:           pipe,
		Events:          emitter,
		IdleTimeout:     cfg.Tuning.IdleTimeout(),
		HardwareRelease: cfg.Tuning.HardwareRelease(),
	})

	// Backend-touching handlers run off the connection readers; data and
	// trial messages are queued for the pipeline workers.
	gw.Handle(protocol.KeyHandshake, func(env *protocol.Envelope, remoteIP string) {
		value := asMap(env.Value)
		go ctrl.HandleHandshake(env.Sender, remoteIP, value)
	})
	gw.Handle(protocol.KeyState, func(env *protocol.Envelope, _ string) {
		ctrl.HandleState(env.Sender, env.Value)
	})
	gw.Handle(protocol.KeyPing, func(env *protocol.Envelope, _ string) {
		ctrl.HandlePing(env.Sender)
	})
	for _, key := range []protocol.Key{protocol.KeyData, protocol.KeyContinuous, protocol.KeyStream} {
		gw.Handle(key, func(env *protocol.Envelope, _ string) {
			if sample := sampleFrom(env); sample != nil {
				pipe.EnqueueData(sample)
			}
		})
	}
	gw.Handle(protocol.KeyIncTrial, func(env *protocol.Envelope, _ string) {
		pipe.EnqueueTrial(trialFrom(env))
	})
	gw.Handle(protocol.KeyTaskError, func(env *protocol.Envelope, _ string) {
		value := asMap(env.Value)
		go ctrl.HandleTaskError(env.Sender, value)
	})

	pipe.Start()
	gw.Start()

	sup := supervisor.New(supervisor.Config{
		Gateway:          gw,
		Registry:         reg,
		Events:           emitter,
		Runs:             ctrl,
		PingInterval:     cfg.Tuning.PingInterval(),
		StaleAfter:       cfg.Tuning.StaleAfter(),
		WatchdogEnabled:  cfg.WatchdogEnabled,
		WatchdogInterval: cfg.Tuning.WatchdogInterval(),
		WatchdogTimeout:  cfg.Tuning.WatchdogTimeout(),
	})

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", gw.ServeWS)
	wsServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.MsgPort),
		Handler:     wsMux,
		ReadTimeout: 0, // websocket connections are long-lived
		IdleTimeout: 0,
	}
	go func() {
		slog.Info("[Main] 🚀 gateway listening", "addr", wsServer.Addr)
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Gateway server: %v", err)
		}
	}()

	apiServer := api.New(api.Config{
		Controller: ctrl,
		Registry:   reg,
		Stream:     stream,
		StaleAfter: cfg.Tuning.StaleAfter(),
		Service:    cfg.Name,
	})
	go func() {
		if err := apiServer.Start(cfg.APIPort); err != nil {
			log.Fatalf("❌ API server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	slog.Info("[Main] shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Reverse order: stop intake first, then drain, then close the outputs.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Main] API shutdown incomplete", "error", err)
	}
	sup.Stop()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Main] gateway server shutdown incomplete", "error", err)
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		slog.Warn("[Main] gateway stop incomplete", "error", err)
	}
	if err := pipe.Stop(shutdownCtx); err != nil {
		slog.Warn("[Main] pipeline drain incomplete", "error", err)
	}
	mir.Close()
	slog.Info("[Main] ✅ orchestrator stopped")
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// sampleFrom shapes a DATA/CONTINUOUS/STREAM envelope into a pipeline sample.
// The event_type inside the nested event block wins over the envelope key.
// Samples without a subject have nowhere to go and are dropped.
func sampleFrom(env *protocol.Envelope) *pipeline.Sample {
	payload := asMap(env.Value)
	subject, _ := payload["subject"].(string)
	if subject == "" {
		slog.Debug("[Main] dropping sample without subject", "sender", env.Sender, "key", env.Key)
		return nil
	}

	eventType := string(env.Key)
	if event, ok := payload["event"].(map[string]interface{}); ok {
		if et, _ := event["event_type"].(string); et != "" {
			eventType = et
		}
	}

	return &pipeline.Sample{
		Subject:   subject,
		EventType: eventType,
		Payload:   payload,
		Received:  time.Now(),
	}
}

func trialFrom(env *protocol.Envelope) *pipeline.TrialEvent {
	payload := asMap(env.Value)
	subject, _ := payload["subject"].(string)
	return &pipeline.TrialEvent{
		Subject:  subject,
		Sender:   env.Sender,
		Payload:  payload,
		Received: time.Now(),
	}
}
