// Package controller drives the run state machine: starting and stopping
// runs against the backend, reacting to trial counts and task errors from
// pilots, and advancing protocols step by step. It talks to pilots only
// through the gateway and returns typed errors the control API can map to
// status codes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mics-lab/orchestrator/internal/events"
	"github.com/mics-lab/orchestrator/internal/micsapi"
	"github.com/mics-lab/orchestrator/internal/mirror"
	"github.com/mics-lab/orchestrator/internal/pipeline"
	"github.com/mics-lab/orchestrator/internal/protocol"
	"github.com/mics-lab/orchestrator/internal/registry"
)

const (
	eventSource = "/orchestrator/controller"

	// stateIdle is the declared pilot state the advance loop waits for
	// before pushing the next step.
	stateIdle = "IDLE"
)

// Backend is the slice of the MICS API the controller uses.
type Backend interface {
	GetRun(ctx context.Context, runID int) (*micsapi.Run, error)
	GetRunWithProgress(ctx context.Context, runID int) (*micsapi.RunWithProgress, error)
	GetRunBySubjectKey(ctx context.Context, subjectKey string) (*micsapi.Run, error)
	MarkRunRunning(ctx context.Context, runID int) error
	StopSessionRun(ctx context.Context, runID int) error
	CompleteSessionRun(ctx context.Context, runID int) error
	MarkRunError(ctx context.Context, runID int, errorType, errorMessage string) error
	IncrementTrial(ctx context.Context, runID int) (*micsapi.TrialResult, error)
	AdvanceStep(ctx context.Context, runID int) (*micsapi.AdvanceResult, error)
	GetPilot(ctx context.Context, pilotID int) (*micsapi.Pilot, error)
	CreateOrUpdatePilot(ctx context.Context, name, ip string, prefs map[string]interface{}) (*micsapi.Pilot, error)
	UpsertPilotTasks(ctx context.Context, pilotID int, tasks []interface{}) error
	GetProtocol(ctx context.Context, protocolID int) (*micsapi.Protocol, error)
	GetSubjectRunsForSession(ctx context.Context, sessionID int) ([]micsapi.SubjectRun, error)
}

// Transport is the slice of the gateway the controller uses. Every control
// message the controller sends rides the confirm/resend path.
type Transport interface {
	SendReliable(to string, key protocol.Key, value interface{}) (string, error)
	Connected(identity string) bool
}

// Sinks opens and closes per-subject persistence ahead of the data stream.
type Sinks interface {
	OpenSubject(ctx context.Context, subject string) error
	CloseSubject(ctx context.Context, subject string) error
}

// Config wires the controller's collaborators and tuning.
type Config struct {
	Backend  Backend
	Gateway  Transport
	Registry *registry.Registry
	Mirror   *mirror.Mirror
	Sinks    Sinks
	Events   events.Emitter

	// IdleTimeout bounds the wait for a pilot to report IDLE during an
	// advance. Defaults to 15 seconds.
	IdleTimeout time.Duration

	// IdlePollInterval is the poll period during that wait. Defaults to
	// 100 milliseconds.
	IdlePollInterval time.Duration

	// HardwareRelease is the settle time between a step's STOP and the
	// next step's START. Defaults to 10 seconds.
	HardwareRelease time.Duration
}

// Controller owns run lifecycle decisions.
type Controller struct {
	api    Backend
	gw     Transport
	reg    *registry.Registry
	mirror *mirror.Mirror
	sinks  Sinks
	events events.Emitter

	idleTimeout     time.Duration
	idlePoll        time.Duration
	hardwareRelease time.Duration

	sleep func(time.Duration)
}

// New creates a controller.
func New(config Config) *Controller {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 15 * time.Second
	}
	if config.IdlePollInterval <= 0 {
		config.IdlePollInterval = 100 * time.Millisecond
	}
	if config.HardwareRelease <= 0 {
		config.HardwareRelease = 10 * time.Second
	}
	if config.Mirror == nil {
		config.Mirror = mirror.Disabled()
	}
	return &Controller{
		api:             config.Backend,
		gw:              config.Gateway,
		reg:             config.Registry,
		mirror:          config.Mirror,
		sinks:           config.Sinks,
		events:          config.Events,
		idleTimeout:     config.IdleTimeout,
		idlePoll:        config.IdlePollInterval,
		hardwareRelease: config.HardwareRelease,
		sleep:           time.Sleep,
	}
}

// StartRun transitions a run to running: build the task for the right step,
// START the pilot, then tell the backend. mode is "new", "resume",
// "restart", or empty to infer from the run's status.
//
// START is transmitted before the backend is marked running, so a transport
// failure cannot leave the backend claiming a run no pilot executes. The
// inverse failure (backend update after a successful START) is logged and
// left to the operator.
func (c *Controller) StartRun(ctx context.Context, runID int, mode string) (*micsapi.Run, error) {
	run, err := c.fetchRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	mode, err = resolveMode(run.Status, mode)
	if err != nil {
		return nil, err
	}

	pilot, identity, err := c.resolvePilot(ctx, run.PilotID)
	if err != nil {
		return nil, err
	}

	subject := subjectOf(run)

	stepIdx, trial, progressIndex := 0, 0, 0
	rwp, err := c.api.GetRunWithProgress(ctx, run.ID)
	if err != nil {
		slog.Warn("[Controller] progress fetch failed, starting from step 0", "run_id", run.ID, "error", err)
	} else if rwp != nil && rwp.Progress != nil {
		progressIndex = rwp.Progress.SessionProgressIndex
		if mode != micsapi.ModeRestart && rwp.Progress.CurrentStep != nil {
			stepIdx = *rwp.Progress.CurrentStep
			trial = rwp.Progress.CurrentTrial
		}
	}

	payload, err := c.planTask(ctx, run, subject, pilot.Name, stepIdx, trial, progressIndex)
	if err != nil {
		return nil, err
	}

	if c.sinks != nil {
		if err := c.sinks.OpenSubject(ctx, subject); err != nil {
			slog.Warn("[Controller] sink prepare failed, relying on lazy creation", "subject", subject, "error", err)
		}
	}

	if err := c.sendStart(identity, payload); err != nil {
		c.markError(ctx, run.ID, ErrorTypeGateway, err.Error())
		c.clearActive(ctx, identity, subject)
		return nil, gatewayErrorf(err, "start of run %d failed in transport", run.ID)
	}

	if err := c.api.MarkRunRunning(ctx, run.ID); err != nil {
		slog.Error("[Controller] backend mark-running failed after START", "run_id", run.ID, "error", err)
	}

	active := &registry.ActiveRun{
		ID:         run.ID,
		SessionID:  run.SessionID,
		SubjectKey: subject,
		StartedAt:  time.Now().UTC(),
		Status:     micsapi.StatusRunning,
	}
	c.reg.SetActiveRun(identity, active)
	c.mirror.SetActiveRun(identity, active)

	c.emit(events.TypeRunStarted, runLabel(run.ID), map[string]interface{}{
		"run_id":  run.ID,
		"pilot":   identity,
		"subject": subject,
		"step":    stepIdx,
		"mode":    mode,
	})
	slog.Info("[Controller] run started", "run_id", run.ID, "pilot", identity, "subject", subject, "step", stepIdx, "mode", mode)
	return run, nil
}

// StopRun transitions a run to stopped. The pilot STOP is best-effort (the
// resend loop keeps trying while the entry lives); the backend stop is
// authoritative and its failure is surfaced.
func (c *Controller) StopRun(ctx context.Context, runID int) error {
	run, err := c.fetchRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != micsapi.StatusRunning && run.Status != micsapi.StatusPending {
		return validationf("run %d is %s and cannot be stopped", runID, run.Status)
	}

	subject := subjectOf(run)

	identity := ""
	if _, id, err := c.resolvePilot(ctx, run.PilotID); err != nil {
		slog.Warn("[Controller] cannot resolve pilot for stop, backend stop proceeds", "run_id", runID, "error", err)
	} else {
		identity = id
	}
	if identity != "" {
		if _, err := c.gw.SendReliable(identity, protocol.KeyStop, nil); err != nil {
			slog.Warn("[Controller] STOP send failed", "pilot", identity, "error", err)
		}
	}

	if err := c.api.StopSessionRun(ctx, run.ID); err != nil {
		return fmt.Errorf("backend stop for run %d: %w", run.ID, err)
	}

	c.clearActive(ctx, identity, subject)
	c.emit(events.TypeRunStopped, runLabel(run.ID), map[string]interface{}{
		"run_id": run.ID,
		"pilot":  identity,
	})
	slog.Info("[Controller] run stopped", "run_id", run.ID, "pilot", identity)
	return nil
}

// HandleIncTrial consumes one trial event from the pipeline's trial worker.
// The backend adjudicates graduation; the controller only advances when told
// to.
func (c *Controller) HandleIncTrial(ev *pipeline.TrialEvent) {
	if ev == nil || ev.Subject == "" {
		return
	}
	ctx := context.Background()

	run, err := c.api.GetRunBySubjectKey(ctx, ev.Subject)
	if err != nil {
		if !isNotFound(err) {
			slog.Warn("[Controller] run lookup for trial failed", "subject", ev.Subject, "error", err)
		}
		return
	}
	if run == nil {
		slog.Debug("[Controller] trial for unknown subject", "subject", ev.Subject)
		return
	}
	if run.Status != micsapi.StatusRunning {
		slog.Debug("[Controller] dropping trial for non-running run", "run_id", run.ID, "status", run.Status)
		return
	}

	result, err := c.api.IncrementTrial(ctx, run.ID)
	if err != nil {
		slog.Warn("[Controller] trial increment failed", "run_id", run.ID, "error", err)
		return
	}
	slog.Debug("[Controller] trial counted", "run_id", run.ID, "current_trial", result.CurrentTrial, "should_graduate", result.ShouldGraduate)

	if result.ShouldGraduate {
		c.advance(ctx, run)
	}
}

// advance moves a running run to its next step: STOP, wait for the pilot to
// settle, let the backend advance, then either complete the run or START the
// next step after the hardware release pause.
func (c *Controller) advance(ctx context.Context, run *micsapi.Run) {
	pilot, identity, err := c.resolvePilot(ctx, run.PilotID)
	if err != nil {
		slog.Error("[Controller] advance aborted, pilot unresolved", "run_id", run.ID, "error", err)
		return
	}
	subject := subjectOf(run)

	if _, err := c.gw.SendReliable(identity, protocol.KeyStop, nil); err != nil {
		slog.Warn("[Controller] STOP send failed during advance", "pilot", identity, "error", err)
	}
	c.waitForIdle(identity)

	result, err := c.api.AdvanceStep(ctx, run.ID)
	if err != nil {
		slog.Warn("[Controller] backend advance failed", "run_id", run.ID, "error", err)
		return
	}

	if result.Finished {
		if err := c.api.CompleteSessionRun(ctx, run.ID); err != nil {
			slog.Error("[Controller] backend complete failed", "run_id", run.ID, "error", err)
		}
		c.clearActive(ctx, identity, subject)
		c.emit(events.TypeRunCompleted, runLabel(run.ID), map[string]interface{}{
			"run_id": run.ID,
			"pilot":  identity,
		})
		slog.Info("[Controller] run completed", "run_id", run.ID, "pilot", identity)
		return
	}

	// Let the pilot release cameras, valves, and lines before the next task.
	c.sleep(c.hardwareRelease)

	progressIndex := 0
	if rwp, err := c.api.GetRunWithProgress(ctx, run.ID); err == nil && rwp != nil && rwp.Progress != nil {
		progressIndex = rwp.Progress.SessionProgressIndex
	}

	payload, err := c.planTask(ctx, run, subject, pilot.Name, result.CurrentStep, 0, progressIndex)
	if err != nil {
		slog.Error("[Controller] next-step task build failed", "run_id", run.ID, "step", result.CurrentStep, "error", err)
		return
	}
	if err := c.sendStart(identity, payload); err != nil {
		slog.Error("[Controller] next-step START failed", "run_id", run.ID, "step", result.CurrentStep, "error", err)
		return
	}

	c.emit(events.TypeRunAdvanced, runLabel(run.ID), map[string]interface{}{
		"run_id": run.ID,
		"step":   result.CurrentStep,
	})
	slog.Info("[Controller] advanced to next step", "run_id", run.ID, "step", result.CurrentStep)
}

// HandleTaskError reacts to a TASK_ERROR envelope: hard-stop the pilot, mark
// the run errored, clear local state. A missing subject or unresolved run
// still clears local state.
func (c *Controller) HandleTaskError(identity string, value map[string]interface{}) {
	ctx := context.Background()
	message, _ := value["error_message"].(string)
	subject, _ := value["subject"].(string)
	slog.Warn("[Controller] task error reported", "pilot", identity, "subject", subject, "message", message)

	if _, err := c.gw.SendReliable(identity, protocol.KeyStop, nil); err != nil {
		slog.Warn("[Controller] STOP send failed after task error", "pilot", identity, "error", err)
	}

	runID := 0
	if subject != "" {
		run, err := c.api.GetRunBySubjectKey(ctx, subject)
		switch {
		case err != nil && !isNotFound(err):
			slog.Error("[Controller] run lookup after task error failed", "subject", subject, "error", err)
		case run != nil:
			runID = run.ID
			c.markError(ctx, run.ID, ErrorTypeTask, message)
		}
	}

	c.clearActive(ctx, identity, subject)
	c.emit(events.TypeRunError, runLabel(runID), map[string]interface{}{
		"run_id":     runID,
		"pilot":      identity,
		"error_type": ErrorTypeTask,
		"message":    message,
	})
}

// ForceErrorRun errors a run without pilot cooperation. The watchdog uses it
// for runs whose pilot went silent.
func (c *Controller) ForceErrorRun(ctx context.Context, identity string, active *registry.ActiveRun, reason string) {
	if active == nil {
		return
	}
	slog.Error("[Controller] forcing run to error", "run_id", active.ID, "pilot", identity, "reason", reason)

	if _, err := c.gw.SendReliable(identity, protocol.KeyStop, nil); err != nil {
		slog.Warn("[Controller] STOP send failed while forcing error", "pilot", identity, "error", err)
	}
	c.markError(ctx, active.ID, ErrorTypeWatchdog, reason)
	c.clearActive(ctx, identity, active.SubjectKey)
	c.emit(events.TypeRunError, runLabel(active.ID), map[string]interface{}{
		"run_id":     active.ID,
		"pilot":      identity,
		"error_type": ErrorTypeWatchdog,
		"message":    reason,
	})
}

// HandleHandshake merges a handshake into the registry and upserts the pilot
// and its task catalog on the backend. Backend failures are logged, never
// surfaced: a pilot must be able to come up while the backend is down.
func (c *Controller) HandleHandshake(identity, remoteIP string, value map[string]interface{}) {
	ctx := context.Background()
	if value == nil {
		value = map[string]interface{}{}
	}

	c.reg.UpdateHandshake(identity, value)

	ip, _ := value["ip"].(string)
	if ip == "" && remoteIP != "" {
		ip = remoteIP
		c.reg.SetIP(identity, remoteIP)
	}

	if rec, ok := c.reg.GetPilot(identity); ok && rec.State == "" {
		c.reg.SetState(identity, stateIdle)
		c.mirror.UpdateState(identity, stateIdle)
	} else {
		c.mirror.Touch(identity)
	}

	name, _ := value["pilot"].(string)
	if name == "" {
		name = identity
	}
	prefs, _ := value["prefs"].(map[string]interface{})

	pilot, err := c.api.CreateOrUpdatePilot(ctx, name, ip, prefs)
	if err != nil {
		slog.Warn("[Controller] pilot upsert failed", "pilot", identity, "error", err)
	} else if pilot != nil {
		if tasks, ok := value["tasks"].([]interface{}); ok && len(tasks) > 0 {
			if err := c.api.UpsertPilotTasks(ctx, pilot.ID, tasks); err != nil {
				slog.Warn("[Controller] task catalog upsert failed", "pilot", identity, "error", err)
			}
		}
	}

	c.emit(events.TypePilotHandshake, identity, map[string]interface{}{
		"pilot": identity,
		"ip":    ip,
	})
	slog.Info("[Controller] handshake", "pilot", identity, "ip", ip)
}

// HandleState records a pilot's declared state.
func (c *Controller) HandleState(identity string, value interface{}) {
	state, ok := value.(string)
	if !ok || state == "" {
		slog.Debug("[Controller] ignoring non-string state", "pilot", identity)
		return
	}
	c.reg.SetState(identity, state)
	c.mirror.UpdateState(identity, state)
}

// HandlePing refreshes a pilot's liveness.
func (c *Controller) HandlePing(identity string) {
	c.reg.UpdatePing(identity)
	c.mirror.Touch(identity)
}

// ===== INTERNALS =====

func (c *Controller) fetchRun(ctx context.Context, runID int) (*micsapi.Run, error) {
	run, err := c.api.GetRun(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return nil, notFoundf("run %d not found", runID)
		}
		return nil, fmt.Errorf("fetch run %d: %w", runID, err)
	}
	if run == nil {
		return nil, notFoundf("run %d not found", runID)
	}
	return run, nil
}

// resolvePilot maps a backend pilot id to the transport identity the
// registry knows the pilot by.
func (c *Controller) resolvePilot(ctx context.Context, pilotID int) (*micsapi.Pilot, string, error) {
	pilot, err := c.api.GetPilot(ctx, pilotID)
	if err != nil {
		if isNotFound(err) {
			return nil, "", notFoundf("pilot %d not found", pilotID)
		}
		return nil, "", fmt.Errorf("fetch pilot %d: %w", pilotID, err)
	}
	if pilot == nil {
		return nil, "", notFoundf("pilot %d not found", pilotID)
	}

	identity, err := c.reg.ResolvePilotKey(pilot.Name, pilot.IP)
	if err != nil {
		if errors.Is(err, registry.ErrPilotNotFound) {
			return nil, "", notFoundf("pilot %q has never connected", pilot.Name)
		}
		return nil, "", err
	}
	return pilot, identity, nil
}

// planTask assembles the START payload for one step of the run's protocol.
func (c *Controller) planTask(ctx context.Context, run *micsapi.Run, subject, pilotName string, stepIdx, trial, progressIndex int) (map[string]interface{}, error) {
	subjectRuns, err := c.api.GetSubjectRunsForSession(ctx, run.SessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch subject runs for session %d: %w", run.SessionID, err)
	}
	if len(subjectRuns) == 0 {
		return nil, validationf("session %d has no subject runs", run.SessionID)
	}
	protocolID := subjectRuns[0].ProtocolID

	proto, err := c.api.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("fetch protocol %d: %w", protocolID, err)
	}
	if proto == nil || len(proto.Steps) == 0 {
		return nil, validationf("protocol %d has no steps", protocolID)
	}
	if stepIdx < 0 || stepIdx >= len(proto.Steps) {
		return nil, validationf("step %d out of range for protocol %d (%d steps)", stepIdx, protocolID, len(proto.Steps))
	}

	return buildTaskPayload(proto.Steps[stepIdx], taskContext{
		Run:           run,
		ProtocolID:    protocolID,
		PilotName:     pilotName,
		Subject:       subject,
		Subjects:      dedupeSubjects(subjectRuns),
		StepIndex:     stepIdx,
		CurrentTrial:  trial,
		ProgressIndex: progressIndex,
	}), nil
}

// sendStart pushes a START to a pilot, failing fast when the pilot has no
// live connection so a dead rig cannot absorb a run silently.
func (c *Controller) sendStart(identity string, payload map[string]interface{}) error {
	if !c.gw.Connected(identity) {
		return fmt.Errorf("pilot %q has no live connection", identity)
	}
	if _, err := c.gw.SendReliable(identity, protocol.KeyStart, payload); err != nil {
		return err
	}
	return nil
}

// waitForIdle polls the pilot's declared state until it reports IDLE or the
// timeout passes. A pilot that never settles does not block the advance.
func (c *Controller) waitForIdle(identity string) bool {
	deadline := time.Now().Add(c.idleTimeout)
	for {
		if rec, ok := c.reg.GetPilot(identity); ok && rec.State == stateIdle {
			return true
		}
		if time.Now().After(deadline) {
			slog.Warn("[Controller] pilot did not go idle in time", "pilot", identity, "timeout", c.idleTimeout)
			return false
		}
		c.sleep(c.idlePoll)
	}
}

func (c *Controller) markError(ctx context.Context, runID int, errorType, message string) {
	if err := c.api.MarkRunError(ctx, runID, errorType, message); err != nil {
		slog.Error("[Controller] backend mark-error failed", "run_id", runID, "error_type", errorType, "error", err)
	}
}

// clearActive removes the run from the registry, the mirror, and the sink
// table. Safe with a missing identity or subject.
func (c *Controller) clearActive(ctx context.Context, identity, subject string) {
	if identity != "" {
		c.reg.SetActiveRun(identity, nil)
		c.mirror.ClearActiveRun(identity)
	}
	if subject != "" && c.sinks != nil {
		if err := c.sinks.CloseSubject(ctx, subject); err != nil {
			slog.Warn("[Controller] sink close failed", "subject", subject, "error", err)
		}
	}
}

func (c *Controller) emit(eventType, subject string, data map[string]interface{}) {
	if c.events != nil {
		c.events.Emit(eventType, eventSource, subject, data)
	}
}

func resolveMode(status, mode string) (string, error) {
	switch mode {
	case "":
		switch status {
		case micsapi.StatusPending:
			return micsapi.ModeNew, nil
		case micsapi.StatusStopped, micsapi.StatusError:
			return micsapi.ModeResume, nil
		default:
			return "", validationf("run is %s and cannot be started", status)
		}
	case micsapi.ModeNew:
		if status != micsapi.StatusPending {
			return "", validationf("mode new requires a pending run, run is %s", status)
		}
		return mode, nil
	case micsapi.ModeResume, micsapi.ModeRestart:
		if status != micsapi.StatusStopped && status != micsapi.StatusError {
			return "", validationf("mode %s requires a stopped or errored run, run is %s", mode, status)
		}
		return mode, nil
	default:
		return "", validationf("unknown start mode %q", mode)
	}
}

func subjectOf(run *micsapi.Run) string {
	if run.SubjectKey != "" {
		return run.SubjectKey
	}
	return micsapi.SubjectKey(run.SessionID, run.ID)
}

func runLabel(runID int) string {
	return "run-" + strconv.Itoa(runID)
}

func isNotFound(err error) bool {
	var apiErr *micsapi.APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}
