package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mics-lab/orchestrator/internal/events"
	"github.com/mics-lab/orchestrator/internal/micsapi"
	"github.com/mics-lab/orchestrator/internal/pipeline"
	"github.com/mics-lab/orchestrator/internal/protocol"
	"github.com/mics-lab/orchestrator/internal/registry"
)

func TestStartRunSendsTaskThenMarksRunning(t *testing.T) {
	f := newFixture(t)
	f.seedSession()

	run, err := f.ctrl.StartRun(context.Background(), 11, "")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 11, run.ID)

	// Exactly one START, reliable, to the resolved transport identity.
	starts := f.gw.byKey(protocol.KeyStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "pilot_pilot-a", starts[0].to)
	assert.True(t, starts[0].reliable)

	payload, ok := starts[0].value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "lever_press", payload["task_type"])
	assert.Equal(t, "shaping", payload["step_name"])
	assert.Equal(t, "pilot-a", payload["pilot"])
	assert.Equal(t, "bp_s4_r11", payload["subject"])
	assert.Equal(t, 4, payload["session"])
	assert.Equal(t, 0, payload["step"])
	assert.Equal(t, 0, payload["current_trial"])
	assert.Equal(t, 11, payload["run_id"])
	assert.Equal(t, 9, payload["protocol_id"])
	assert.Equal(t, []string{"bp_s4_r11", "bp_s4_r12"}, payload["subjects"])

	assert.Contains(t, f.backend.callNames(), "MarkRunRunning(11)")

	rec, ok := f.reg.GetPilot("pilot_pilot-a")
	require.True(t, ok)
	require.NotNil(t, rec.ActiveRun)
	assert.Equal(t, 11, rec.ActiveRun.ID)
	assert.Equal(t, "bp_s4_r11", rec.ActiveRun.SubjectKey)
	assert.Equal(t, micsapi.StatusRunning, rec.ActiveRun.Status)

	assert.Equal(t, []string{"bp_s4_r11"}, f.sinks.openedSubjects())
	assert.Contains(t, f.emitter.types(), events.TypeRunStarted)
}

func TestStartRunResumesFromStoredProgress(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusStopped
	step := 2
	f.backend.progress[11] = &micsapi.Progress{CurrentStep: &step, CurrentTrial: 5, SessionProgressIndex: 1}

	_, err := f.ctrl.StartRun(context.Background(), 11, "")
	require.NoError(t, err)

	starts := f.gw.byKey(protocol.KeyStart)
	require.Len(t, starts, 1)
	payload := starts[0].value.(map[string]interface{})
	assert.Equal(t, 2, payload["step"])
	assert.Equal(t, 5, payload["current_trial"])
	assert.Equal(t, "probe", payload["step_name"])
	assert.Equal(t, 1, payload["session_progress_index"])
}

func TestStartRunRestartIgnoresStoredProgress(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusStopped
	step := 2
	f.backend.progress[11] = &micsapi.Progress{CurrentStep: &step, CurrentTrial: 5}

	_, err := f.ctrl.StartRun(context.Background(), 11, micsapi.ModeRestart)
	require.NoError(t, err)

	payload := f.gw.byKey(protocol.KeyStart)[0].value.(map[string]interface{})
	assert.Equal(t, 0, payload["step"])
	assert.Equal(t, 0, payload["current_trial"])
}

func TestStartRunTransportFailureMarksGatewayError(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.gw.connected["pilot_pilot-a"] = false

	_, err := f.ctrl.StartRun(context.Background(), 11, "")
	require.Error(t, err)
	var gwErr *GatewayError
	assert.True(t, errors.As(err, &gwErr))

	calls := f.backend.callNames()
	assert.Contains(t, calls, "MarkRunError(11,OrchGatewayError)")
	assert.NotContains(t, calls, "MarkRunRunning(11)")

	rec, ok := f.reg.GetPilot("pilot_pilot-a")
	require.True(t, ok)
	assert.Nil(t, rec.ActiveRun)
	assert.Equal(t, []string{"bp_s4_r11"}, f.sinks.closedSubjects())
}

func TestStartRunSendFailureMarksGatewayError(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.gw.reliableErr = errors.New("send buffer full")

	_, err := f.ctrl.StartRun(context.Background(), 11, "")
	require.Error(t, err)
	assert.Contains(t, f.backend.callNames(), "MarkRunError(11,OrchGatewayError)")
	assert.NotContains(t, f.backend.callNames(), "MarkRunRunning(11)")
}

func TestStartRunProceedsWhenSinkOpenFails(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.sinks.openErr = errors.New("sink database unreachable")

	_, err := f.ctrl.StartRun(context.Background(), 11, "")
	require.NoError(t, err)
	assert.Len(t, f.gw.byKey(protocol.KeyStart), 1)
}

func TestStartRunUnknownRunReturnsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.StartRun(context.Background(), 404, "")
	require.Error(t, err)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestStartRunUnconnectedPilotReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	// Fresh registry: the pilot row exists on the backend but no process with
	// that identity ever connected.
	f.ctrl.reg = registry.New()
	f.reg = f.ctrl.reg

	_, err := f.ctrl.StartRun(context.Background(), 11, "")
	require.Error(t, err)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Empty(t, f.gw.byKey(protocol.KeyStart))
}

func TestResolveMode(t *testing.T) {
	cases := []struct {
		status, mode string
		want         string
		wantErr      bool
	}{
		{micsapi.StatusPending, "", micsapi.ModeNew, false},
		{micsapi.StatusStopped, "", micsapi.ModeResume, false},
		{micsapi.StatusError, "", micsapi.ModeResume, false},
		{micsapi.StatusRunning, "", "", true},
		{micsapi.StatusCompleted, "", "", true},
		{micsapi.StatusPending, micsapi.ModeNew, micsapi.ModeNew, false},
		{micsapi.StatusStopped, micsapi.ModeNew, "", true},
		{micsapi.StatusStopped, micsapi.ModeResume, micsapi.ModeResume, false},
		{micsapi.StatusError, micsapi.ModeRestart, micsapi.ModeRestart, false},
		{micsapi.StatusPending, micsapi.ModeResume, "", true},
		{micsapi.StatusPending, "bogus", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.status+"/"+tc.mode, func(t *testing.T) {
			got, err := resolveMode(tc.status, tc.mode)
			if tc.wantErr {
				var ve *ValidationError
				require.Error(t, err)
				assert.True(t, errors.As(err, &ve))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIncTrialGraduationAdvancesStep(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusRunning
	f.backend.trialResult = &micsapi.TrialResult{ShouldGraduate: true, CurrentTrial: 8}
	f.backend.advanceResult = &micsapi.AdvanceResult{Finished: false, CurrentStep: 1}
	f.reg.SetState("pilot_pilot-a", stateIdle)

	f.ctrl.HandleIncTrial(&pipeline.TrialEvent{Subject: "bp_s4_r11"})

	require.Len(t, f.gw.sent, 2)
	assert.Equal(t, protocol.KeyStop, f.gw.sent[0].key)
	assert.Equal(t, protocol.KeyStart, f.gw.sent[1].key)

	payload := f.gw.sent[1].value.(map[string]interface{})
	assert.Equal(t, 1, payload["step"])
	assert.Equal(t, 0, payload["current_trial"])
	assert.Equal(t, "fixed_ratio", payload["step_name"])

	assert.Contains(t, f.slept(), f.ctrl.hardwareRelease)
	assert.Contains(t, f.emitter.types(), events.TypeRunAdvanced)
}

func TestIncTrialFinalStepCompletesRun(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusRunning
	f.backend.trialResult = &micsapi.TrialResult{ShouldGraduate: true, CurrentTrial: 20}
	f.backend.advanceResult = &micsapi.AdvanceResult{Finished: true}
	f.reg.SetState("pilot_pilot-a", stateIdle)
	f.reg.SetActiveRun("pilot_pilot-a", &registry.ActiveRun{ID: 11, SubjectKey: "bp_s4_r11"})

	f.ctrl.HandleIncTrial(&pipeline.TrialEvent{Subject: "bp_s4_r11"})

	assert.Contains(t, f.backend.callNames(), "CompleteSessionRun(11)")
	assert.Empty(t, f.gw.byKey(protocol.KeyStart))

	rec, _ := f.reg.GetPilot("pilot_pilot-a")
	assert.Nil(t, rec.ActiveRun)
	assert.Equal(t, []string{"bp_s4_r11"}, f.sinks.closedSubjects())
	assert.Contains(t, f.emitter.types(), events.TypeRunCompleted)
}

func TestIncTrialBelowThresholdOnlyCounts(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusRunning
	f.backend.trialResult = &micsapi.TrialResult{ShouldGraduate: false, CurrentTrial: 3}

	f.ctrl.HandleIncTrial(&pipeline.TrialEvent{Subject: "bp_s4_r11"})

	assert.Contains(t, f.backend.callNames(), "IncrementTrial(11)")
	assert.NotContains(t, f.backend.callNames(), "AdvanceStep(11)")
	assert.Empty(t, f.gw.sent)
}

func TestIncTrialNonRunningRunIsDropped(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusStopped

	f.ctrl.HandleIncTrial(&pipeline.TrialEvent{Subject: "bp_s4_r11"})

	assert.NotContains(t, f.backend.callNames(), "IncrementTrial(11)")
}

func TestIncTrialUnknownSubjectIgnored(t *testing.T) {
	f := newFixture(t)

	f.ctrl.HandleIncTrial(&pipeline.TrialEvent{Subject: "bp_s9_r99"})

	assert.NotContains(t, f.backend.callNames(), "IncrementTrial(0)")
	assert.Empty(t, f.gw.sent)
}

func TestStopRunStopsPilotAndBackend(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusRunning
	f.reg.SetActiveRun("pilot_pilot-a", &registry.ActiveRun{ID: 11, SubjectKey: "bp_s4_r11"})

	err := f.ctrl.StopRun(context.Background(), 11)
	require.NoError(t, err)

	stops := f.gw.byKey(protocol.KeyStop)
	require.Len(t, stops, 1)
	assert.Equal(t, "pilot_pilot-a", stops[0].to)
	assert.True(t, stops[0].reliable)
	assert.Contains(t, f.backend.callNames(), "StopSessionRun(11)")

	rec, _ := f.reg.GetPilot("pilot_pilot-a")
	assert.Nil(t, rec.ActiveRun)
	assert.Contains(t, f.emitter.types(), events.TypeRunStopped)
}

func TestStopRunRejectsFinishedRun(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusCompleted

	err := f.ctrl.StopRun(context.Background(), 11)
	var ve *ValidationError
	require.Error(t, err)
	assert.True(t, errors.As(err, &ve))
	assert.Empty(t, f.gw.sent)
}

func TestStopRunSurfacesBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusRunning
	f.backend.failures["StopSessionRun"] = errors.New("backend down")

	err := f.ctrl.StopRun(context.Background(), 11)
	require.Error(t, err)
	// The pilot STOP still went out before the backend refused.
	assert.Len(t, f.gw.byKey(protocol.KeyStop), 1)
}

func TestHandleTaskErrorMarksRunErrored(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	f.backend.runs[11].Status = micsapi.StatusRunning
	f.reg.SetActiveRun("pilot_pilot-a", &registry.ActiveRun{ID: 11, SubjectKey: "bp_s4_r11"})

	f.ctrl.HandleTaskError("pilot_pilot-a", map[string]interface{}{
		"pilot":         "pilot-a",
		"subject":       "bp_s4_r11",
		"error_message": "sensor fault",
	})

	stops := f.gw.byKey(protocol.KeyStop)
	require.Len(t, stops, 1)
	assert.Equal(t, "pilot_pilot-a", stops[0].to)
	assert.Contains(t, f.backend.callNames(), "MarkRunError(11,TaskError)")
	assert.Equal(t, "sensor fault", f.backend.lastErrorMessage)

	rec, _ := f.reg.GetPilot("pilot_pilot-a")
	assert.Nil(t, rec.ActiveRun)
	assert.Equal(t, []string{"bp_s4_r11"}, f.sinks.closedSubjects())
	assert.Contains(t, f.emitter.types(), events.TypeRunError)
}

func TestHandleTaskErrorUnknownSubjectStillStopsPilot(t *testing.T) {
	f := newFixture(t)

	f.ctrl.HandleTaskError("pilot_ghost", map[string]interface{}{
		"subject":       "bp_s9_r99",
		"error_message": "boom",
	})

	assert.Len(t, f.gw.byKey(protocol.KeyStop), 1)
	for _, call := range f.backend.callNames() {
		assert.NotContains(t, call, "MarkRunError")
	}
}

func TestForceErrorRunUsesWatchdogType(t *testing.T) {
	f := newFixture(t)
	f.seedSession()
	active := &registry.ActiveRun{ID: 11, SubjectKey: "bp_s4_r11"}
	f.reg.SetActiveRun("pilot_pilot-a", active)

	f.ctrl.ForceErrorRun(context.Background(), "pilot_pilot-a", active, "no heartbeat for 45s")

	assert.Contains(t, f.backend.callNames(), "MarkRunError(11,WatchdogTimeout)")
	assert.Equal(t, "no heartbeat for 45s", f.backend.lastErrorMessage)
	rec, _ := f.reg.GetPilot("pilot_pilot-a")
	assert.Nil(t, rec.ActiveRun)
	assert.Contains(t, f.emitter.types(), events.TypeRunError)
}

func TestHandleHandshakeRegistersAndUpserts(t *testing.T) {
	f := newFixture(t)

	f.ctrl.HandleHandshake("pilot_pilot-b", "10.0.0.8", map[string]interface{}{
		"pilot": "pilot-b",
		"prefs": map[string]interface{}{"volume": 0.5},
		"tasks": []interface{}{"lever_press", "nose_poke"},
	})

	rec, ok := f.reg.GetPilot("pilot_pilot-b")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.8", rec.IP)
	assert.Equal(t, stateIdle, rec.State)

	assert.Contains(t, f.backend.callNames(), "CreateOrUpdatePilot(pilot-b)")
	assert.Contains(t, f.backend.callNames(), "UpsertPilotTasks(7)")
	assert.Contains(t, f.emitter.types(), events.TypePilotHandshake)
}

func TestHandleHandshakeKeepsDeclaredState(t *testing.T) {
	f := newFixture(t)
	f.reg.SetState("pilot_pilot-b", "RUNNING")

	f.ctrl.HandleHandshake("pilot_pilot-b", "10.0.0.8", map[string]interface{}{"pilot": "pilot-b"})

	rec, _ := f.reg.GetPilot("pilot_pilot-b")
	assert.Equal(t, "RUNNING", rec.State)
}

func TestHandleHandshakeToleratesBackendOutage(t *testing.T) {
	f := newFixture(t)
	f.backend.failures["CreateOrUpdatePilot"] = errors.New("backend down")

	f.ctrl.HandleHandshake("pilot_pilot-b", "10.0.0.8", map[string]interface{}{"pilot": "pilot-b"})

	_, ok := f.reg.GetPilot("pilot_pilot-b")
	assert.True(t, ok)
}

func TestHandleStateRecordsDeclaredState(t *testing.T) {
	f := newFixture(t)

	f.ctrl.HandleState("pilot_pilot-a", "RUNNING")
	rec, _ := f.reg.GetPilot("pilot_pilot-a")
	assert.Equal(t, "RUNNING", rec.State)

	f.ctrl.HandleState("pilot_pilot-a", 42)
	rec, _ = f.reg.GetPilot("pilot_pilot-a")
	assert.Equal(t, "RUNNING", rec.State)
}

func TestWaitForIdle(t *testing.T) {
	f := newFixture(t)
	f.ctrl.idleTimeout = 40 * time.Millisecond
	f.ctrl.idlePoll = 5 * time.Millisecond
	f.ctrl.sleep = time.Sleep

	f.reg.SetState("p1", "RUNNING")
	assert.False(t, f.ctrl.waitForIdle("p1"))

	f.reg.SetState("p1", stateIdle)
	assert.True(t, f.ctrl.waitForIdle("p1"))
}

// ===== FIXTURE =====

type fixture struct {
	t       *testing.T
	backend *stubBackend
	gw      *stubTransport
	reg     *registry.Registry
	sinks   *stubSinks
	emitter *recordingEmitter
	ctrl    *Controller

	mu       sync.Mutex
	sleepLog []time.Duration
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:       t,
		backend: newStubBackend(),
		gw:      newStubTransport(),
		reg:     registry.New(),
		sinks:   &stubSinks{},
		emitter: &recordingEmitter{},
	}
	f.ctrl = New(Config{
		Backend:          f.backend,
		Gateway:          f.gw,
		Registry:         f.reg,
		Sinks:            f.sinks,
		Events:           f.emitter,
		IdleTimeout:      50 * time.Millisecond,
		IdlePollInterval: time.Millisecond,
	})
	f.ctrl.sleep = func(d time.Duration) {
		f.mu.Lock()
		f.sleepLog = append(f.sleepLog, d)
		f.mu.Unlock()
	}
	return f
}

// seedSession loads the fixture with one pending run on one connected pilot:
// run 11 in session 4, pilot id 3 named pilot-a connected as pilot_pilot-a,
// protocol 9 with three steps.
func (f *fixture) seedSession() {
	f.backend.runs[11] = &micsapi.Run{ID: 11, SessionID: 4, PilotID: 3, Status: micsapi.StatusPending}
	f.backend.bySubject["bp_s4_r11"] = f.backend.runs[11]
	f.backend.pilots[3] = &micsapi.Pilot{ID: 3, Name: "pilot-a", IP: "10.0.0.7"}
	f.backend.subjectRuns[4] = []micsapi.SubjectRun{
		{ID: 1, ProtocolID: 9, Subject: "bp_s4_r11"},
		{ID: 2, ProtocolID: 9, Subject: "bp_s4_r12"},
	}
	f.backend.protocols[9] = &micsapi.Protocol{ID: 9, Steps: []micsapi.ProtocolStep{
		{OrderIndex: 0, StepName: "shaping", TaskType: "lever_press", Params: map[string]interface{}{"reward_ul": 5}},
		{OrderIndex: 1, StepName: "fixed_ratio", TaskType: "lever_press", Params: map[string]interface{}{"ratio": 3}},
		{OrderIndex: 2, StepName: "probe", TaskType: "lever_press"},
	}}

	f.reg.UpdateHandshake("pilot_pilot-a", map[string]interface{}{"ip": "10.0.0.7"})
	f.gw.connected["pilot_pilot-a"] = true
}

func (f *fixture) slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleepLog...)
}

// ===== STUBS =====

type stubBackend struct {
	mu    sync.Mutex
	calls []string

	runs        map[int]*micsapi.Run
	bySubject   map[string]*micsapi.Run
	pilots      map[int]*micsapi.Pilot
	protocols   map[int]*micsapi.Protocol
	subjectRuns map[int][]micsapi.SubjectRun
	progress    map[int]*micsapi.Progress

	trialResult   *micsapi.TrialResult
	advanceResult *micsapi.AdvanceResult

	failures         map[string]error
	lastErrorMessage string
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		runs:        map[int]*micsapi.Run{},
		bySubject:   map[string]*micsapi.Run{},
		pilots:      map[int]*micsapi.Pilot{},
		protocols:   map[int]*micsapi.Protocol{},
		subjectRuns: map[int][]micsapi.SubjectRun{},
		progress:    map[int]*micsapi.Progress{},
		failures:    map[string]error{},
	}
}

func notFound(path string) error {
	return &micsapi.APIError{StatusCode: 404, Method: "GET", Path: path, Body: "not found"}
}

func (s *stubBackend) record(format string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := fmt.Sprintf(format, args...)
	s.calls = append(s.calls, call)
	for name, err := range s.failures {
		if strings.HasPrefix(call, name) {
			return err
		}
	}
	return nil
}

func (s *stubBackend) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubBackend) GetRun(ctx context.Context, runID int) (*micsapi.Run, error) {
	if err := s.record("GetRun(%d)", runID); err != nil {
		return nil, err
	}
	run, ok := s.runs[runID]
	if !ok {
		return nil, notFound(fmt.Sprintf("/session-runs/%d", runID))
	}
	cp := *run
	return &cp, nil
}

func (s *stubBackend) GetRunWithProgress(ctx context.Context, runID int) (*micsapi.RunWithProgress, error) {
	if err := s.record("GetRunWithProgress(%d)", runID); err != nil {
		return nil, err
	}
	run, ok := s.runs[runID]
	if !ok {
		return nil, notFound(fmt.Sprintf("/session-runs/%d/with-progress", runID))
	}
	return &micsapi.RunWithProgress{Run: *run, Progress: s.progress[runID]}, nil
}

func (s *stubBackend) GetRunBySubjectKey(ctx context.Context, subjectKey string) (*micsapi.Run, error) {
	if err := s.record("GetRunBySubjectKey(%s)", subjectKey); err != nil {
		return nil, err
	}
	run, ok := s.bySubject[subjectKey]
	if !ok {
		return nil, notFound("/session-runs/by-subject-key/" + subjectKey)
	}
	cp := *run
	return &cp, nil
}

func (s *stubBackend) MarkRunRunning(ctx context.Context, runID int) error {
	return s.record("MarkRunRunning(%d)", runID)
}

func (s *stubBackend) StopSessionRun(ctx context.Context, runID int) error {
	return s.record("StopSessionRun(%d)", runID)
}

func (s *stubBackend) CompleteSessionRun(ctx context.Context, runID int) error {
	return s.record("CompleteSessionRun(%d)", runID)
}

func (s *stubBackend) MarkRunError(ctx context.Context, runID int, errorType, errorMessage string) error {
	s.mu.Lock()
	s.lastErrorMessage = errorMessage
	s.mu.Unlock()
	return s.record("MarkRunError(%d,%s)", runID, errorType)
}

func (s *stubBackend) IncrementTrial(ctx context.Context, runID int) (*micsapi.TrialResult, error) {
	if err := s.record("IncrementTrial(%d)", runID); err != nil {
		return nil, err
	}
	if s.trialResult == nil {
		return &micsapi.TrialResult{}, nil
	}
	return s.trialResult, nil
}

func (s *stubBackend) AdvanceStep(ctx context.Context, runID int) (*micsapi.AdvanceResult, error) {
	if err := s.record("AdvanceStep(%d)", runID); err != nil {
		return nil, err
	}
	if s.advanceResult == nil {
		return &micsapi.AdvanceResult{Finished: true}, nil
	}
	return s.advanceResult, nil
}

func (s *stubBackend) GetPilot(ctx context.Context, pilotID int) (*micsapi.Pilot, error) {
	if err := s.record("GetPilot(%d)", pilotID); err != nil {
		return nil, err
	}
	pilot, ok := s.pilots[pilotID]
	if !ok {
		return nil, notFound(fmt.Sprintf("/pilots/%d", pilotID))
	}
	cp := *pilot
	return &cp, nil
}

func (s *stubBackend) CreateOrUpdatePilot(ctx context.Context, name, ip string, prefs map[string]interface{}) (*micsapi.Pilot, error) {
	if err := s.record("CreateOrUpdatePilot(%s)", name); err != nil {
		return nil, err
	}
	return &micsapi.Pilot{ID: 7, Name: name, IP: ip, Prefs: prefs}, nil
}

func (s *stubBackend) UpsertPilotTasks(ctx context.Context, pilotID int, tasks []interface{}) error {
	return s.record("UpsertPilotTasks(%d)", pilotID)
}

func (s *stubBackend) GetProtocol(ctx context.Context, protocolID int) (*micsapi.Protocol, error) {
	if err := s.record("GetProtocol(%d)", protocolID); err != nil {
		return nil, err
	}
	proto, ok := s.protocols[protocolID]
	if !ok {
		return nil, notFound(fmt.Sprintf("/protocols/%d", protocolID))
	}
	return proto, nil
}

func (s *stubBackend) GetSubjectRunsForSession(ctx context.Context, sessionID int) ([]micsapi.SubjectRun, error) {
	if err := s.record("GetSubjectRunsForSession(%d)", sessionID); err != nil {
		return nil, err
	}
	return s.subjectRuns[sessionID], nil
}

type sentMessage struct {
	to       string
	key      protocol.Key
	value    interface{}
	reliable bool
}

type stubTransport struct {
	mu          sync.Mutex
	sent        []sentMessage
	connected   map[string]bool
	reliableErr error
}

func newStubTransport() *stubTransport {
	return &stubTransport{connected: map[string]bool{}}
}

func (s *stubTransport) SendReliable(to string, key protocol.Key, value interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reliableErr != nil {
		return "", s.reliableErr
	}
	s.sent = append(s.sent, sentMessage{to: to, key: key, value: value, reliable: true})
	return fmt.Sprintf("orchestrator_%d", len(s.sent)), nil
}

func (s *stubTransport) Connected(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[identity]
}

func (s *stubTransport) byKey(key protocol.Key) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.sent {
		if m.key == key {
			out = append(out, m)
		}
	}
	return out
}

type stubSinks struct {
	mu      sync.Mutex
	opened  []string
	closed  []string
	openErr error
}

func (s *stubSinks) OpenSubject(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = append(s.opened, subject)
	return nil
}

func (s *stubSinks) CloseSubject(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, subject)
	return nil
}

func (s *stubSinks) openedSubjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

func (s *stubSinks) closedSubjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
