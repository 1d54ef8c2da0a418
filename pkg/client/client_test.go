package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mics-lab/orchestrator/internal/api"
	"github.com/mics-lab/orchestrator/internal/controller"
	"github.com/mics-lab/orchestrator/internal/micsapi"
	"github.com/mics-lab/orchestrator/internal/registry"
)

type stubController struct {
	startedID   int
	startedMode string
	stoppedID   int
	startErr    error
	stopErr     error
}

func (s *stubController) StartRun(_ context.Context, runID int, mode string) (*micsapi.Run, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.startedID, s.startedMode = runID, mode
	return &micsapi.Run{ID: runID}, nil
}

func (s *stubController) StopRun(_ context.Context, runID int) error {
	if s.stopErr != nil {
		return s.stopErr
	}
	s.stoppedID = runID
	return nil
}

func newTestClient(t *testing.T, ctrl *stubController, reg *registry.Registry) *Client {
	t.Helper()
	srv := api.New(api.Config{
		Controller: ctrl,
		Registry:   reg,
		Gatherer:   prometheus.NewRegistry(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL})
}

func TestStartRunForwardsMode(t *testing.T) {
	ctrl := &stubController{}
	orch := newTestClient(t, ctrl, registry.New())

	require.NoError(t, orch.StartRun(context.Background(), 42, "restart"))
	assert.Equal(t, 42, ctrl.startedID)
	assert.Equal(t, "restart", ctrl.startedMode)

	require.NoError(t, orch.StartRun(context.Background(), 43, ""))
	assert.Equal(t, 43, ctrl.startedID)
	assert.Equal(t, "", ctrl.startedMode)
}

func TestStopRun(t *testing.T) {
	ctrl := &stubController{}
	orch := newTestClient(t, ctrl, registry.New())

	require.NoError(t, orch.StopRun(context.Background(), 17))
	assert.Equal(t, 17, ctrl.stoppedID)
}

func TestErrorsCarryStatusAndMessage(t *testing.T) {
	ctrl := &stubController{startErr: &controller.NotFoundError{Message: "run 99 not found"}}
	orch := newTestClient(t, ctrl, registry.New())

	err := orch.StartRun(context.Background(), 99, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.True(t, apiErr.IsNotFound())
	assert.Contains(t, apiErr.Message, "run 99 not found")
}

func TestLivePilotsDecodesSnapshot(t *testing.T) {
	reg := registry.New()
	reg.UpdateHandshake("pilot_rpi_1", map[string]interface{}{"pilot": "rpi_1"})
	reg.SetState("pilot_rpi_1", "RUNNING")
	reg.SetActiveRun("pilot_rpi_1", &registry.ActiveRun{
		ID:         42,
		SessionID:  7,
		SubjectKey: "bp_s7_r42",
		StartedAt:  time.Now(),
		Status:     "running",
	})
	orch := newTestClient(t, &stubController{}, reg)

	pilots, err := orch.LivePilots(context.Background())
	require.NoError(t, err)
	require.Contains(t, pilots, "pilot_rpi_1")

	status := pilots["pilot_rpi_1"]
	assert.True(t, status.Connected)
	assert.Equal(t, "RUNNING", status.State)
	require.NotNil(t, status.ActiveRun)
	assert.Equal(t, 42, status.ActiveRun.ID)
	assert.Equal(t, "bp_s7_r42", status.ActiveRun.SubjectKey)
}

func TestHealthSummary(t *testing.T) {
	reg := registry.New()
	reg.UpdatePing("pilot_rpi_1")
	reg.UpdatePing("pilot_rpi_2")
	orch := newTestClient(t, &stubController{}, reg)

	health, err := orch.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "orchestrator", health.Service)
	assert.Equal(t, 2, health.Pilots)
}
