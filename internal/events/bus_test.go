package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToTypeSubscribers(t *testing.T) {
	bus := NewBus()
	runs := bus.Subscribe(TypeRunStarted, TypeRunCompleted)
	pilots := bus.Subscribe(TypePilotConnected)

	bus.Emit(TypeRunStarted, "/orchestrator/controller", "run-3", map[string]interface{}{"run_id": 3})

	select {
	case ev := <-runs:
		assert.Equal(t, TypeRunStarted, ev.Type)
		assert.Equal(t, "run-3", ev.Subject)
		assert.Equal(t, 3, ev.Data["run_id"])
		assert.Equal(t, "1.0", ev.SpecVersion)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("run subscriber did not receive event")
	}

	select {
	case ev := <-pilots:
		t.Fatalf("pilot subscriber received unrelated event %s", ev.Type)
	default:
	}
}

func TestBusDeliversAllEventsToWildcardSubscriber(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()

	bus.Emit(TypePilotConnected, "/orchestrator/gateway", "pilot_rpi_1", nil)
	bus.Emit(TypeRunError, "/orchestrator/controller", "run-9", nil)

	got := []string{(<-all).Type, (<-all).Type}
	assert.Equal(t, []string{TypePilotConnected, TypeRunError}, got)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeRunAdvanced)

	// Second publish must not block even though nobody drains the channel.
	done := make(chan struct{})
	go func() {
		bus.Emit(TypeRunAdvanced, "/orchestrator/controller", "run-1", nil)
		bus.Emit(TypeRunAdvanced, "/orchestrator/controller", "run-1", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeRunStopped)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestSSEFormat(t *testing.T) {
	ev := NewEvent(TypeRunCompleted, "/orchestrator/controller", "run-7", map[string]interface{}{"run_id": 7})
	frame, err := ev.SSEFormat()
	require.NoError(t, err)

	text := string(frame)
	assert.Contains(t, text, "event: run.completed\n")
	assert.Contains(t, text, "id: "+ev.ID+"\n")
	assert.Contains(t, text, `"run_id":7`)
	assert.True(t, len(text) > 4 && text[len(text)-2:] == "\n\n")
}
