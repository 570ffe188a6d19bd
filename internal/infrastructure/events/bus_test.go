package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

func TestSubscribeReceivesTypedAndWildcard(t *testing.T) {
	bus := New()
	defer bus.Close()

	saved := bus.Subscribe(shared.EventCheckpointSaved)
	all := bus.SubscribeAll()

	bus.EmitCheckpointSaved("run-1", "ckpt-1", "00001")
	bus.EmitMetaStepApplied("run-1", 1, 4, 0.3)

	ev := <-saved
	assert.Equal(t, shared.EventCheckpointSaved, ev.Type)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "00001", ev.Payload["name"])
	assert.NotZero(t, ev.Timestamp)

	first, second := <-all, <-all
	assert.Equal(t, shared.EventCheckpointSaved, first.Type)
	assert.Equal(t, shared.EventMetaStepApplied, second.Type)
	assert.Empty(t, saved)
}

func TestHandlersRun(t *testing.T) {
	bus := New()
	defer bus.Close()

	got := make(chan shared.Event, 1)
	bus.On(shared.EventTrainingFailed, func(e shared.Event) { got <- e })
	bus.EmitTrainingFailed("run-2", errors.New("boom"))

	select {
	case e := <-got:
		assert.Equal(t, "boom", e.Payload["error"])
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	bus := New(WithBufferSize(1))
	defer bus.Close()

	ch := bus.Subscribe(shared.EventUpdateCompleted)
	bus.EmitUpdateCompleted("run", 1, 100, 0.5)
	bus.EmitUpdateCompleted("run", 2, 200, 0.6)

	assert.Len(t, ch, 1)
	assert.Equal(t, 1, (<-ch).Payload["update"])
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(shared.EventTaskAdapted)
	bus.Unsubscribe(shared.EventTaskAdapted, ch)
	_, ok := <-ch
	assert.False(t, ok)

	other := bus.Subscribe(shared.EventTrainingStarted)
	bus.Close()
	_, ok = <-other
	assert.False(t, ok)

	bus.EmitTrainingStarted("run", "pointnav", 3)
	late := bus.Subscribe(shared.EventTrainingStarted)
	_, ok = <-late
	assert.False(t, ok)
}

func TestEmitWithContext(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.EmitWithContext(ctx, shared.Event{Type: shared.EventTrainingCompleted})
	require.ErrorIs(t, err, context.Canceled)
}
