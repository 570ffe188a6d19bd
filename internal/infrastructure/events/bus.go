// Package events provides an event bus for training-loop notifications using
// Go channels.
package events

import (
	"context"
	"sync"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

// Handler is a function that handles events.
type Handler func(event shared.Event)

// EventBus provides a publish-subscribe event system using Go channels.
// Delivery to channels never blocks: a full subscriber misses the event.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[shared.EventType][]chan shared.Event
	handlers    map[shared.EventType][]Handler
	bufferSize  int
	closed      bool
}

// Option configures the EventBus.
type Option func(*EventBus)

// WithBufferSize sets the channel buffer size.
func WithBufferSize(size int) Option {
	return func(eb *EventBus) {
		eb.bufferSize = size
	}
}

// New creates a new EventBus.
func New(opts ...Option) *EventBus {
	eb := &EventBus{
		subscribers: make(map[shared.EventType][]chan shared.Event),
		handlers:    make(map[shared.EventType][]Handler),
		bufferSize:  100,
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

// Subscribe creates a channel to receive events of the given type.
func (eb *EventBus) Subscribe(eventType shared.EventType) <-chan shared.Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan shared.Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a channel to receive all events.
func (eb *EventBus) SubscribeAll() <-chan shared.Event {
	return eb.Subscribe("*")
}

// Unsubscribe removes and closes a subscription channel.
func (eb *EventBus) Unsubscribe(eventType shared.EventType, ch <-chan shared.Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[eventType]
	for i, sub := range subs {
		if (<-chan shared.Event)(sub) == ch {
			eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// On registers a handler for events of the given type. Handlers run in their
// own goroutine.
func (eb *EventBus) On(eventType shared.EventType, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Off removes every handler of the given type.
func (eb *EventBus) Off(eventType shared.EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	delete(eb.handlers, eventType)
}

// Emit publishes an event to all subscribers and handlers.
func (eb *EventBus) Emit(event shared.Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = shared.Now()
	}

	for _, key := range []shared.EventType{event.Type, "*"} {
		for _, ch := range eb.subscribers[key] {
			select {
			case ch <- event:
			default:
			}
		}
		for _, handler := range eb.handlers[key] {
			go handler(event)
		}
	}
}

// EmitWithContext publishes an event unless ctx is done.
func (eb *EventBus) EmitWithContext(ctx context.Context, event shared.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		eb.Emit(event)
		return nil
	}
}

// Close closes all subscriber channels and stops the event bus.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, subs := range eb.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}

	eb.subscribers = make(map[shared.EventType][]chan shared.Event)
	eb.handlers = make(map[shared.EventType][]Handler)
}

// ============================================================================
// Helper Functions
// ============================================================================

// EmitTrainingStarted emits a training started event.
func (eb *EventBus) EmitTrainingStarted(runID, env string, numUpdates int) {
	eb.Emit(shared.Event{
		Type:  shared.EventTrainingStarted,
		RunID: runID,
		Payload: map[string]interface{}{
			"env":        env,
			"numUpdates": numUpdates,
		},
	})
}

// EmitTaskAdapted emits a task adapted event.
func (eb *EventBus) EmitTaskAdapted(runID string, update int, taskID string, innerLoss, metaLoss float64) {
	eb.Emit(shared.Event{
		Type:  shared.EventTaskAdapted,
		RunID: runID,
		Payload: map[string]interface{}{
			"update":    update,
			"taskId":    taskID,
			"innerLoss": innerLoss,
			"metaLoss":  metaLoss,
		},
	})
}

// EmitMetaStepApplied emits a meta step applied event.
func (eb *EventBus) EmitMetaStepApplied(runID string, update, tasks int, gradNorm float64) {
	eb.Emit(shared.Event{
		Type:  shared.EventMetaStepApplied,
		RunID: runID,
		Payload: map[string]interface{}{
			"update":   update,
			"tasks":    tasks,
			"gradNorm": gradNorm,
		},
	})
}

// EmitUpdateCompleted emits an update completed event.
func (eb *EventBus) EmitUpdateCompleted(runID string, update, timesteps int, epRewMean float64) {
	eb.Emit(shared.Event{
		Type:  shared.EventUpdateCompleted,
		RunID: runID,
		Payload: map[string]interface{}{
			"update":    update,
			"timesteps": timesteps,
			"eprewmean": epRewMean,
		},
	})
}

// EmitCheckpointSaved emits a checkpoint saved event.
func (eb *EventBus) EmitCheckpointSaved(runID, checkpointID, name string) {
	eb.Emit(shared.Event{
		Type:  shared.EventCheckpointSaved,
		RunID: runID,
		Payload: map[string]interface{}{
			"checkpointId": checkpointID,
			"name":         name,
		},
	})
}

// EmitCheckpointLoaded emits a checkpoint loaded event.
func (eb *EventBus) EmitCheckpointLoaded(runID, checkpointID string) {
	eb.Emit(shared.Event{
		Type:  shared.EventCheckpointLoaded,
		RunID: runID,
		Payload: map[string]interface{}{
			"checkpointId": checkpointID,
		},
	})
}

// EmitTrainingCompleted emits a training completed event.
func (eb *EventBus) EmitTrainingCompleted(runID string, updates, timesteps int) {
	eb.Emit(shared.Event{
		Type:  shared.EventTrainingCompleted,
		RunID: runID,
		Payload: map[string]interface{}{
			"updates":   updates,
			"timesteps": timesteps,
		},
	})
}

// EmitTrainingFailed emits a training failed event.
func (eb *EventBus) EmitTrainingFailed(runID string, err error) {
	eb.Emit(shared.Event{
		Type:  shared.EventTrainingFailed,
		RunID: runID,
		Payload: map[string]interface{}{
			"error": err.Error(),
		},
	})
}
