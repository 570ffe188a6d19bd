// Package shared provides types shared across the meta-learning packages.
package shared

import (
	"fmt"
	"time"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType represents the type of an event.
type EventType string

const (
	EventTrainingStarted   EventType = "training:started"
	EventTrainingCompleted EventType = "training:completed"
	EventTrainingFailed    EventType = "training:failed"
	EventTaskAdapted       EventType = "task:adapted"
	EventMetaStepApplied   EventType = "meta:stepApplied"
	EventUpdateCompleted   EventType = "update:completed"
	EventCheckpointSaved   EventType = "checkpoint:saved"
	EventCheckpointLoaded  EventType = "checkpoint:loaded"
)

// Event represents a generic event in the system.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	RunID     string                 `json:"runId,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
}

// ============================================================================
// Error Types
// ============================================================================

// Phase names the step of a meta update in which an error occurred.
type Phase string

const (
	PhaseRollout    Phase = "rollout"
	PhaseInnerTrain Phase = "inner_train"
	PhaseMetaTrain  Phase = "meta_train"
	PhaseMetaStep   Phase = "meta_step"
	PhaseCheckpoint Phase = "checkpoint"
)

// UpdateError locates a failure inside the training loop. A failed update
// aborts the run; the cause is available through errors.Is and errors.As.
type UpdateError struct {
	Update int
	TaskID string
	Phase  Phase
	Err    error
}

func (e *UpdateError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("update %d, task %s, %s: %v", e.Update, e.TaskID, e.Phase, e.Err)
	}
	return fmt.Sprintf("update %d, %s: %v", e.Update, e.Phase, e.Err)
}

// Unwrap returns the cause.
func (e *UpdateError) Unwrap() error {
	return e.Err
}

// NewUpdateError creates an UpdateError.
func NewUpdateError(update int, taskID string, phase Phase, err error) *UpdateError {
	return &UpdateError{Update: update, TaskID: taskID, Phase: phase, Err: err}
}

// ============================================================================
// Utility Functions
// ============================================================================

// Now returns the current time in milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}
