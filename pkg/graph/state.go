package graph

import (
	"fmt"
	"sync"
	"time"
)

// ActionState represents the execution state of one planned action
type ActionState string

const (
	// ActionStatePending indicates the action has not been started
	ActionStatePending ActionState = "Pending"

	// ActionStateApplying indicates the action is being applied
	ActionStateApplying ActionState = "Applying"

	// ActionStateApplied indicates the external system accepted the action
	ActionStateApplied ActionState = "Applied"

	// ActionStateFailed indicates the action failed after all retries
	ActionStateFailed ActionState = "Failed"

	// ActionStateSkipped indicates the action was never submitted (cancelled run)
	ActionStateSkipped ActionState = "Skipped"
)

// ActionStatus contains the execution status of a single action
type ActionStatus struct {
	// State is the current state of the action
	State ActionState

	// Error contains the error message if State is Failed or Skipped
	Error string

	// StartTime is when the action started applying
	StartTime *time.Time

	// EndTime is when the action reached a terminal state
	EndTime *time.Time

	// RetryCount is the number of times this action has been retried
	RetryCount int

	// LastRetryTime is the time of the last retry attempt
	LastRetryTime *time.Time
}

// ExecutionState tracks the execution state of all actions in a run
type ExecutionState struct {
	mu sync.RWMutex

	// states maps action key to its current status
	states map[string]*ActionStatus

	startTime time.Time
	endTime   *time.Time
}

// NewExecutionState creates a new execution state tracker
func NewExecutionState(keys []string) *ExecutionState {
	states := make(map[string]*ActionStatus, len(keys))
	for _, key := range keys {
		states[key] = &ActionStatus{
			State: ActionStatePending,
		}
	}

	return &ExecutionState{
		states:    states,
		startTime: time.Now(),
	}
}

// GetState returns the current state of an action
func (es *ExecutionState) GetState(key string) (ActionState, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	status, found := es.states[key]
	if !found {
		return "", fmt.Errorf("action %s not found", key)
	}
	return status.State, nil
}

// GetStatus returns a copy of the full status of an action
func (es *ExecutionState) GetStatus(key string) (*ActionStatus, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	status, found := es.states[key]
	if !found {
		return nil, fmt.Errorf("action %s not found", key)
	}

	statusCopy := *status
	return &statusCopy, nil
}

// SetState updates the state of an action with validation
func (es *ExecutionState) SetState(key string, newState ActionState) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	status, found := es.states[key]
	if !found {
		return fmt.Errorf("action %s not found", key)
	}

	if err := validateStateTransition(status.State, newState); err != nil {
		return fmt.Errorf("invalid state transition for action %s: %w", key, err)
	}

	status.State = newState

	now := time.Now()
	switch newState {
	case ActionStateApplying:
		if status.StartTime == nil {
			status.StartTime = &now
		}
	case ActionStateApplied, ActionStateFailed, ActionStateSkipped:
		status.EndTime = &now
	}

	return nil
}

// SetFailed moves an applying action to Failed with an error message
func (es *ExecutionState) SetFailed(key string, err error) error {
	return es.setTerminalError(key, ActionStateFailed, err)
}

// SetSkipped moves a pending action to Skipped with the reason it never ran
func (es *ExecutionState) SetSkipped(key string, err error) error {
	return es.setTerminalError(key, ActionStateSkipped, err)
}

func (es *ExecutionState) setTerminalError(key string, state ActionState, err error) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	status, found := es.states[key]
	if !found {
		return fmt.Errorf("action %s not found", key)
	}
	if verr := validateStateTransition(status.State, state); verr != nil {
		return fmt.Errorf("invalid state transition for action %s: %w", key, verr)
	}

	now := time.Now()
	status.State = state
	status.EndTime = &now
	if err != nil {
		status.Error = err.Error()
	}
	return nil
}

// IncrementRetry increments the retry count for an action
func (es *ExecutionState) IncrementRetry(key string) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	status, found := es.states[key]
	if !found {
		return fmt.Errorf("action %s not found", key)
	}

	status.RetryCount++
	now := time.Now()
	status.LastRetryTime = &now

	return nil
}

// GetKeysInState returns all action keys in a given state
func (es *ExecutionState) GetKeysInState(state ActionState) []string {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var keys []string
	for key, status := range es.states {
		if status.State == state {
			keys = append(keys, key)
		}
	}
	return keys
}

// IsComplete returns true if every action is in a terminal state
func (es *ExecutionState) IsComplete() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()

	for _, status := range es.states {
		if !status.State.IsTerminal() {
			return false
		}
	}
	return true
}

// HasErrors returns true if any action failed or was skipped
func (es *ExecutionState) HasErrors() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()

	for _, status := range es.states {
		if status.State == ActionStateFailed || status.State == ActionStateSkipped {
			return true
		}
	}
	return false
}

// GetSummary returns a summary of execution state
func (es *ExecutionState) GetSummary() ExecutionSummary {
	es.mu.RLock()
	defer es.mu.RUnlock()

	summary := ExecutionSummary{
		Total:     len(es.states),
		StartTime: es.startTime,
		EndTime:   es.endTime,
	}

	for _, status := range es.states {
		switch status.State {
		case ActionStatePending:
			summary.Pending++
		case ActionStateApplying:
			summary.Applying++
		case ActionStateApplied:
			summary.Applied++
		case ActionStateFailed:
			summary.Failed++
		case ActionStateSkipped:
			summary.Skipped++
		}
		summary.Retries += status.RetryCount
	}

	return summary
}

// MarkComplete marks the execution as complete
func (es *ExecutionState) MarkComplete() {
	es.mu.Lock()
	defer es.mu.Unlock()

	now := time.Now()
	es.endTime = &now
}

// ExecutionSummary provides a summary of execution state
type ExecutionSummary struct {
	Total     int
	Pending   int
	Applying  int
	Applied   int
	Failed    int
	Skipped   int
	Retries   int
	StartTime time.Time
	EndTime   *time.Time
}

// Duration returns how long execution took, or has taken so far
func (s ExecutionSummary) Duration() time.Duration {
	if s.EndTime == nil {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// IsTerminal returns true for states an action never leaves
func (s ActionState) IsTerminal() bool {
	return s == ActionStateApplied || s == ActionStateFailed || s == ActionStateSkipped
}

// validateStateTransition checks if a state transition is valid
func validateStateTransition(from, to ActionState) error {
	validTransitions := map[ActionState][]ActionState{
		ActionStatePending: {
			ActionStateApplying,
			ActionStateSkipped,
		},
		ActionStateApplying: {
			ActionStateApplied,
			ActionStateFailed,
		},
		ActionStateApplied: {},
		ActionStateFailed:  {},
		ActionStateSkipped: {},
	}

	allowed, found := validTransitions[from]
	if !found {
		return fmt.Errorf("unknown state: %s", from)
	}

	for _, allowedState := range allowed {
		if allowedState == to {
			return nil
		}
	}

	return fmt.Errorf("cannot transition from %s to %s", from, to)
}
