package controlplane

import (
	"fmt"

	"github.com/zero-day-ai/stratagem/internal/types"
)

// State is the lifecycle state of a strategy instance.
type State string

const (
	StateDraft     State = "draft"
	StateValidated State = "validated"
	StateDeploying State = "deploying"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateRetired   State = "retired"
	StateFailed    State = "failed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid checks if the state is one of the defined states.
func (s State) IsValid() bool {
	for _, known := range AllStates() {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the state has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateRetired || s == StateFailed
}

// AllStates lists every lifecycle state.
func AllStates() []State {
	return []State{StateDraft, StateValidated, StateDeploying, StateActive, StatePaused, StateRetired, StateFailed}
}

// Event is an input to the lifecycle state machine.
type Event string

const (
	EventCompileSucceeded   Event = "compile_succeeded"
	EventCompileFailed      Event = "compile_failed"
	EventDeployRequested    Event = "deploy_requested"
	EventWorkerAccepted     Event = "worker_accepted"
	EventDeployTimedOut     Event = "deploy_timed_out"
	EventHeartbeatMissed    Event = "heartbeat_missed"
	EventHealthCritical     Event = "health_critical"
	EventResumeRequested    Event = "resume_requested"
	EventRetireRequested    Event = "retire_requested"
	EventUnrecoverableError Event = "unrecoverable_error"
)

// String returns the string representation of the event.
func (e Event) String() string {
	return string(e)
}

// AllEvents lists every lifecycle event.
func AllEvents() []Event {
	return []Event{
		EventCompileSucceeded, EventCompileFailed, EventDeployRequested, EventWorkerAccepted,
		EventDeployTimedOut, EventHeartbeatMissed, EventHealthCritical, EventResumeRequested,
		EventRetireRequested, EventUnrecoverableError,
	}
}

type edge struct {
	from  State
	event Event
}

// transitions is the complete lifecycle table. A pair missing from it is
// rejected. compile_failed maps every non-terminal state to itself: failed
// recompilations never move an instance.
var transitions = map[edge]State{
	{StateDraft, EventCompileSucceeded}: StateValidated,
	{StateDraft, EventCompileFailed}:    StateDraft,

	{StateValidated, EventDeployRequested}:  StateDeploying,
	{StateValidated, EventCompileSucceeded}: StateValidated,
	{StateValidated, EventCompileFailed}:    StateValidated,

	{StateDeploying, EventWorkerAccepted}: StateActive,
	{StateDeploying, EventDeployTimedOut}: StateValidated,
	{StateDeploying, EventCompileFailed}:  StateDeploying,

	{StateActive, EventHeartbeatMissed}:  StatePaused,
	{StateActive, EventHealthCritical}:   StatePaused,
	{StateActive, EventCompileSucceeded}: StateDeploying,
	{StateActive, EventCompileFailed}:    StateActive,

	{StatePaused, EventResumeRequested}:  StateDeploying,
	{StatePaused, EventRetireRequested}:  StateRetired,
	{StatePaused, EventCompileSucceeded}: StatePaused,
	{StatePaused, EventCompileFailed}:    StatePaused,
}

// Next returns the state reached by applying event in state from. Pairs that
// are not part of the lifecycle yield INVALID_TRANSITION.
func Next(from State, event Event) (State, error) {
	if !from.IsTerminal() && from.IsValid() && event == EventUnrecoverableError {
		return StateFailed, nil
	}
	if to, ok := transitions[edge{from, event}]; ok {
		return to, nil
	}
	return "", types.NewError(types.INVALID_TRANSITION,
		fmt.Sprintf("event %s is not allowed in state %s", event, from))
}

// CanApply reports whether event is accepted in state from.
func CanApply(from State, event Event) bool {
	_, err := Next(from, event)
	return err == nil
}
