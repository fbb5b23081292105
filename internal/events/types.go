package events

import (
	"time"

	"github.com/zero-day-ai/stratagem/internal/types"
)

// EventType identifies the category and nature of an event published by the
// control plane.
type EventType string

// Strategy and plan events.
const (
	EventSpecSubmitted      EventType = "spec.submitted"
	EventPlanCompiled       EventType = "plan.compiled"
	EventCompilationFailed  EventType = "plan.compilation_failed"
	EventRegistryCorruption EventType = "registry.corruption"
	EventPlansCollected     EventType = "registry.collected"
)

// Instance lifecycle events.
const (
	EventInstanceCreated      EventType = "instance.created"
	EventInstanceTransitioned EventType = "instance.transitioned"
	EventAssignmentFailed     EventType = "instance.assignment_failed"
	EventHealthReported       EventType = "instance.health_reported"
	EventOutcomeRecorded      EventType = "instance.outcome_recorded"
)

// Worker fleet events.
const (
	EventWorkerRegistered   EventType = "worker.registered"
	EventWorkerDeregistered EventType = "worker.deregistered"
	EventWorkerStale        EventType = "worker.stale"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is a single control plane event. Events are JSON-serializable so that
// they can be exported to external collaborators unchanged.
type Event struct {
	// Type identifies the category and nature of the event
	Type EventType `json:"type"`

	// Timestamp records when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Offset is assigned by the bus and increases by one per published event
	Offset uint64 `json:"offset"`

	// KeySeq numbers the events sharing a Key, starting at 1
	KeySeq uint64 `json:"key_seq,omitempty"`

	// InstanceID associates the event with a strategy instance (empty for fleet events)
	InstanceID types.ID `json:"instance_id,omitempty"`

	// StrategyID associates the event with a strategy
	StrategyID string `json:"strategy_id,omitempty"`

	// WorkerID identifies the worker involved, if any
	WorkerID string `json:"worker_id,omitempty"`

	// TraceID is the OpenTelemetry trace ID for distributed tracing correlation
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID for the specific operation
	SpanID string `json:"span_id,omitempty"`

	// Payload contains event-specific typed data (use type assertion to access)
	Payload any `json:"payload,omitempty"`

	// Attrs contains additional key-value attributes for flexible event metadata
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Key returns the partitioning key of the event: the strategy id when present,
// otherwise the worker id.
func (e Event) Key() string {
	if e.StrategyID != "" {
		return e.StrategyID
	}
	return e.WorkerID
}

// Transition returns the payload of an instance.transitioned event.
func (e Event) Transition() (TransitionPayload, bool) {
	if e.Type != EventInstanceTransitioned {
		return TransitionPayload{}, false
	}
	p, ok := e.Payload.(TransitionPayload)
	return p, ok
}

// Filter defines criteria for filtering events in subscriptions.
// All filter fields use AND logic - an event must match all specified criteria.
// Empty fields act as wildcards (match all).
type Filter struct {
	// Types filters by event types (empty = all types)
	Types []EventType `json:"types,omitempty"`

	// InstanceID filters by instance (empty = all instances)
	InstanceID types.ID `json:"instance_id,omitempty"`

	// StrategyID filters by strategy (empty = all strategies)
	StrategyID string `json:"strategy_id,omitempty"`

	// WorkerID filters by worker (empty = all workers)
	WorkerID string `json:"worker_id,omitempty"`
}

// Matches determines if the given event matches this filter's criteria.
func (f *Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.InstanceID != "" && event.InstanceID != f.InstanceID {
		return false
	}
	if f.StrategyID != "" && event.StrategyID != f.StrategyID {
		return false
	}
	if f.WorkerID != "" && event.WorkerID != f.WorkerID {
		return false
	}

	return true
}

// Payload Types

// SpecSubmittedPayload contains data for spec.submitted events.
type SpecSubmittedPayload struct {
	SpecVersion int64  `json:"spec_version"`
	Author      string `json:"author,omitempty"`
}

// PlanCompiledPayload contains data for plan.compiled events.
type PlanCompiledPayload struct {
	SpecVersion     int64         `json:"spec_version"`
	Fingerprint     string        `json:"fingerprint"`
	CompilerVersion string        `json:"compiler_version"`
	Instructions    int           `json:"instructions"`
	Warnings        int           `json:"warnings"`
	Duration        time.Duration `json:"duration"`
}

// CompilationFailedPayload contains data for plan.compilation_failed events.
type CompilationFailedPayload struct {
	SpecVersion int64    `json:"spec_version"`
	Errors      int      `json:"errors"`
	Messages    []string `json:"messages"`
}

// RegistryCorruptionPayload contains data for registry.corruption events.
type RegistryCorruptionPayload struct {
	Fingerprint string `json:"fingerprint"`
	SpecVersion int64  `json:"spec_version"`
	Error       string `json:"error"`
}

// PlansCollectedPayload contains data for registry.collected events.
type PlansCollectedPayload struct {
	Fingerprints []string `json:"fingerprints"`
}

// InstanceCreatedPayload contains data for instance.created events.
type InstanceCreatedPayload struct {
	State string `json:"state"`
}

// TransitionPayload contains data for instance.transitioned events.
type TransitionPayload struct {
	Seq         int    `json:"seq"`
	From        string `json:"from"`
	Event       string `json:"event"`
	To          string `json:"to"`
	Cause       string `json:"cause,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// AssignmentFailedPayload contains data for instance.assignment_failed events.
type AssignmentFailedPayload struct {
	Attempt  int       `json:"attempt"`
	Requires []string  `json:"requires,omitempty"`
	Error    string    `json:"error"`
	RetryAt  time.Time `json:"retry_at,omitempty"`
}

// HealthReportedPayload contains data for instance.health_reported events.
type HealthReportedPayload struct {
	Severity string  `json:"severity"`
	Score    float64 `json:"score"`
	Source   string  `json:"source,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// OutcomeRecordedPayload contains data for instance.outcome_recorded events.
type OutcomeRecordedPayload struct {
	OutcomeID   types.ID       `json:"outcome_id"`
	Kind        string         `json:"kind"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	ObservedAt  time.Time      `json:"observed_at"`
	Data        map[string]any `json:"data,omitempty"`
}

// WorkerRegisteredPayload contains data for worker.registered events.
type WorkerRegisteredPayload struct {
	Capabilities []string `json:"capabilities"`
	Source       string   `json:"source"`
}

// WorkerDeregisteredPayload contains data for worker.deregistered and
// worker.stale events.
type WorkerDeregisteredPayload struct {
	Instances []string `json:"instances,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}
