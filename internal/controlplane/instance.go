package controlplane

import (
	"fmt"
	"time"

	"github.com/zero-day-ai/stratagem/internal/types"
)

// Instance is the live, stateful deployment of a strategy. There is one
// instance per strategy id; it outlives individual plan versions.
type Instance struct {
	ID              types.ID      `json:"id"`
	StrategyID      string        `json:"strategy_id"`
	State           State         `json:"state"`
	PlanFingerprint string        `json:"plan_fingerprint,omitempty"`
	SpecVersion     int64         `json:"spec_version"`
	WorkerID        string        `json:"worker_id,omitempty"`
	LastHeartbeat   time.Time     `json:"last_heartbeat,omitempty"`
	LastHealth      *HealthSignal `json:"last_health,omitempty"`
	DeployAttempts  int           `json:"deploy_attempts"`
	NextDeployAt    time.Time     `json:"next_deploy_at,omitempty"`
	DeployDeadline  time.Time     `json:"deploy_deadline,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	History         []Transition  `json:"history"`
	Revision        int64         `json:"revision"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Transition is one entry of an instance's append-only history. Fingerprint and
// WorkerID are the values in effect after the transition.
type Transition struct {
	Seq         int       `json:"seq"`
	At          time.Time `json:"at"`
	From        State     `json:"from"`
	Event       Event     `json:"event"`
	To          State     `json:"to"`
	Cause       string    `json:"cause,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	WorkerID    string    `json:"worker_id,omitempty"`
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.History = append([]Transition(nil), i.History...)
	if i.LastHealth != nil {
		h := *i.LastHealth
		out.LastHealth = &h
	}
	return &out
}

// IsStale reports whether an Active instance violates its liveness invariant at
// now: no worker, or no heartbeat within threshold.
func (i *Instance) IsStale(now time.Time, threshold time.Duration) bool {
	if i.State != StateActive {
		return false
	}
	return i.WorkerID == "" || now.Sub(i.LastHeartbeat) > threshold
}

// PlanAt returns the fingerprint of the plan that was in effect at ts, taken
// from the last transition at or before ts. It returns "" when ts precedes the
// first transition.
func (i *Instance) PlanAt(ts time.Time) string {
	fp := ""
	for _, tr := range i.History {
		if tr.At.After(ts) {
			break
		}
		fp = tr.Fingerprint
	}
	return fp
}

// StateAt returns the lifecycle state at ts, or "" when ts precedes the
// instance's first transition.
func (i *Instance) StateAt(ts time.Time) State {
	var s State
	for _, tr := range i.History {
		if tr.At.After(ts) {
			break
		}
		s = tr.To
	}
	return s
}

// Severity grades a health signal.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is one of the defined values.
func (s Severity) IsValid() bool {
	return s == SeverityOK || s == SeverityWarning || s == SeverityCritical
}

// HealthSignal is a health report about an instance from an external
// collaborator. Any critical signal pauses an Active instance.
type HealthSignal struct {
	InstanceID types.ID  `json:"instance_id"`
	Severity   Severity  `json:"severity"`
	Score      float64   `json:"score,omitempty"`
	Source     string    `json:"source,omitempty"`
	Message    string    `json:"message,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Validate checks the signal's required fields.
func (h *HealthSignal) Validate() error {
	if h.InstanceID.IsZero() {
		return types.NewError(types.INVALID_ARGUMENT, "health signal requires an instance id")
	}
	if !h.Severity.IsValid() {
		return types.NewError(types.INVALID_ARGUMENT, fmt.Sprintf("unknown health severity %q", h.Severity))
	}
	return nil
}

// Outcome is a trade or execution event reported for an instance. The control
// plane stores it with the plan fingerprint in effect at ObservedAt and does not
// interpret it further.
type Outcome struct {
	ID          types.ID       `json:"id"`
	InstanceID  types.ID       `json:"instance_id"`
	StrategyID  string         `json:"strategy_id"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	ObservedAt  time.Time      `json:"observed_at"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// Validate checks the outcome's required fields.
func (o *Outcome) Validate() error {
	if o.InstanceID.IsZero() {
		return types.NewError(types.INVALID_ARGUMENT, "outcome requires an instance id")
	}
	if o.Kind == "" {
		return types.NewError(types.INVALID_ARGUMENT, "outcome requires a kind")
	}
	return nil
}

// InstanceFilter selects instances in List.
type InstanceFilter struct {
	States     []State
	StrategyID string
	WorkerID   string
}

// Matches reports whether inst passes the filter.
func (f InstanceFilter) Matches(inst *Instance) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if inst.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StrategyID != "" && inst.StrategyID != f.StrategyID {
		return false
	}
	if f.WorkerID != "" && inst.WorkerID != f.WorkerID {
		return false
	}
	return true
}
