package api

import (
	"time"

	"github.com/zero-day-ai/stratagem/internal/controlplane"
	"github.com/zero-day-ai/stratagem/internal/fleet"
	"github.com/zero-day-ai/stratagem/internal/registry"
	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

// SubmitSpecRequest carries a spec document. File is only used to label
// diagnostic locations.
type SubmitSpecRequest struct {
	Source string `json:"source"`
	File   string `json:"file,omitempty"`
}

// SubmitSpecResponse reports the outcome of a submission.
type SubmitSpecResponse struct {
	Instance    *controlplane.Instance `json:"instance"`
	Compiled    bool                   `json:"compiled"`
	Unchanged   bool                   `json:"unchanged,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Diagnostics strategy.Diagnostics   `json:"diagnostics"`
}

// InstanceRequest selects an instance by id, or by strategy id when InstanceID
// is empty.
type InstanceRequest struct {
	InstanceID types.ID `json:"instance_id"`
	StrategyID string   `json:"strategy_id,omitempty"`
}

// InstanceResponse wraps one instance.
type InstanceResponse struct {
	Instance *controlplane.Instance `json:"instance"`
}

// ListInstancesRequest filters ListInstances.
type ListInstancesRequest struct {
	States     []controlplane.State `json:"states,omitempty"`
	StrategyID string               `json:"strategy_id,omitempty"`
	WorkerID   string               `json:"worker_id,omitempty"`
}

// ListInstancesResponse lists instances ordered by strategy id.
type ListInstancesResponse struct {
	Instances []*controlplane.Instance `json:"instances"`
}

// HistoryResponse lists transitions oldest first.
type HistoryResponse struct {
	Transitions []controlplane.Transition `json:"transitions"`
}

// TransitionRequest drives an explicit lifecycle operation.
type TransitionRequest struct {
	InstanceID types.ID `json:"instance_id"`
	Cause      string   `json:"cause,omitempty"`
}

// HealthRequest is a health signal about an instance.
type HealthRequest = controlplane.HealthSignal

// OutcomeRequest is an outcome reported for an instance.
type OutcomeRequest = controlplane.Outcome

// RegisterWorkerRequest announces a worker.
type RegisterWorkerRequest = fleet.Registration

// OutcomesRequest pages the outcome log of an instance.
type OutcomesRequest struct {
	InstanceID types.ID `json:"instance_id"`
	Limit      int      `json:"limit,omitempty"`
}

// OutcomeResponse wraps a stored outcome.
type OutcomeResponse struct {
	Outcome *controlplane.Outcome `json:"outcome"`
}

// OutcomesResponse lists outcomes oldest first.
type OutcomesResponse struct {
	Outcomes []*controlplane.Outcome `json:"outcomes"`
}

// WorkerRequest names a worker.
type WorkerRequest struct {
	WorkerID string `json:"worker_id"`
}

// WorkerResponse wraps a worker snapshot.
type WorkerResponse struct {
	Worker fleet.Worker `json:"worker"`
}

// ListWorkersResponse lists workers ordered by id.
type ListWorkersResponse struct {
	Workers []fleet.Worker `json:"workers"`
}

// HeartbeatRequest is a worker's liveness report for the instances it runs.
type HeartbeatRequest struct {
	WorkerID    string     `json:"worker_id"`
	InstanceIDs []types.ID `json:"instance_ids"`
}

// HeartbeatResponse splits the reported instances into accepted and ignored.
type HeartbeatResponse struct {
	Accepted []types.ID `json:"accepted"`
	Ignored  []types.ID `json:"ignored"`
}

// AcceptAssignmentRequest confirms that a worker took over an instance.
type AcceptAssignmentRequest struct {
	InstanceID types.ID `json:"instance_id"`
	WorkerID   string   `json:"worker_id"`
}

// PlanRequest selects a plan by fingerprint.
type PlanRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// PlanResponse returns a plan with its lineage.
type PlanResponse struct {
	Plan    *strategy.ExecutionPlan `json:"plan"`
	Lineage []registry.Lineage      `json:"lineage"`
}

// StatusResponse summarizes the daemon.
type StatusResponse struct {
	Version   string                     `json:"version"`
	StartTime time.Time                  `json:"start_time"`
	Uptime    string                     `json:"uptime"`
	Instances map[controlplane.State]int `json:"instances"`
	Workers   int                        `json:"workers"`
	Registry  registry.Stats             `json:"registry"`
}
