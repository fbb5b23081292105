// Package api exposes the control plane over gRPC as the
// stratagem.v1.ControlPlane service.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/zero-day-ai/stratagem/internal/controlplane"
	"github.com/zero-day-ai/stratagem/internal/registry"
	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
	"github.com/zero-day-ai/stratagem/pkg/version"
)

// Server implements ControlPlaneServer by delegating to a Controller.
type Server struct {
	ctl       *controlplane.Controller
	registry  registry.Registry
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates a Server.
func NewServer(ctl *controlplane.Controller, reg registry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctl:       ctl,
		registry:  reg,
		logger:    logger.With("component", "grpc-api"),
		startTime: time.Now(),
	}
}

var _ ControlPlaneServer = (*Server)(nil)

// SubmitSpec parses the document and submits it. Parse errors are returned as
// INVALID_ARGUMENT; compile errors come back as diagnostics.
func (s *Server) SubmitSpec(ctx context.Context, req *SubmitSpecRequest) (*SubmitSpecResponse, error) {
	file := req.File
	if file == "" {
		file = "<request>"
	}
	spec, err := strategy.ParseSpec([]byte(req.Source), file)
	if err != nil {
		return nil, types.WrapError(types.INVALID_ARGUMENT, "spec does not parse", err)
	}

	result, err := s.ctl.SubmitSpec(ctx, spec)
	if err != nil {
		return nil, err
	}

	resp := &SubmitSpecResponse{
		Instance:    result.Instance,
		Compiled:    result.Compiled(),
		Unchanged:   result.Unchanged,
		Diagnostics: result.Diagnostics(),
	}
	if result.Compiled() {
		resp.Fingerprint = result.Compilation.Plan.Fingerprint
	}
	s.logger.InfoContext(ctx, "spec submitted",
		"strategy_id", spec.ID,
		"version", spec.Version,
		"compiled", resp.Compiled,
	)
	return resp, nil
}

// GetInstance returns an instance by id or by strategy id.
func (s *Server) GetInstance(ctx context.Context, req *InstanceRequest) (*InstanceResponse, error) {
	var (
		inst *controlplane.Instance
		err  error
	)
	switch {
	case !req.InstanceID.IsZero():
		inst, err = s.ctl.GetInstance(ctx, req.InstanceID)
	case req.StrategyID != "":
		inst, err = s.ctl.GetInstanceByStrategy(ctx, req.StrategyID)
	default:
		return nil, types.NewError(types.INVALID_ARGUMENT, "instance_id or strategy_id is required")
	}
	if err != nil {
		return nil, err
	}
	return &InstanceResponse{Instance: inst}, nil
}

// ListInstances lists instances matching the filter.
func (s *Server) ListInstances(ctx context.Context, req *ListInstancesRequest) (*ListInstancesResponse, error) {
	list, err := s.ctl.ListInstances(ctx, controlplane.InstanceFilter{
		States:     req.States,
		StrategyID: req.StrategyID,
		WorkerID:   req.WorkerID,
	})
	if err != nil {
		return nil, err
	}
	return &ListInstancesResponse{Instances: list}, nil
}

// History returns the transition history of an instance.
func (s *Server) History(ctx context.Context, req *InstanceRequest) (*HistoryResponse, error) {
	id, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	history, err := s.ctl.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{Transitions: history}, nil
}

// Deploy starts deployment of a validated instance.
func (s *Server) Deploy(ctx context.Context, req *TransitionRequest) (*InstanceResponse, error) {
	return instanceResponse(s.ctl.Deploy(ctx, req.InstanceID))
}

// Resume redeploys a paused instance.
func (s *Server) Resume(ctx context.Context, req *TransitionRequest) (*InstanceResponse, error) {
	return instanceResponse(s.ctl.Resume(ctx, req.InstanceID))
}

// Retire retires an instance.
func (s *Server) Retire(ctx context.Context, req *TransitionRequest) (*InstanceResponse, error) {
	return instanceResponse(s.ctl.Retire(ctx, req.InstanceID, req.Cause))
}

// Fail marks an instance as failed.
func (s *Server) Fail(ctx context.Context, req *TransitionRequest) (*InstanceResponse, error) {
	return instanceResponse(s.ctl.Fail(ctx, req.InstanceID, req.Cause))
}

// ReportHealth records a health signal.
func (s *Server) ReportHealth(ctx context.Context, req *HealthRequest) (*InstanceResponse, error) {
	return instanceResponse(s.ctl.ReportHealth(ctx, *req))
}

// ReportOutcome records an outcome.
func (s *Server) ReportOutcome(ctx context.Context, req *OutcomeRequest) (*OutcomeResponse, error) {
	out, err := s.ctl.ReportOutcome(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &OutcomeResponse{Outcome: out}, nil
}

// Outcomes lists recorded outcomes of an instance.
func (s *Server) Outcomes(ctx context.Context, req *OutcomesRequest) (*OutcomesResponse, error) {
	list, err := s.ctl.Outcomes(ctx, req.InstanceID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &OutcomesResponse{Outcomes: list}, nil
}

// RegisterWorker adds a worker to the fleet.
func (s *Server) RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*WorkerResponse, error) {
	w, err := s.ctl.RegisterWorker(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &WorkerResponse{Worker: w}, nil
}

// DeregisterWorker removes a worker.
func (s *Server) DeregisterWorker(ctx context.Context, req *WorkerRequest) (*Empty, error) {
	if err := s.ctl.DeregisterWorker(ctx, req.WorkerID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// Heartbeat records a worker heartbeat.
func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	result, err := s.ctl.Heartbeat(ctx, req.WorkerID, req.InstanceIDs)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{Accepted: result.Accepted, Ignored: result.Ignored}, nil
}

// AcceptAssignment confirms an assignment.
func (s *Server) AcceptAssignment(ctx context.Context, req *AcceptAssignmentRequest) (*InstanceResponse, error) {
	return instanceResponse(s.ctl.AcceptAssignment(ctx, req.InstanceID, req.WorkerID))
}

// ListWorkers lists the fleet.
func (s *Server) ListWorkers(ctx context.Context, _ *Empty) (*ListWorkersResponse, error) {
	return &ListWorkersResponse{Workers: s.ctl.ListWorkers(ctx)}, nil
}

// GetPlan returns a stored plan and its lineage.
func (s *Server) GetPlan(ctx context.Context, req *PlanRequest) (*PlanResponse, error) {
	plan, err := s.ctl.Plan(ctx, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	lineage, err := s.registry.Lineage(ctx, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	return &PlanResponse{Plan: plan, Lineage: lineage}, nil
}

// Status summarizes the daemon.
func (s *Server) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	instances, err := s.ctl.ListInstances(ctx, controlplane.InstanceFilter{})
	if err != nil {
		return nil, err
	}
	stats, err := s.registry.Stats(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[controlplane.State]int)
	for _, inst := range instances {
		counts[inst.State]++
	}
	return &StatusResponse{
		Version:   version.Version,
		StartTime: s.startTime,
		Uptime:    time.Since(s.startTime).Truncate(time.Second).String(),
		Instances: counts,
		Workers:   len(s.ctl.ListWorkers(ctx)),
		Registry:  stats,
	}, nil
}

func (s *Server) resolve(ctx context.Context, req *InstanceRequest) (types.ID, error) {
	if !req.InstanceID.IsZero() {
		return req.InstanceID, nil
	}
	if req.StrategyID == "" {
		return "", types.NewError(types.INVALID_ARGUMENT, "instance_id or strategy_id is required")
	}
	inst, err := s.ctl.GetInstanceByStrategy(ctx, req.StrategyID)
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}

func instanceResponse(inst *controlplane.Instance, err error) (*InstanceResponse, error) {
	if err != nil {
		return nil, err
	}
	return &InstanceResponse{Instance: inst}, nil
}
