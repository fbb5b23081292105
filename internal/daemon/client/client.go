// Package client provides a client library for the Stratagem daemon's
// ControlPlane gRPC service. It is used by the CLI and by workers.
package client

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zero-day-ai/stratagem/internal/controlplane"
	"github.com/zero-day-ai/stratagem/internal/daemon/api"
	"github.com/zero-day-ai/stratagem/internal/fleet"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// Client represents a connection to the Stratagem daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Connect creates a client for the daemon at address. The address is either
// host:port or a unix socket path ("unix:///path" or "/path"). The connection is
// established lazily on the first call.
func Connect(address string, opts ...grpc.DialOption) (*Client, error) {
	if address == "" {
		return nil, fmt.Errorf("daemon address cannot be empty")
	}

	target := address
	if strings.HasPrefix(address, "/") {
		target = "unix://" + address
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// call performs one unary RPC. Coded errors returned by the daemon are restored
// as *types.Error.
func call[Req, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	in, err := api.ToStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, api.FromStatus(err)
	}
	resp := new(Resp)
	if err := api.FromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitSpec submits a spec document.
func (c *Client) SubmitSpec(ctx context.Context, source []byte, file string) (*api.SubmitSpecResponse, error) {
	return call[api.SubmitSpecRequest, api.SubmitSpecResponse](ctx, c, api.MethodSubmitSpec,
		&api.SubmitSpecRequest{Source: string(source), File: file})
}

// GetInstance returns an instance by id.
func (c *Client) GetInstance(ctx context.Context, id types.ID) (*controlplane.Instance, error) {
	return instance(call[api.InstanceRequest, api.InstanceResponse](ctx, c, api.MethodGetInstance,
		&api.InstanceRequest{InstanceID: id}))
}

// GetInstanceByStrategy returns the instance of a strategy.
func (c *Client) GetInstanceByStrategy(ctx context.Context, strategyID string) (*controlplane.Instance, error) {
	return instance(call[api.InstanceRequest, api.InstanceResponse](ctx, c, api.MethodGetInstance,
		&api.InstanceRequest{StrategyID: strategyID}))
}

// ListInstances lists instances matching the filter.
func (c *Client) ListInstances(ctx context.Context, filter controlplane.InstanceFilter) ([]*controlplane.Instance, error) {
	resp, err := call[api.ListInstancesRequest, api.ListInstancesResponse](ctx, c, api.MethodListInstances,
		&api.ListInstancesRequest{States: filter.States, StrategyID: filter.StrategyID, WorkerID: filter.WorkerID})
	if err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

// History returns the transition history of an instance.
func (c *Client) History(ctx context.Context, id types.ID) ([]controlplane.Transition, error) {
	resp, err := call[api.InstanceRequest, api.HistoryResponse](ctx, c, api.MethodHistory,
		&api.InstanceRequest{InstanceID: id})
	if err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// Deploy starts deployment of a validated instance.
func (c *Client) Deploy(ctx context.Context, id types.ID) (*controlplane.Instance, error) {
	return c.transition(ctx, api.MethodDeploy, id, "")
}

// Resume redeploys a paused instance.
func (c *Client) Resume(ctx context.Context, id types.ID) (*controlplane.Instance, error) {
	return c.transition(ctx, api.MethodResume, id, "")
}

// Retire retires an instance.
func (c *Client) Retire(ctx context.Context, id types.ID, cause string) (*controlplane.Instance, error) {
	return c.transition(ctx, api.MethodRetire, id, cause)
}

// Fail marks an instance as failed.
func (c *Client) Fail(ctx context.Context, id types.ID, cause string) (*controlplane.Instance, error) {
	return c.transition(ctx, api.MethodFail, id, cause)
}

func (c *Client) transition(ctx context.Context, method string, id types.ID, cause string) (*controlplane.Instance, error) {
	return instance(call[api.TransitionRequest, api.InstanceResponse](ctx, c, method,
		&api.TransitionRequest{InstanceID: id, Cause: cause}))
}

// ReportHealth sends a health signal.
func (c *Client) ReportHealth(ctx context.Context, signal controlplane.HealthSignal) (*controlplane.Instance, error) {
	return instance(call[api.HealthRequest, api.InstanceResponse](ctx, c, api.MethodReportHealth, &signal))
}

// ReportOutcome sends an outcome.
func (c *Client) ReportOutcome(ctx context.Context, outcome controlplane.Outcome) (*controlplane.Outcome, error) {
	resp, err := call[api.OutcomeRequest, api.OutcomeResponse](ctx, c, api.MethodReportOutcome, &outcome)
	if err != nil {
		return nil, err
	}
	return resp.Outcome, nil
}

// Outcomes lists recorded outcomes of an instance. A limit of zero returns all.
func (c *Client) Outcomes(ctx context.Context, id types.ID, limit int) ([]*controlplane.Outcome, error) {
	resp, err := call[api.OutcomesRequest, api.OutcomesResponse](ctx, c, api.MethodOutcomes,
		&api.OutcomesRequest{InstanceID: id, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Outcomes, nil
}

// RegisterWorker announces a worker.
func (c *Client) RegisterWorker(ctx context.Context, reg fleet.Registration) (fleet.Worker, error) {
	resp, err := call[api.RegisterWorkerRequest, api.WorkerResponse](ctx, c, api.MethodRegisterWorker, &reg)
	if err != nil {
		return fleet.Worker{}, err
	}
	return resp.Worker, nil
}

// DeregisterWorker removes a worker.
func (c *Client) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := call[api.WorkerRequest, api.Empty](ctx, c, api.MethodDeregisterWorker,
		&api.WorkerRequest{WorkerID: workerID})
	return err
}

// Heartbeat reports a worker heartbeat for the instances it runs.
func (c *Client) Heartbeat(ctx context.Context, workerID string, instanceIDs []types.ID) (*api.HeartbeatResponse, error) {
	return call[api.HeartbeatRequest, api.HeartbeatResponse](ctx, c, api.MethodHeartbeat,
		&api.HeartbeatRequest{WorkerID: workerID, InstanceIDs: instanceIDs})
}

// AcceptAssignment confirms that workerID took over an instance.
func (c *Client) AcceptAssignment(ctx context.Context, id types.ID, workerID string) (*controlplane.Instance, error) {
	return instance(call[api.AcceptAssignmentRequest, api.InstanceResponse](ctx, c, api.MethodAcceptAssignment,
		&api.AcceptAssignmentRequest{InstanceID: id, WorkerID: workerID}))
}

// ListWorkers lists the fleet.
func (c *Client) ListWorkers(ctx context.Context) ([]fleet.Worker, error) {
	resp, err := call[api.Empty, api.ListWorkersResponse](ctx, c, api.MethodListWorkers, &api.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// GetPlan returns a stored plan with its lineage.
func (c *Client) GetPlan(ctx context.Context, fingerprint string) (*api.PlanResponse, error) {
	return call[api.PlanRequest, api.PlanResponse](ctx, c, api.MethodGetPlan,
		&api.PlanRequest{Fingerprint: fingerprint})
}

// Status returns a daemon summary.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return call[api.Empty, api.StatusResponse](ctx, c, api.MethodStatus, &api.Empty{})
}

func instance(resp *api.InstanceResponse, err error) (*controlplane.Instance, error) {
	if err != nil {
		return nil, err
	}
	return resp.Instance, nil
}
