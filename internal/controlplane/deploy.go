package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// beginDeploy starts deployment attempt number attempt.
func (c *Controller) beginDeploy(next *Instance, attempt int) {
	next.DeployAttempts = attempt
	next.DeployDeadline = c.now().Add(c.cfg.DeployTimeout)
	next.NextDeployAt = time.Time{}
	next.WorkerID = ""
	next.LastError = ""
}

// assignLocked asks the fleet for a worker for a Deploying instance. Failing to
// find one is not an error: the attempt stays open until its deadline and the
// reconciler retries. The caller holds the instance lock.
func (c *Controller) assignLocked(ctx context.Context, inst *Instance) (*Instance, error) {
	if inst.State != StateDeploying || inst.WorkerID != "" {
		return inst, nil
	}

	plan, err := c.registry.Get(ctx, inst.PlanFingerprint)
	if err != nil {
		c.logger.Error("plan unavailable for deployment",
			"instance_id", inst.ID,
			"fingerprint", inst.PlanFingerprint,
			"error", err,
		)
		return c.applyLocked(ctx, inst, EventUnrecoverableError, err.Error(), func(n *Instance) {
			n.LastError = err.Error()
		})
	}

	workerID, err := c.fleet.Assign(inst.ID.String(), plan.Requires)
	if err != nil {
		c.metrics.RecordCounter(MetricAssignmentFailures, 1, nil)
		c.logger.Warn("no worker available",
			"instance_id", inst.ID,
			"strategy_id", inst.StrategyID,
			"attempt", inst.DeployAttempts,
			"requires", plan.Requires,
			"error", err,
		)
		c.publish(ctx, events.Event{
			Type:       events.EventAssignmentFailed,
			InstanceID: inst.ID,
			StrategyID: inst.StrategyID,
			Payload: events.AssignmentFailedPayload{
				Attempt:  inst.DeployAttempts,
				Requires: plan.Requires,
				Error:    err.Error(),
				RetryAt:  inst.DeployDeadline,
			},
		})
		if inst.LastError == err.Error() {
			return inst, nil
		}
		return c.saveLocked(ctx, inst, func(n *Instance) {
			n.LastError = err.Error()
		})
	}

	next, err := c.saveLocked(ctx, inst, func(n *Instance) {
		n.WorkerID = workerID
		n.LastError = ""
	})
	if err != nil {
		c.fleet.Release(inst.ID.String())
		return nil, err
	}
	c.logger.Info("instance assigned",
		"instance_id", next.ID,
		"strategy_id", next.StrategyID,
		"worker_id", workerID,
		"attempt", next.DeployAttempts,
	)
	return next, nil
}

// Deploy requests deployment of a Validated instance and attempts to assign it
// to a worker right away.
func (c *Controller) Deploy(ctx context.Context, id types.ID) (*Instance, error) {
	ctx, span := c.tracer.Start(ctx, "controlplane.Deploy")
	defer span.End()

	return c.withInstance(ctx, id, func(inst *Instance) (*Instance, error) {
		next, err := c.applyLocked(ctx, inst, EventDeployRequested, "deploy requested", func(n *Instance) {
			c.beginDeploy(n, 1)
		})
		if err != nil {
			return nil, err
		}
		return c.assignLocked(ctx, next)
	})
}

// AcceptAssignment records that workerID has picked up the instance assigned
// to it, making the instance Active. Accepting twice is harmless.
func (c *Controller) AcceptAssignment(ctx context.Context, id types.ID, workerID string) (*Instance, error) {
	if workerID == "" {
		return nil, types.NewError(types.INVALID_ARGUMENT, "worker id is required")
	}
	return c.withInstance(ctx, id, func(inst *Instance) (*Instance, error) {
		if inst.State == StateActive && inst.WorkerID == workerID {
			return inst, nil
		}
		return c.acceptLocked(ctx, inst, workerID)
	})
}

func (c *Controller) acceptLocked(ctx context.Context, inst *Instance, workerID string) (*Instance, error) {
	if !CanApply(inst.State, EventWorkerAccepted) {
		_, err := Next(inst.State, EventWorkerAccepted)
		return nil, err
	}
	if assigned, ok := c.fleet.AssignedTo(inst.ID.String()); inst.WorkerID != workerID || !ok || assigned != workerID {
		return nil, types.NewError(types.WORKER_NOT_ASSIGNED,
			fmt.Sprintf("instance %s is not assigned to worker %s", inst.ID, workerID))
	}
	if err := c.fleet.Heartbeat(workerID); err != nil {
		return nil, err
	}
	now := c.now()
	return c.applyLocked(ctx, inst, EventWorkerAccepted, "accepted by "+workerID, func(n *Instance) {
		n.LastHeartbeat = now
		n.DeployAttempts = 0
		n.DeployDeadline = time.Time{}
		n.NextDeployAt = time.Time{}
		n.LastError = ""
	})
}

// Resume re-enters the assignment path for a Paused instance.
func (c *Controller) Resume(ctx context.Context, id types.ID) (*Instance, error) {
	ctx, span := c.tracer.Start(ctx, "controlplane.Resume")
	defer span.End()

	return c.withInstance(ctx, id, func(inst *Instance) (*Instance, error) {
		next, err := c.applyLocked(ctx, inst, EventResumeRequested, "resume requested", func(n *Instance) {
			c.beginDeploy(n, 1)
		})
		if err != nil {
			return nil, err
		}
		return c.assignLocked(ctx, next)
	})
}

// Retire permanently stops a Paused instance and releases its plan.
func (c *Controller) Retire(ctx context.Context, id types.ID, cause string) (*Instance, error) {
	if cause == "" {
		cause = "retire requested"
	}
	next, err := c.withInstance(ctx, id, func(inst *Instance) (*Instance, error) {
		next, err := c.applyLocked(ctx, inst, EventRetireRequested, cause, c.clearWorker)
		if err != nil {
			return nil, err
		}
		if next.PlanFingerprint != "" {
			c.releasePlan(ctx, next.PlanFingerprint)
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if next.State == StateRetired {
		// Retired is terminal; store revisions still guard a late writer.
		c.locks.Delete(id.String())
	}
	return next, nil
}

// Fail moves a non-terminal instance to Failed. The plan stays referenced so
// the failure can be inspected.
func (c *Controller) Fail(ctx context.Context, id types.ID, cause string) (*Instance, error) {
	if cause == "" {
		cause = "unrecoverable error"
	}
	return c.withInstance(ctx, id, func(inst *Instance) (*Instance, error) {
		return c.applyLocked(ctx, inst, EventUnrecoverableError, cause, func(n *Instance) {
			c.clearWorker(n)
			n.LastError = cause
		})
	})
}
