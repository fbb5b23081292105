package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// ReconcileReport lists the instances a reconciliation pass acted on.
type ReconcileReport struct {
	Paused     []types.ID `json:"paused,omitempty"`
	Assigned   []types.ID `json:"assigned,omitempty"`
	TimedOut   []types.ID `json:"timed_out,omitempty"`
	Redeployed []types.ID `json:"redeployed,omitempty"`
	Failed     []types.ID `json:"failed,omitempty"`
}

// Empty reports whether the pass changed nothing.
func (r *ReconcileReport) Empty() bool {
	return len(r.Paused)+len(r.Assigned)+len(r.TimedOut)+len(r.Redeployed)+len(r.Failed) == 0
}

// Reconcile runs one pass of the periodic maintenance:
//
//   - workers silent beyond the staleness threshold lose their assignments and
//     their Active instances are paused;
//   - Active instances without a fresh heartbeat are paused;
//   - open deployment attempts retry assignment, and expired ones time out,
//     scheduling a retry with backoff or failing after the last attempt;
//   - Validated instances whose retry is due are redeployed.
//
// Errors for individual instances are collected and do not stop the pass.
func (c *Controller) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := c.tracer.Start(ctx, "controlplane.Reconcile")
	defer span.End()

	report := &ReconcileReport{}
	var errs error
	keep := func(err error) {
		if err != nil && !types.HasCode(err, types.CONCURRENCY_CONFLICT) && !types.HasCode(err, types.NOT_FOUND) {
			errs = multierr.Append(errs, err)
		}
	}

	for _, sw := range c.fleet.Sweep() {
		c.publish(ctx, events.Event{
			Type:     events.EventWorkerStale,
			WorkerID: sw.WorkerID,
			Payload:  events.WorkerDeregisteredPayload{Instances: sw.Instances, Reason: "stale"},
		})
		cause := fmt.Sprintf("worker %s silent since %s", sw.WorkerID, sw.LastHeartbeat.Format(time.RFC3339))
		for _, raw := range sw.Instances {
			paused, err := c.detachWorker(ctx, types.ID(raw), sw.WorkerID, cause)
			keep(err)
			if paused {
				report.Paused = append(report.Paused, types.ID(raw))
			}
		}
	}

	active, err := c.stores.Instances.List(ctx, InstanceFilter{States: []State{StateActive}})
	if err != nil {
		return report, err
	}
	now := c.now()
	for _, inst := range active {
		if !inst.IsStale(now, c.cfg.StalenessThreshold) {
			continue
		}
		next, err := c.withInstance(ctx, inst.ID, nil)
		keep(err)
		if err == nil && next.State == StatePaused {
			report.Paused = append(report.Paused, inst.ID)
		}
	}

	deploying, err := c.stores.Instances.List(ctx, InstanceFilter{States: []State{StateDeploying}})
	if err != nil {
		return report, err
	}
	for _, inst := range deploying {
		_, err := c.withInstance(ctx, inst.ID, func(cur *Instance) (*Instance, error) {
			return c.reconcileDeployLocked(ctx, cur, report)
		})
		keep(err)
	}

	validated, err := c.stores.Instances.List(ctx, InstanceFilter{States: []State{StateValidated}})
	if err != nil {
		return report, err
	}
	now = c.now()
	for _, inst := range validated {
		if inst.NextDeployAt.IsZero() || now.Before(inst.NextDeployAt) {
			continue
		}
		_, err := c.withInstance(ctx, inst.ID, func(cur *Instance) (*Instance, error) {
			if cur.State != StateValidated || cur.NextDeployAt.IsZero() {
				return cur, nil
			}
			attempt := cur.DeployAttempts + 1
			next, err := c.applyLocked(ctx, cur, EventDeployRequested,
				fmt.Sprintf("retry deployment, attempt %d", attempt),
				func(n *Instance) { c.beginDeploy(n, attempt) })
			if err != nil {
				return nil, err
			}
			report.Redeployed = append(report.Redeployed, cur.ID)
			return c.assignLocked(ctx, next)
		})
		keep(err)
	}

	if !report.Empty() {
		c.logger.Info("reconciled",
			"paused", len(report.Paused),
			"assigned", len(report.Assigned),
			"timed_out", len(report.TimedOut),
			"redeployed", len(report.Redeployed),
			"failed", len(report.Failed),
		)
	}
	return report, errs
}

func (c *Controller) reconcileDeployLocked(ctx context.Context, inst *Instance, report *ReconcileReport) (*Instance, error) {
	if inst.State != StateDeploying {
		return inst, nil
	}
	now := c.now()
	if inst.DeployDeadline.IsZero() || now.Before(inst.DeployDeadline) {
		if inst.WorkerID != "" {
			return inst, nil
		}
		next, err := c.assignLocked(ctx, inst)
		if err == nil && next.WorkerID != "" {
			report.Assigned = append(report.Assigned, inst.ID)
		}
		return next, err
	}

	if inst.DeployAttempts >= c.cfg.MaxDeployAttempts {
		reason := inst.LastError
		if reason == "" {
			reason = "deployment timed out"
		}
		cause := types.WrapError(types.ASSIGNMENT_FAILED,
			fmt.Sprintf("gave up after %d deployment attempts", inst.DeployAttempts),
			errors.New(reason)).Error()
		next, err := c.applyLocked(ctx, inst, EventUnrecoverableError, cause, func(n *Instance) {
			c.clearWorker(n)
			n.DeployDeadline = time.Time{}
			n.LastError = cause
		})
		if err == nil {
			report.Failed = append(report.Failed, inst.ID)
		}
		return next, err
	}

	retryAt := now.Add(c.cfg.Backoff.Next(inst.DeployAttempts))
	cause := fmt.Sprintf("attempt %d timed out, retry at %s", inst.DeployAttempts, retryAt.Format(time.RFC3339))
	next, err := c.applyLocked(ctx, inst, EventDeployTimedOut, cause, func(n *Instance) {
		c.clearWorker(n)
		n.DeployDeadline = time.Time{}
		n.NextDeployAt = retryAt
		if n.LastError == "" {
			n.LastError = "deployment timed out"
		}
	})
	if err == nil {
		report.TimedOut = append(report.TimedOut, inst.ID)
	}
	return next, err
}

// detachWorker handles an instance whose worker is gone: an Active instance is
// paused, a Deploying one goes back to waiting for assignment.
func (c *Controller) detachWorker(ctx context.Context, id types.ID, workerID, cause string) (bool, error) {
	paused := false
	_, err := c.locked(ctx, id, func(inst *Instance) (*Instance, error) {
		if inst.WorkerID != workerID {
			return inst, nil
		}
		switch inst.State {
		case StateActive:
			next, err := c.applyLocked(ctx, inst, EventHeartbeatMissed, cause, c.clearWorker)
			if err != nil {
				return nil, err
			}
			paused = true
			return next, nil
		case StateDeploying:
			return c.saveLocked(ctx, inst, c.clearWorker)
		}
		return inst, nil
	})
	return paused, err
}

// CollectPlans removes unreferenced plans from the registry.
func (c *Controller) CollectPlans(ctx context.Context) ([]string, error) {
	removed, err := c.registry.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		c.metrics.RecordCounter(MetricPlansCollected, int64(len(removed)), nil)
		c.logger.Info("collected unreferenced plans", "count", len(removed))
		c.publish(ctx, events.Event{
			Type:    events.EventPlansCollected,
			Payload: events.PlansCollectedPayload{Fingerprints: removed},
		})
	}
	return removed, nil
}
