package controlplane

import (
	"context"
	"fmt"

	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// HeartbeatResult lists which instances a heartbeat was applied to.
type HeartbeatResult struct {
	Accepted []types.ID `json:"accepted"`
	Ignored  []types.ID `json:"ignored"`
}

// Heartbeat records that a worker is alive and still running the given
// instances. An instance is only refreshed when the worker holds its
// assignment; all others are ignored and reported back. A heartbeat for a
// Deploying instance from its assigned worker counts as acceptance.
func (c *Controller) Heartbeat(ctx context.Context, workerID string, instanceIDs []types.ID) (*HeartbeatResult, error) {
	if err := c.fleet.Heartbeat(workerID); err != nil {
		return nil, err
	}

	res := &HeartbeatResult{Accepted: []types.ID{}, Ignored: []types.ID{}}
	for _, id := range instanceIDs {
		accepted := false
		_, err := c.withInstance(ctx, id, func(inst *Instance) (*Instance, error) {
			assigned, ok := c.fleet.AssignedTo(inst.ID.String())
			if inst.WorkerID != workerID || !ok || assigned != workerID {
				return inst, nil
			}
			switch inst.State {
			case StateActive:
				now := c.now()
				next, err := c.saveLocked(ctx, inst, func(n *Instance) {
					n.LastHeartbeat = now
				})
				if err != nil {
					return nil, err
				}
				accepted = true
				return next, nil
			case StateDeploying:
				next, err := c.acceptLocked(ctx, inst, workerID)
				if err != nil {
					return nil, err
				}
				accepted = true
				return next, nil
			}
			return inst, nil
		})
		if err != nil && !types.HasCode(err, types.NOT_FOUND) {
			c.logger.Warn("heartbeat not applied", "worker_id", workerID, "instance_id", id, "error", err)
		}
		if accepted {
			res.Accepted = append(res.Accepted, id)
			continue
		}
		res.Ignored = append(res.Ignored, id)
		c.metrics.RecordCounter(MetricHeartbeatsIgnored, 1, nil)
		c.logger.Debug("heartbeat ignored", "worker_id", workerID, "instance_id", id)
	}
	return res, nil
}

// ReportHealth records a health signal. A critical signal pauses an Active
// instance immediately and releases its worker.
func (c *Controller) ReportHealth(ctx context.Context, signal HealthSignal) (*Instance, error) {
	if err := signal.Validate(); err != nil {
		return nil, err
	}
	if signal.ObservedAt.IsZero() {
		signal.ObservedAt = c.now()
	}

	recorded := false
	next, err := c.withInstance(ctx, signal.InstanceID, func(inst *Instance) (*Instance, error) {
		record := func(n *Instance) {
			h := signal
			n.LastHealth = &h
		}
		store := func(next *Instance, err error) (*Instance, error) {
			recorded = err == nil
			return next, err
		}
		if signal.Severity == SeverityCritical && inst.State == StateActive {
			cause := "critical health signal"
			if signal.Source != "" {
				cause = fmt.Sprintf("critical health signal from %s", signal.Source)
			}
			if signal.Message != "" {
				cause += ": " + signal.Message
			}
			return store(c.applyLocked(ctx, inst, EventHealthCritical, cause, func(n *Instance) {
				record(n)
				c.clearWorker(n)
			}))
		}
		return store(c.saveLocked(ctx, inst, record))
	})
	if err != nil || !recorded {
		return next, err
	}

	c.publish(ctx, events.Event{
		Type:       events.EventHealthReported,
		InstanceID: next.ID,
		StrategyID: next.StrategyID,
		Payload: events.HealthReportedPayload{
			Severity: string(signal.Severity),
			Score:    signal.Score,
			Source:   signal.Source,
			Message:  signal.Message,
		},
	})
	return next, nil
}

// ReportOutcome stores a trade or execution outcome, stamped with the plan
// that was in effect when it was observed.
func (c *Controller) ReportOutcome(ctx context.Context, outcome Outcome) (*Outcome, error) {
	if err := outcome.Validate(); err != nil {
		return nil, err
	}
	inst, err := c.stores.Instances.Get(ctx, outcome.InstanceID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	if outcome.ID.IsZero() {
		outcome.ID = types.NewID()
	}
	if outcome.ObservedAt.IsZero() {
		outcome.ObservedAt = now
	}
	outcome.RecordedAt = now
	outcome.StrategyID = inst.StrategyID
	outcome.Fingerprint = inst.PlanAt(outcome.ObservedAt)

	if err := c.stores.Outcomes.Append(ctx, &outcome); err != nil {
		return nil, err
	}
	c.publish(ctx, events.Event{
		Type:       events.EventOutcomeRecorded,
		InstanceID: inst.ID,
		StrategyID: inst.StrategyID,
		WorkerID:   outcome.WorkerID,
		Payload: events.OutcomeRecordedPayload{
			OutcomeID:   outcome.ID,
			Kind:        outcome.Kind,
			Fingerprint: outcome.Fingerprint,
			ObservedAt:  outcome.ObservedAt,
			Data:        outcome.Payload,
		},
	})
	return &outcome, nil
}
