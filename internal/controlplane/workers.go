package controlplane

import (
	"context"
	"fmt"

	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/fleet"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// RegisterWorker adds a worker to the fleet or refreshes it. Assignments that
// persisted instances still record for the worker, for example across a
// restart, are restored.
func (c *Controller) RegisterWorker(ctx context.Context, reg fleet.Registration) (fleet.Worker, error) {
	_, known := c.fleet.Get(reg.ID)
	w, err := c.fleet.Register(reg)
	if err != nil {
		return fleet.Worker{}, err
	}
	if known {
		return w, nil
	}

	held, err := c.stores.Instances.List(ctx, InstanceFilter{
		States:   []State{StateDeploying, StateActive},
		WorkerID: reg.ID,
	})
	if err != nil {
		return w, err
	}
	for _, inst := range held {
		if err := c.fleet.Restore(inst.ID.String(), reg.ID); err != nil {
			c.logger.Warn("failed to restore assignment", "instance_id", inst.ID, "worker_id", reg.ID, "error", err)
			continue
		}
		c.logger.Info("restored assignment", "instance_id", inst.ID, "worker_id", reg.ID)
	}
	if len(held) > 0 {
		w, _ = c.fleet.Get(reg.ID)
	}

	c.logger.Info("worker registered",
		"worker_id", w.ID,
		"capabilities", w.Capabilities,
		"source", w.Source,
	)
	c.publish(ctx, events.Event{
		Type:     events.EventWorkerRegistered,
		WorkerID: w.ID,
		Payload: events.WorkerRegisteredPayload{
			Capabilities: w.Capabilities,
			Source:       string(w.Source),
		},
	})
	return w, nil
}

// DeregisterWorker removes a worker. Its Active instances are paused and its
// Deploying instances wait for another worker.
func (c *Controller) DeregisterWorker(ctx context.Context, workerID string) error {
	cleared, err := c.fleet.Deregister(workerID)
	if err != nil {
		return err
	}
	cause := fmt.Sprintf("worker %s deregistered", workerID)
	for _, raw := range cleared {
		if _, err := c.detachWorker(ctx, types.ID(raw), workerID, cause); err != nil {
			c.logger.Warn("failed to detach instance", "instance_id", raw, "worker_id", workerID, "error", err)
		}
	}
	c.logger.Info("worker deregistered", "worker_id", workerID, "instances", len(cleared))
	c.publish(ctx, events.Event{
		Type:     events.EventWorkerDeregistered,
		WorkerID: workerID,
		Payload:  events.WorkerDeregisteredPayload{Instances: cleared, Reason: "deregistered"},
	})
	return nil
}

// ListWorkers returns every known worker ordered by id.
func (c *Controller) ListWorkers(ctx context.Context) []fleet.Worker {
	return c.fleet.List()
}

// Worker returns one worker.
func (c *Controller) Worker(ctx context.Context, workerID string) (fleet.Worker, error) {
	w, ok := c.fleet.Get(workerID)
	if !ok {
		return fleet.Worker{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("worker %s not found", workerID))
	}
	return w, nil
}

var _ fleet.Sink = (*Controller)(nil)
