package controlplane

import (
	"context"

	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// GetInstance returns an instance after enforcing its liveness invariant.
func (c *Controller) GetInstance(ctx context.Context, id types.ID) (*Instance, error) {
	return c.withInstance(ctx, id, nil)
}

// GetInstanceByStrategy returns the instance of a strategy.
func (c *Controller) GetInstanceByStrategy(ctx context.Context, strategyID string) (*Instance, error) {
	inst, err := c.stores.Instances.GetByStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	return c.withInstance(ctx, inst.ID, nil)
}

// ListInstances returns the instances matching filter, ordered by strategy id.
// Stale Active instances are paused before the filter is applied.
func (c *Controller) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	all, err := c.stores.Instances.List(ctx, InstanceFilter{StrategyID: filter.StrategyID})
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if inst.IsStale(now, c.cfg.StalenessThreshold) {
			if inst, err = c.withInstance(ctx, inst.ID, nil); err != nil {
				return nil, err
			}
		}
		if filter.Matches(inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// History returns the transition history of an instance, oldest first.
func (c *Controller) History(ctx context.Context, id types.ID) ([]Transition, error) {
	inst, err := c.withInstance(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	return inst.History, nil
}

// Outcomes returns up to limit outcomes of an instance, oldest first.
func (c *Controller) Outcomes(ctx context.Context, id types.ID, limit int) ([]*Outcome, error) {
	if _, err := c.stores.Instances.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.stores.Outcomes.List(ctx, id, limit)
}

// Spec returns a stored spec version, or the latest when version is zero.
func (c *Controller) Spec(ctx context.Context, strategyID string, version int64) (*strategy.StrategySpec, error) {
	if version == 0 {
		return c.stores.Specs.Latest(ctx, strategyID)
	}
	return c.stores.Specs.Get(ctx, strategyID, version)
}

// SpecVersions lists the stored versions of a strategy.
func (c *Controller) SpecVersions(ctx context.Context, strategyID string) ([]int64, error) {
	return c.stores.Specs.Versions(ctx, strategyID)
}

// Plan returns a compiled plan from the registry.
func (c *Controller) Plan(ctx context.Context, fingerprint string) (*strategy.ExecutionPlan, error) {
	return c.registry.Get(ctx, fingerprint)
}
