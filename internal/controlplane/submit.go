package controlplane

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/stratagem/internal/compiler"
	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/registry"
	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// SubmitResult reports what happened to a submitted spec.
type SubmitResult struct {
	Instance    *Instance
	Compilation *compiler.Result

	// Unchanged is set when the spec compiled to the plan the instance already
	// runs, for example after a metadata-only edit.
	Unchanged bool
}

// Compiled reports whether the spec produced a plan.
func (r *SubmitResult) Compiled() bool {
	return r.Compilation.OK()
}

// Diagnostics returns the compiler diagnostics.
func (r *SubmitResult) Diagnostics() strategy.Diagnostics {
	return r.Compilation.Diagnostics
}

// Err returns COMPILATION_FAILED with the error diagnostics when the spec did
// not compile.
func (r *SubmitResult) Err() error {
	return r.Compilation.Err()
}

// SubmitSpec stores a new spec version, compiles it and feeds the result to the
// strategy's instance, creating the instance in draft on first submission.
//
// A spec that does not compile is not an error: the result carries the
// diagnostics and the instance keeps its current plan and state. The returned
// error covers rejected submissions (stale version, terminal or deploying
// instance) and registry or store failures.
func (c *Controller) SubmitSpec(ctx context.Context, spec *strategy.StrategySpec) (*SubmitResult, error) {
	if spec == nil || strings.TrimSpace(spec.ID) == "" {
		return nil, types.NewError(types.INVALID_ARGUMENT, "spec requires an id")
	}
	if spec.Version < 1 {
		return nil, types.NewError(types.INVALID_ARGUMENT,
			fmt.Sprintf("strategy %q: version must be at least 1, got %d", spec.ID, spec.Version))
	}

	ctx, span := c.tracer.Start(ctx, "controlplane.SubmitSpec",
		trace.WithAttributes(
			attribute.String("strategy.id", spec.ID),
			attribute.Int64("strategy.version", spec.Version),
		))
	defer span.End()

	if err := c.stores.Specs.Put(ctx, spec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.publish(ctx, events.Event{
		Type:       events.EventSpecSubmitted,
		StrategyID: spec.ID,
		Payload:    events.SpecSubmittedPayload{SpecVersion: spec.Version, Author: spec.Author},
	})

	result := c.compiler.Compile(ctx, spec)
	status := "succeeded"
	if !result.OK() {
		status = "failed"
	}
	c.metrics.RecordCounter(MetricCompilations, 1, map[string]string{"status": status})
	c.metrics.RecordHistogram(MetricCompileDuration, float64(result.Duration.Microseconds())/1000, nil)

	unlock := c.lock("strategy/" + spec.ID)
	defer unlock()

	inst, created, err := c.instanceFor(ctx, spec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !created && spec.Version <= inst.SpecVersion {
		// A newer version was applied while this one compiled.
		err := types.NewError(types.STALE_SPEC_VERSION,
			fmt.Sprintf("strategy %q: version %d was superseded by version %d", spec.ID, spec.Version, inst.SpecVersion))
		c.recordCompilation(ctx, result, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out := &SubmitResult{Compilation: result}

	if !result.OK() {
		c.recordCompilation(ctx, result, nil)
		messages := make([]string, 0, len(result.Diagnostics))
		for _, d := range result.Diagnostics.Errors() {
			messages = append(messages, d.Error())
		}
		c.publish(ctx, events.Event{
			Type:       events.EventCompilationFailed,
			InstanceID: inst.ID,
			StrategyID: spec.ID,
			Payload: events.CompilationFailedPayload{
				SpecVersion: spec.Version,
				Errors:      len(messages),
				Messages:    messages,
			},
		})

		inst, err = c.withInstance(ctx, inst.ID, func(cur *Instance) (*Instance, error) {
			if _, err := Next(cur.State, EventCompileFailed); err != nil {
				return nil, err
			}
			return cur, nil
		})
		if err != nil {
			return nil, err
		}
		c.logger.Info("spec did not compile, instance unchanged",
			"strategy_id", spec.ID,
			"version", spec.Version,
			"state", inst.State,
			"errors", len(messages),
		)
		out.Instance = inst
		return out, nil
	}

	plan := result.Plan
	span.SetAttributes(attribute.String("plan.fingerprint", plan.Fingerprint))
	lineage := registry.Lineage{StrategyID: spec.ID, SpecVersion: spec.Version, Author: spec.Author}

	inst, err = c.withInstance(ctx, inst.ID, func(cur *Instance) (*Instance, error) {
		if cur.State.IsTerminal() {
			_, err := Next(cur.State, EventCompileSucceeded)
			return nil, err
		}
		if cur.PlanFingerprint == plan.Fingerprint {
			// Same plan: record the lineage but keep the instance's single reference.
			if err := c.putPlan(ctx, plan, lineage); err != nil {
				return nil, err
			}
			c.releasePlan(ctx, plan.Fingerprint)
			out.Unchanged = true
			return c.saveLocked(ctx, cur, func(n *Instance) {
				n.SpecVersion = spec.Version
			})
		}
		if !CanApply(cur.State, EventCompileSucceeded) {
			_, err := Next(cur.State, EventCompileSucceeded)
			return nil, err
		}
		if err := c.putPlan(ctx, plan, lineage); err != nil {
			return nil, err
		}

		previous := cur.PlanFingerprint
		cause := fmt.Sprintf("version %d compiled", spec.Version)
		next, err := c.applyLocked(ctx, cur, EventCompileSucceeded, cause, func(n *Instance) {
			n.PlanFingerprint = plan.Fingerprint
			n.SpecVersion = spec.Version
			n.LastError = ""
			if cur.State == StateActive {
				c.clearWorker(n)
				c.beginDeploy(n, 1)
			}
		})
		if err != nil {
			c.releasePlan(ctx, plan.Fingerprint)
			return nil, err
		}
		if previous != "" {
			c.releasePlan(ctx, previous)
		}
		if next.State == StateDeploying {
			return c.assignLocked(ctx, next)
		}
		return next, nil
	})
	if err != nil {
		c.recordCompilation(ctx, result, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.Instance = inst
	if inst.PlanFingerprint != plan.Fingerprint {
		c.recordCompilation(ctx, result, types.NewError(types.CONCURRENCY_CONFLICT,
			fmt.Sprintf("instance %s changed concurrently, plan not applied", inst.ID)))
		return out, nil
	}
	c.recordCompilation(ctx, result, nil)

	c.publish(ctx, events.Event{
		Type:       events.EventPlanCompiled,
		InstanceID: inst.ID,
		StrategyID: spec.ID,
		Payload: events.PlanCompiledPayload{
			SpecVersion:     spec.Version,
			Fingerprint:     plan.Fingerprint,
			CompilerVersion: plan.CompilerVersion,
			Instructions:    len(plan.Instructions),
			Warnings:        len(result.Diagnostics.Warnings()),
			Duration:        result.Duration,
		},
	})
	return out, nil
}

// instanceFor returns the strategy's instance, creating it in draft. The caller
// holds the strategy lock.
func (c *Controller) instanceFor(ctx context.Context, spec *strategy.StrategySpec) (*Instance, bool, error) {
	inst, err := c.stores.Instances.GetByStrategy(ctx, spec.ID)
	if err == nil {
		return inst, false, nil
	}
	if !types.HasCode(err, types.NOT_FOUND) {
		return nil, false, err
	}

	now := c.now()
	inst = &Instance{
		ID:          types.NewID(),
		StrategyID:  spec.ID,
		State:       StateDraft,
		SpecVersion: spec.Version,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.stores.Instances.Create(ctx, inst); err != nil {
		return nil, false, err
	}
	c.logger.Info("instance created", "instance_id", inst.ID, "strategy_id", inst.StrategyID)
	c.publish(ctx, events.Event{
		Type:       events.EventInstanceCreated,
		InstanceID: inst.ID,
		StrategyID: inst.StrategyID,
		Payload:    events.InstanceCreatedPayload{State: inst.State.String()},
	})
	return inst, true, nil
}

// putPlan stores the plan, reporting a fingerprint collision loudly.
func (c *Controller) putPlan(ctx context.Context, plan *strategy.ExecutionPlan, lineage registry.Lineage) error {
	_, err := c.registry.Put(ctx, plan, lineage)
	if err == nil {
		return nil
	}
	if types.HasCode(err, types.REGISTRY_CORRUPTION) {
		c.metrics.RecordCounter(MetricRegistryCorruption, 1, nil)
		c.logger.Error("registry corruption, compilation discarded",
			"strategy_id", lineage.StrategyID,
			"version", lineage.SpecVersion,
			"fingerprint", plan.Fingerprint,
			"error", err,
		)
		c.publish(ctx, events.Event{
			Type:       events.EventRegistryCorruption,
			StrategyID: lineage.StrategyID,
			Payload: events.RegistryCorruptionPayload{
				Fingerprint: plan.Fingerprint,
				SpecVersion: lineage.SpecVersion,
				Error:       err.Error(),
			},
		})
	}
	return err
}

func (c *Controller) releasePlan(ctx context.Context, fingerprint string) {
	if err := c.registry.Release(ctx, fingerprint); err != nil {
		c.logger.Warn("failed to release plan", "fingerprint", fingerprint, "error", err)
	}
}

// recordCompilation appends to the compilation log. rejected is why a plan
// that compiled was not applied to the instance.
func (c *Controller) recordCompilation(ctx context.Context, result *compiler.Result, rejected error) {
	rec := registry.CompilationRecord{
		StrategyID:      result.StrategyID,
		SpecVersion:     result.SpecVersion,
		Succeeded:       result.OK(),
		Diagnostics:     result.Diagnostics,
		CompilerVersion: c.compiler.Version(),
		Duration:        result.Duration,
		CompiledAt:      c.now(),
	}
	if result.OK() {
		rec.Fingerprint = result.Plan.Fingerprint
	}
	if rejected != nil {
		rec.Rejection = rejected.Error()
	}
	if err := c.registry.RecordCompilation(ctx, rec); err != nil {
		c.logger.Warn("failed to record compilation",
			"strategy_id", rec.StrategyID,
			"version", rec.SpecVersion,
			"error", err,
		)
	}
}
