package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/stratagem/internal/compiler"
	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/fleet"
	"github.com/zero-day-ai/stratagem/internal/registry"
	"github.com/zero-day-ai/stratagem/internal/types"
)

const (
	// DefaultStalenessThreshold is how long an Active instance may go without a
	// heartbeat before it is paused.
	DefaultStalenessThreshold = 30 * time.Second
	// DefaultDeployTimeout bounds one deployment attempt.
	DefaultDeployTimeout = time.Minute
	// DefaultMaxDeployAttempts is the number of attempts before an instance fails.
	DefaultMaxDeployAttempts = 5
)

// Config holds the controller's timing and retry settings.
type Config struct {
	StalenessThreshold time.Duration
	DeployTimeout      time.Duration
	MaxDeployAttempts  int
	Backoff            Backoff
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		StalenessThreshold: DefaultStalenessThreshold,
		DeployTimeout:      DefaultDeployTimeout,
		MaxDeployAttempts:  DefaultMaxDeployAttempts,
		Backoff:            DefaultBackoff(),
	}
}

func (c *Config) setDefaults() {
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = DefaultStalenessThreshold
	}
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = DefaultDeployTimeout
	}
	if c.MaxDeployAttempts <= 0 {
		c.MaxDeployAttempts = DefaultMaxDeployAttempts
	}
}

// Controller is the global control plane. It owns the lifecycle of every
// strategy instance and is the only writer of instance state.
//
// Every state change of an instance goes through a per-instance lock, so
// heartbeats, health signals, operator requests and the reconciler are applied
// one at a time for a given instance while different instances proceed in
// parallel. Compilation runs outside any lock.
type Controller struct {
	compiler *compiler.Compiler
	registry registry.Registry
	stores   Stores
	fleet    *fleet.Tracker
	bus      events.Publisher
	metrics  MetricsRecorder
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config

	locks sync.Map
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig sets timing and retry settings.
func WithConfig(cfg Config) Option {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithEventBus sets where lifecycle events are published.
func WithEventBus(bus events.Publisher) Option {
	return func(c *Controller) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests. The fleet tracker should share it.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, events.Event) error { return nil }

// New creates a Controller and installs it as the registry's reference checker,
// so plan collection never removes a plan an instance still points at.
func New(comp *compiler.Compiler, reg registry.Registry, stores Stores, tracker *fleet.Tracker, opts ...Option) *Controller {
	c := &Controller{
		compiler: comp,
		registry: reg,
		stores:   stores,
		fleet:    tracker,
		bus:      discardPublisher{},
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("github.com/zero-day-ai/stratagem/internal/controlplane"),
		logger:   slog.Default(),
		now:      time.Now,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.setDefaults()
	c.logger = c.logger.With("component", "controlplane")
	reg.SetReferenceChecker(c)
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// References implements registry.ReferenceChecker.
func (c *Controller) References(ctx context.Context, fingerprint string) (bool, error) {
	return c.stores.Instances.ReferencesPlan(ctx, fingerprint)
}

func (c *Controller) lock(key string) func() {
	v, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// locked loads an instance under its lock and runs fn.
func (c *Controller) locked(ctx context.Context, id types.ID, fn func(inst *Instance) (*Instance, error)) (*Instance, error) {
	unlock := c.lock(id.String())
	defer unlock()

	inst, err := c.stores.Instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := fn(inst)
	if err != nil && types.HasCode(err, types.CONCURRENCY_CONFLICT) {
		// Another writer got there first; the caller sees what it stored.
		return c.stores.Instances.Get(ctx, id)
	}
	return out, err
}

// withInstance is locked with the liveness invariant enforced before fn sees
// the instance. A nil fn just returns the enforced instance.
func (c *Controller) withInstance(ctx context.Context, id types.ID, fn func(inst *Instance) (*Instance, error)) (*Instance, error) {
	return c.locked(ctx, id, func(inst *Instance) (*Instance, error) {
		inst, err := c.enforceLocked(ctx, inst)
		if err != nil {
			return nil, err
		}
		if fn == nil {
			return inst, nil
		}
		return fn(inst)
	})
}

// applyLocked moves inst through event. The caller holds the instance lock.
// mutate runs on a copy after the state has changed and may adjust any other
// field; the transition record captures the fingerprint and worker it leaves
// behind. On error the stored instance is unchanged.
func (c *Controller) applyLocked(ctx context.Context, inst *Instance, event Event, cause string, mutate func(next *Instance)) (*Instance, error) {
	to, err := Next(inst.State, event)
	if err != nil {
		c.metrics.RecordCounter(MetricTransitionsRejected, 1, map[string]string{
			"from":  inst.State.String(),
			"event": event.String(),
		})
		c.logger.Debug("transition rejected",
			"instance_id", inst.ID,
			"strategy_id", inst.StrategyID,
			"state", inst.State,
			"event", event,
		)
		return nil, err
	}

	now := c.now()
	next := inst.Clone()
	next.State = to
	if mutate != nil {
		mutate(next)
	}
	next.UpdatedAt = now
	next.Revision = inst.Revision + 1

	tr := Transition{
		Seq:         len(inst.History) + 1,
		At:          now,
		From:        inst.State,
		Event:       event,
		To:          to,
		Cause:       cause,
		Fingerprint: next.PlanFingerprint,
		WorkerID:    next.WorkerID,
	}
	next.History = append(next.History, tr)

	if err := c.stores.Instances.Update(ctx, next, inst.Revision); err != nil {
		c.updateFailed(inst, "transition "+event.String(), err)
		return nil, err
	}
	c.releaseWorker(inst, next)

	c.metrics.RecordCounter(MetricTransitions, 1, map[string]string{
		"from":  tr.From.String(),
		"event": tr.Event.String(),
		"to":    tr.To.String(),
	})
	c.logger.Info("instance transitioned",
		"instance_id", next.ID,
		"strategy_id", next.StrategyID,
		"from", tr.From,
		"event", tr.Event,
		"to", tr.To,
		"cause", cause,
		"fingerprint", next.PlanFingerprint,
		"worker_id", next.WorkerID,
	)
	c.publish(ctx, events.Event{
		Type:       events.EventInstanceTransitioned,
		InstanceID: next.ID,
		StrategyID: next.StrategyID,
		WorkerID:   next.WorkerID,
		Payload: events.TransitionPayload{
			Seq:         tr.Seq,
			From:        tr.From.String(),
			Event:       tr.Event.String(),
			To:          tr.To.String(),
			Cause:       tr.Cause,
			Fingerprint: tr.Fingerprint,
		},
	})
	return next, nil
}

// saveLocked persists a change that is not a lifecycle transition. The caller
// holds the instance lock.
func (c *Controller) saveLocked(ctx context.Context, inst *Instance, mutate func(next *Instance)) (*Instance, error) {
	next := inst.Clone()
	mutate(next)
	next.UpdatedAt = c.now()
	next.Revision = inst.Revision + 1
	if err := c.stores.Instances.Update(ctx, next, inst.Revision); err != nil {
		c.updateFailed(inst, "update", err)
		return nil, err
	}
	c.releaseWorker(inst, next)
	return next, nil
}

func (c *Controller) updateFailed(inst *Instance, change string, err error) {
	if !types.HasCode(err, types.CONCURRENCY_CONFLICT) {
		return
	}
	c.metrics.RecordCounter(MetricConcurrencyConflicts, 1, nil)
	c.logger.Warn("instance changed concurrently, change dropped",
		"instance_id", inst.ID,
		"strategy_id", inst.StrategyID,
		"change", change,
		"error", err,
	)
}

// enforceLocked pauses an Active instance that has lost its worker or missed
// its heartbeat window.
func (c *Controller) enforceLocked(ctx context.Context, inst *Instance) (*Instance, error) {
	now := c.now()
	if !inst.IsStale(now, c.cfg.StalenessThreshold) {
		return inst, nil
	}
	cause := fmt.Sprintf("no heartbeat since %s", inst.LastHeartbeat.Format(time.RFC3339))
	if inst.WorkerID == "" {
		cause = "no worker assigned"
	}
	return c.applyLocked(ctx, inst, EventHeartbeatMissed, cause, c.clearWorker)
}

// clearWorker drops the instance's worker. The fleet assignment is released
// by releaseWorker once the change is stored.
func (c *Controller) clearWorker(next *Instance) {
	next.WorkerID = ""
}

// releaseWorker frees the fleet slot of a worker that a stored change took
// away from the instance.
func (c *Controller) releaseWorker(prev, next *Instance) {
	if prev.WorkerID != "" && next.WorkerID != prev.WorkerID {
		c.fleet.Release(prev.ID.String())
	}
}

func (c *Controller) publish(ctx context.Context, event events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.SpanID = sc.SpanID().String()
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}
