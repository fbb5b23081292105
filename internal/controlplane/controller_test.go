package controlplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/stratagem/internal/compiler"
	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/fleet"
	"github.com/zero-day-ai/stratagem/internal/registry"
	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ctx context.Context, e events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) count(t events.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (m *countingMetrics) RecordCounter(name string, value int64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	m.counters[name] += value
}

func (m *countingMetrics) RecordHistogram(string, float64, map[string]string) {}

func (m *countingMetrics) get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

type harness struct {
	ctl     *Controller
	reg     registry.Registry
	stores  Stores
	fleet   *fleet.Tracker
	clock   *fakeClock
	bus     *recordingBus
	metrics *countingMetrics
}

func testConfig() Config {
	return Config{
		StalenessThreshold: 30 * time.Second,
		DeployTimeout:      time.Minute,
		MaxDeployAttempts:  3,
		Backoff:            Backoff{Base: 10 * time.Second, Max: time.Minute, Factor: 2},
	}
}

func newHarnessWith(t *testing.T, reg registry.Registry, stores Stores) *harness {
	t.Helper()
	h := &harness{
		reg:     reg,
		stores:  stores,
		clock:   newFakeClock(),
		bus:     &recordingBus{},
		metrics: &countingMetrics{},
	}
	h.fleet = fleet.NewTracker(
		fleet.WithClock(h.clock.Now),
		fleet.WithStalenessThreshold(30*time.Second),
	)
	h.ctl = New(compiler.New(), reg, stores, h.fleet,
		WithConfig(testConfig()),
		WithClock(h.clock.Now),
		WithEventBus(h.bus),
		WithMetrics(h.metrics),
	)
	return h
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, registry.NewMemoryRegistry(nil), NewMemoryStores())
}

func testSpec() *strategy.StrategySpec {
	posMax := decimal.RequireFromString("1")
	levMax := decimal.RequireFromString("3")
	return &strategy.StrategySpec{
		ID:      "btc-momentum",
		Version: 1,
		Author:  "alice",
		Inputs:  []string{"close", "sma_fast"},
		Parameters: map[string]strategy.Value{
			"threshold": strategy.Number(decimal.RequireFromString("1.5")),
			"size":      strategy.Number(decimal.RequireFromString("0.25")),
		},
		Rules: []strategy.Rule{
			{Name: "trend", When: "close > sma_fast * $threshold", Then: strategy.Action{Kind: strategy.ActionHold}},
			{Name: "enter", When: "@trend", Then: strategy.Action{Kind: strategy.ActionEnterLong, Symbol: "BTC-USD", Size: "$size * 2"}},
		},
		Constraints: []strategy.RiskConstraint{
			{Kind: strategy.ConstraintPosition, Symbol: "BTC-USD", Max: &posMax},
			{Kind: strategy.ConstraintLeverage, Max: &levMax},
		},
		Requires: []string{"spot"},
	}
}

func specVersion(version int64, threshold string) *strategy.StrategySpec {
	spec := testSpec()
	spec.Version = version
	spec.Parameters["threshold"] = strategy.Number(decimal.RequireFromString(threshold))
	return spec
}

func (h *harness) register(t *testing.T, id string, caps ...string) {
	t.Helper()
	_, err := h.ctl.RegisterWorker(context.Background(), fleet.Registration{ID: id, Capabilities: caps})
	require.NoError(t, err)
}

// activate submits the base spec and drives its instance to Active on w1.
func (h *harness) activate(t *testing.T) *Instance {
	t.Helper()
	ctx := context.Background()
	if _, ok := h.fleet.Get("w1"); !ok {
		h.register(t, "w1", "spot")
	}

	res, err := h.ctl.SubmitSpec(ctx, testSpec())
	require.NoError(t, err)
	require.True(t, res.Compiled(), "diagnostics: %v", res.Diagnostics())

	inst, err := h.ctl.Deploy(ctx, res.Instance.ID)
	require.NoError(t, err)
	require.Equal(t, StateDeploying, inst.State)
	require.Equal(t, "w1", inst.WorkerID)

	hb, err := h.ctl.Heartbeat(ctx, "w1", []types.ID{inst.ID})
	require.NoError(t, err)
	require.Equal(t, []types.ID{inst.ID}, hb.Accepted)

	inst, err = h.ctl.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, inst.State)
	return inst
}

func eventsOf(history []Transition) []Event {
	out := make([]Event, len(history))
	for i, tr := range history {
		out[i] = tr.Event
	}
	return out
}

func TestSubmitSpec_UndefinedParameterStaysDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := testSpec()
	spec.Rules[0].When = "close > $missing"
	delete(spec.Parameters, "threshold")

	res, err := h.ctl.SubmitSpec(ctx, spec)
	require.NoError(t, err, "a failed compilation is reported in the result")
	assert.False(t, res.Compiled())
	errs := res.Diagnostics().Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, strategy.CodeUnresolvedReference, errs[0].Code)
	assert.True(t, types.HasCode(res.Err(), types.COMPILATION_FAILED))

	assert.Equal(t, StateDraft, res.Instance.State)
	assert.Empty(t, res.Instance.PlanFingerprint)
	assert.Empty(t, res.Instance.History)

	stats, err := h.reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Plans)
	assert.Equal(t, 1, stats.Compilations)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, h.bus.count(events.EventCompilationFailed))
	assert.Equal(t, int64(1), h.metrics.get(MetricCompilations))
}

func TestSubmitSpec_ValidSpecReachesActive(t *testing.T) {
	backends := map[string]func(t *testing.T) *harness{
		"memory": newHarness,
		"sqlite": func(t *testing.T) *harness {
			db := openTestDB(t)
			return newHarnessWith(t, registry.NewSQLiteRegistry(db, nil), NewSQLiteStores(db))
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			h := open(t)
			ctx := context.Background()
			h.register(t, "w1", "spot", "binance")

			res, err := h.ctl.SubmitSpec(ctx, testSpec())
			require.NoError(t, err)
			require.True(t, res.Compiled())
			fp := res.Compilation.Plan.Fingerprint
			assert.Equal(t, StateValidated, res.Instance.State)
			assert.Equal(t, fp, res.Instance.PlanFingerprint)

			refs, err := h.reg.RefCount(ctx, fp)
			require.NoError(t, err)
			assert.Equal(t, 1, refs)

			inst, err := h.ctl.Deploy(ctx, res.Instance.ID)
			require.NoError(t, err)
			assert.Equal(t, StateDeploying, inst.State)
			assert.Equal(t, "w1", inst.WorkerID)
			assert.Equal(t, 1, inst.DeployAttempts)

			inst, err = h.ctl.AcceptAssignment(ctx, inst.ID, "w1")
			require.NoError(t, err)
			assert.Equal(t, StateActive, inst.State)
			assert.Equal(t, 0, inst.DeployAttempts)
			assert.True(t, inst.LastHeartbeat.Equal(h.clock.Now()))

			history, err := h.ctl.History(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, []Event{EventCompileSucceeded, EventDeployRequested, EventWorkerAccepted}, eventsOf(history))
			for i, tr := range history {
				assert.Equal(t, i+1, tr.Seq)
				assert.Equal(t, fp, tr.Fingerprint)
			}
			assert.Equal(t, "w1", history[2].WorkerID)

			w, err := h.ctl.Worker(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, 1, w.Load)

			again, err := h.ctl.AcceptAssignment(ctx, inst.ID, "w1")
			require.NoError(t, err)
			assert.Equal(t, inst.Revision, again.Revision, "accepting twice changes nothing")
		})
	}
}

func TestHeartbeat_MissedPausesAndClearsWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)

	h.clock.Advance(31 * time.Second)
	report, err := h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{inst.ID}, report.Paused)

	got, err := h.ctl.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
	assert.Empty(t, got.WorkerID)
	_, assigned := h.fleet.AssignedTo(inst.ID.String())
	assert.False(t, assigned)

	last := got.History[len(got.History)-1]
	assert.Equal(t, EventHeartbeatMissed, last.Event)
	assert.Contains(t, last.Cause, "w1")
	assert.Empty(t, last.WorkerID)
	assert.Equal(t, 1, h.bus.count(events.EventWorkerStale))
}

func TestGetInstance_EnforcesLivenessOnRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)

	// The worker stays alive but stops reporting the instance.
	for i := 0; i < 4; i++ {
		h.clock.Advance(10 * time.Second)
		res, err := h.ctl.Heartbeat(ctx, "w1", nil)
		require.NoError(t, err)
		assert.Empty(t, res.Accepted)
	}

	list, err := h.ctl.ListInstances(ctx, InstanceFilter{States: []State{StateActive}})
	require.NoError(t, err)
	assert.Empty(t, list, "no stale instance is ever observed as Active")

	got, err := h.ctl.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
	assert.Empty(t, got.WorkerID)

	w, err := h.ctl.Worker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.Load)
}

func TestHeartbeat_OnlyFromAssignedWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "w1", "spot")
	h.register(t, "w2", "spot")
	inst := h.activate(t)
	require.Equal(t, "w1", inst.WorkerID)

	h.clock.Advance(10 * time.Second)
	res, err := h.ctl.Heartbeat(ctx, "w2", []types.ID{inst.ID, types.NewID()})
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	assert.Len(t, res.Ignored, 2)
	assert.Equal(t, int64(2), h.metrics.get(MetricHeartbeatsIgnored))

	res, err = h.ctl.Heartbeat(ctx, "w1", []types.ID{inst.ID})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{inst.ID}, res.Accepted)

	got, err := h.ctl.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.Equal(h.clock.Now()))

	_, err = h.ctl.Heartbeat(ctx, "nobody", []types.ID{inst.ID})
	assert.True(t, types.HasCode(err, types.NOT_FOUND))
}

func TestAcceptAssignment_WrongWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "w1", "spot")
	h.register(t, "w2", "spot")

	res, err := h.ctl.SubmitSpec(ctx, testSpec())
	require.NoError(t, err)
	inst, err := h.ctl.Deploy(ctx, res.Instance.ID)
	require.NoError(t, err)

	_, err = h.ctl.AcceptAssignment(ctx, inst.ID, "w2")
	assert.True(t, types.HasCode(err, types.WORKER_NOT_ASSIGNED))

	got, err := h.ctl.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeploying, got.State)

	_, err = h.ctl.AcceptAssignment(ctx, types.NewID(), "w1")
	assert.True(t, types.HasCode(err, types.NOT_FOUND))
}

func TestSubmitSpec_MetadataOnlyChangeSharesFingerprint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)

	v2 := testSpec()
	v2.Version = 2
	v2.Author = "bob"
	v2.Description = "same logic, new words"
	res, err := h.ctl.SubmitSpec(ctx, v2)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Equal(t, inst.PlanFingerprint, res.Compilation.Plan.Fingerprint)
	assert.Equal(t, StateActive, res.Instance.State, "an identical plan does not redeploy")
	assert.Equal(t, int64(2), res.Instance.SpecVersion)
	assert.Len(t, res.Instance.History, len(inst.History))

	refs, err := h.reg.RefCount(ctx, inst.PlanFingerprint)
	require.NoError(t, err)
	assert.Equal(t, 1, refs)

	lineage, err := h.reg.Lineage(ctx, inst.PlanFingerprint)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, int64(2), lineage[1].SpecVersion)
	assert.Equal(t, "bob", lineage[1].Author)
}

func TestSubmitSpec_RecompileActiveRedeploys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)
	oldFP := inst.PlanFingerprint

	h.clock.Advance(time.Second)
	res, err := h.ctl.SubmitSpec(ctx, specVersion(2, "1.75"))
	require.NoError(t, err)
	require.True(t, res.Compiled())
	newFP := res.Compilation.Plan.Fingerprint
	assert.NotEqual(t, oldFP, newFP)

	got := res.Instance
	assert.Equal(t, StateDeploying, got.State)
	assert.Equal(t, newFP, got.PlanFingerprint)
	assert.Equal(t, "w1", got.WorkerID, "reassigned to the only worker")
	assert.Equal(t, 1, got.DeployAttempts)

	w, err := h.ctl.Worker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.Load, "the old assignment was released")

	oldRefs, err := h.reg.RefCount(ctx, oldFP)
	require.NoError(t, err)
	assert.Equal(t, 0, oldRefs)

	removed, err := h.ctl.CollectPlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{oldFP}, removed)
	assert.Equal(t, 1, h.bus.count(events.EventPlansCollected))

	_, err = h.ctl.Plan(ctx, newFP)
	require.NoError(t, err)

	got, err = h.ctl.AcceptAssignment(ctx, got.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, oldFP, got.PlanAt(got.History[2].At))
	assert.Equal(t, newFP, got.PlanAt(h.clock.Now()))
}

func TestSubmitSpec_CompileFailureKeepsActivePlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)

	bad := testSpec()
	bad.Version = 2
	bad.Rules[1].When = "@nowhere"
	res, err := h.ctl.SubmitSpec(ctx, bad)
	require.NoError(t, err)
	assert.False(t, res.Compiled())
	assert.Equal(t, StateActive, res.Instance.State)
	assert.Equal(t, inst.PlanFingerprint, res.Instance.PlanFingerprint)
	assert.Equal(t, inst.Revision, res.Instance.Revision)
	assert.Len(t, res.Instance.History, len(inst.History))
}

func TestSubmitSpec_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctl.SubmitSpec(ctx, &strategy.StrategySpec{Version: 1})
	assert.True(t, types.HasCode(err, types.INVALID_ARGUMENT))

	zero := testSpec()
	zero.Version = 0
	_, err = h.ctl.SubmitSpec(ctx, zero)
	assert.True(t, types.HasCode(err, types.INVALID_ARGUMENT))

	res, err := h.ctl.SubmitSpec(ctx, testSpec())
	require.NoError(t, err)

	_, err = h.ctl.SubmitSpec(ctx, testSpec())
	assert.True(t, types.HasCode(err, types.STALE_SPEC_VERSION))

	// No workers: the instance waits in Deploying.
	inst, err := h.ctl.Deploy(ctx, res.Instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeploying, inst.State)
	assert.Empty(t, inst.WorkerID)
	assert.Contains(t, inst.LastError, string(types.ASSIGNMENT_FAILED))
	assert.Equal(t, 1, h.bus.count(events.EventAssignmentFailed))

	_, err = h.ctl.SubmitSpec(ctx, specVersion(2, "2"))
	assert.True(t, types.HasCode(err, types.INVALID_TRANSITION), "no recompilation mid-deployment")

	stats, err := h.reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.References, "the rejected plan's reference was released")
	assert.Equal(t, 0, stats.Failed, "a rejected plan still compiled")

	records, err := h.reg.Compilations(ctx, "btc-momentum")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[0].Rejection)
	rejected := records[1]
	assert.Equal(t, int64(2), rejected.SpecVersion)
	assert.True(t, rejected.Succeeded)
	assert.NotEmpty(t, rejected.Fingerprint)
	assert.Contains(t, rejected.Rejection, string(types.INVALID_TRANSITION))

	_, err = h.ctl.Deploy(ctx, inst.ID)
	assert.True(t, types.HasCode(err, types.INVALID_TRANSITION))
}

func TestReportHealth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)

	got, err := h.ctl.ReportHealth(ctx, HealthSignal{InstanceID: inst.ID, Severity: SeverityWarning, Score: 0.6, Source: "scorer"})
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	require.NotNil(t, got.LastHealth)
	assert.Equal(t, SeverityWarning, got.LastHealth.Severity)

	got, err = h.ctl.ReportHealth(ctx, HealthSignal{InstanceID: inst.ID, Severity: SeverityCritical, Score: 0.1, Source: "scorer", Message: "drawdown"})
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, SeverityCritical, got.LastHealth.Severity)
	last := got.History[len(got.History)-1]
	assert.Equal(t, EventHealthCritical, last.Event)
	assert.Contains(t, last.Cause, "drawdown")

	w, err := h.ctl.Worker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.Load)

	// Critical again while paused only records the signal.
	again, err := h.ctl.ReportHealth(ctx, HealthSignal{InstanceID: inst.ID, Severity: SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, StatePaused, again.State)
	assert.Len(t, again.History, len(got.History))
	assert.Equal(t, 3, h.bus.count(events.EventHealthReported))

	_, err = h.ctl.ReportHealth(ctx, HealthSignal{InstanceID: inst.ID, Severity: "dire"})
	assert.True(t, types.HasCode(err, types.INVALID_ARGUMENT))
}

func TestResumeAndRetire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)
	fp := inst.PlanFingerprint

	_, err := h.ctl.Retire(ctx, inst.ID, "")
	assert.True(t, types.HasCode(err, types.INVALID_TRANSITION), "only paused instances retire")

	_, err = h.ctl.ReportHealth(ctx, HealthSignal{InstanceID: inst.ID, Severity: SeverityCritical})
	require.NoError(t, err)

	resumed, err := h.ctl.Resume(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeploying, resumed.State)
	assert.Equal(t, "w1", resumed.WorkerID)

	_, err = h.ctl.Heartbeat(ctx, "w1", []types.ID{inst.ID})
	require.NoError(t, err)
	_, err = h.ctl.ReportHealth(ctx, HealthSignal{InstanceID: inst.ID, Severity: SeverityCritical})
	require.NoError(t, err)

	retired, err := h.ctl.Retire(ctx, inst.ID, "strategy decommissioned")
	require.NoError(t, err)
	assert.Equal(t, StateRetired, retired.State)
	assert.Equal(t, "strategy decommissioned", retired.History[len(retired.History)-1].Cause)
	_, held := h.ctl.locks.Load(inst.ID.String())
	assert.False(t, held, "retired instances give up their lock")

	refs, err := h.reg.RefCount(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, 0, refs)
	removed, err := h.ctl.CollectPlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fp}, removed)

	_, err = h.ctl.Resume(ctx, inst.ID)
	assert.True(t, types.HasCode(err, types.INVALID_TRANSITION))
	_, err = h.ctl.Fail(ctx, inst.ID, "boom")
	assert.True(t, types.HasCode(err, types.INVALID_TRANSITION), "terminal states are final")
	_, err = h.ctl.SubmitSpec(ctx, specVersion(2, "2"))
	assert.True(t, types.HasCode(err, types.INVALID_TRANSITION))
}

func TestFail_KeepsPlanReferenced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.ctl.SubmitSpec(ctx, testSpec())
	require.NoError(t, err)
	fp := res.Instance.PlanFingerprint

	failed, err := h.ctl.Fail(ctx, res.Instance.ID, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, "operator abort", failed.LastError)

	// Even with the count forced to zero the instance keeps the plan alive.
	require.NoError(t, h.reg.Release(ctx, fp))
	removed, err := h.ctl.CollectPlans(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
	_, err = h.ctl.Plan(ctx, fp)
	assert.NoError(t, err)
}

func TestReconcile_DeployTimeoutBackoffAndFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.ctl.SubmitSpec(ctx, testSpec())
	require.NoError(t, err)
	id := res.Instance.ID
	_, err = h.ctl.Deploy(ctx, id)
	require.NoError(t, err)

	get := func() *Instance {
		inst, err := h.ctl.GetInstance(ctx, id)
		require.NoError(t, err)
		return inst
	}

	h.clock.Advance(61 * time.Second)
	report, err := h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{id}, report.TimedOut)
	inst := get()
	assert.Equal(t, StateValidated, inst.State)
	assert.True(t, inst.NextDeployAt.Equal(h.clock.Now().Add(10*time.Second)), "first retry after the base delay")

	h.clock.Advance(5 * time.Second)
	report, err = h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Empty(), "retry not due yet")

	h.clock.Advance(5 * time.Second)
	report, err = h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{id}, report.Redeployed)
	inst = get()
	assert.Equal(t, StateDeploying, inst.State)
	assert.Equal(t, 2, inst.DeployAttempts)

	h.clock.Advance(61 * time.Second)
	_, err = h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	inst = get()
	assert.Equal(t, StateValidated, inst.State)
	assert.True(t, inst.NextDeployAt.Equal(h.clock.Now().Add(20*time.Second)), "delay doubles")

	h.clock.Advance(20 * time.Second)
	_, err = h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, get().DeployAttempts)

	h.clock.Advance(61 * time.Second)
	report, err = h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{id}, report.Failed)

	inst = get()
	assert.Equal(t, StateFailed, inst.State)
	assert.Contains(t, inst.LastError, string(types.ASSIGNMENT_FAILED))
	last := inst.History[len(inst.History)-1]
	assert.Equal(t, EventUnrecoverableError, last.Event)
	assert.Contains(t, last.Cause, "3 deployment attempts")

	referenced, err := h.ctl.References(ctx, inst.PlanFingerprint)
	require.NoError(t, err)
	assert.True(t, referenced)
}

func TestReconcile_AssignsWhenWorkerAppears(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.ctl.SubmitSpec(ctx, testSpec())
	require.NoError(t, err)
	inst, err := h.ctl.Deploy(ctx, res.Instance.ID)
	require.NoError(t, err)
	require.Empty(t, inst.WorkerID)

	h.register(t, "w-nospot", "futures")
	report, err := h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Assigned, "capabilities must cover the plan's requirements")

	h.register(t, "w1", "spot")
	report, err = h.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{inst.ID}, report.Assigned)

	got, err := h.ctl.AcceptAssignment(ctx, inst.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}

func TestReportOutcome_StampsPlanInEffect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)
	firstFP := inst.PlanFingerprint
	before := h.clock.Now()

	h.clock.Advance(time.Second)
	res, err := h.ctl.SubmitSpec(ctx, specVersion(2, "1.75"))
	require.NoError(t, err)
	secondFP := res.Instance.PlanFingerprint

	h.clock.Advance(time.Second)
	early, err := h.ctl.ReportOutcome(ctx, Outcome{InstanceID: inst.ID, Kind: "fill", ObservedAt: before, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, firstFP, early.Fingerprint)
	assert.Equal(t, inst.StrategyID, early.StrategyID)
	assert.False(t, early.ID.IsZero())

	late, err := h.ctl.ReportOutcome(ctx, Outcome{InstanceID: inst.ID, Kind: "fill", Payload: map[string]any{"qty": 0.5}})
	require.NoError(t, err)
	assert.Equal(t, secondFP, late.Fingerprint)

	outcomes, err := h.ctl.Outcomes(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, early.ID, outcomes[0].ID)
	assert.Equal(t, 2, h.bus.count(events.EventOutcomeRecorded))

	_, err = h.ctl.ReportOutcome(ctx, Outcome{InstanceID: types.NewID(), Kind: "fill"})
	assert.True(t, types.HasCode(err, types.NOT_FOUND))
	_, err = h.ctl.ReportOutcome(ctx, Outcome{InstanceID: inst.ID})
	assert.True(t, types.HasCode(err, types.INVALID_ARGUMENT))
}

func TestDeregisterWorker_PausesActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)

	require.NoError(t, h.ctl.DeregisterWorker(ctx, "w1"))
	got, err := h.ctl.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
	assert.Empty(t, got.WorkerID)
	assert.Empty(t, h.ctl.ListWorkers(ctx))
	assert.Equal(t, 1, h.bus.count(events.EventWorkerDeregistered))

	err = h.ctl.DeregisterWorker(ctx, "w1")
	assert.True(t, types.HasCode(err, types.NOT_FOUND))
}

func TestRegisterWorker_RestoresPersistedAssignments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)

	// A fresh controller over the same stores, as after a restart.
	restarted := newHarnessWith(t, h.reg, h.stores)
	restarted.clock = h.clock
	restarted.fleet = fleet.NewTracker(fleet.WithClock(h.clock.Now), fleet.WithStalenessThreshold(30*time.Second))
	restarted.ctl = New(compiler.New(), h.reg, h.stores, restarted.fleet, WithConfig(testConfig()), WithClock(h.clock.Now))

	restarted.register(t, "w1", "spot")
	workerID, ok := restarted.fleet.AssignedTo(inst.ID.String())
	require.True(t, ok)
	assert.Equal(t, "w1", workerID)

	h.clock.Advance(5 * time.Second)
	res, err := restarted.ctl.Heartbeat(ctx, "w1", []types.ID{inst.ID})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{inst.ID}, res.Accepted)
}

func TestConcurrentSignalsAreSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.activate(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctl.Heartbeat(ctx, "w1", []types.ID{inst.ID})
			assert.NoError(t, err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.ctl.ReportHealth(ctx, HealthSignal{InstanceID: inst.ID, Severity: SeverityCritical})
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := h.ctl.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State, "heartbeats never revive a paused instance")
	assert.Empty(t, got.WorkerID)
	for i, tr := range got.History {
		assert.Equal(t, i+1, tr.Seq)
		if i > 0 {
			assert.Equal(t, got.History[i-1].To, tr.From, "history is a contiguous chain")
		}
	}
	assert.Equal(t, EventHealthCritical, got.History[len(got.History)-1].Event)
}

func TestConcurrentSubmitsAcrossStrategies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			spec := testSpec()
			spec.ID = id
			res, err := h.ctl.SubmitSpec(ctx, spec)
			if assert.NoError(t, err) {
				assert.Equal(t, StateValidated, res.Instance.State)
			}
		}()
	}
	wg.Wait()

	list, err := h.ctl.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, list, len(ids))
	assert.Equal(t, "alpha", list[0].StrategyID)

	// Identical content dedups to one plan shared by every instance.
	stats, err := h.reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Plans)
	assert.Equal(t, len(ids), stats.References)
	assert.Equal(t, len(ids), stats.Lineage)
}

func TestSpecQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ctl.SubmitSpec(ctx, testSpec())
	require.NoError(t, err)
	_, err = h.ctl.SubmitSpec(ctx, specVersion(4, "2"))
	require.NoError(t, err)

	latest, err := h.ctl.Spec(ctx, "btc-momentum", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest.Version)

	versions, err := h.ctl.SpecVersions(ctx, "btc-momentum")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, versions)

	inst, err := h.ctl.GetInstanceByStrategy(ctx, "btc-momentum")
	require.NoError(t, err)
	assert.Equal(t, int64(4), inst.SpecVersion)
	assert.Equal(t, StateValidated, inst.State)
	assert.Equal(t, []Event{EventCompileSucceeded, EventCompileSucceeded}, eventsOf(inst.History))

	records, err := h.reg.Compilations(ctx, "btc-momentum")
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, h.bus.count(events.EventInstanceCreated))
}
