// Package fleet tracks the live set of execution workers, their assignments and
// their heartbeats.
//
// The Tracker is the only owner of assignment state on the worker side: which
// instance is held by which worker, and how loaded each worker is. It chooses
// workers for new assignments and reports workers that have gone silent. It
// does not know about instance lifecycle states; the control plane reacts to
// what the tracker reports.
//
// Workers join either by calling the control plane API directly or by announcing
// themselves in etcd (see Announcer and Watcher).
package fleet

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zero-day-ai/stratagem/internal/types"
)

const (
	// DefaultMaxLoad is the default number of instances a worker may hold.
	DefaultMaxLoad = 8

	// DefaultStalenessThreshold is the default time a worker may stay silent
	// before it is presumed failed.
	DefaultStalenessThreshold = 30 * time.Second
)

// Source records how a worker joined the fleet.
type Source string

const (
	SourceAPI  Source = "api"
	SourceEtcd Source = "etcd"
)

// Registration describes a worker joining the fleet.
type Registration struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Address      string   `json:"address,omitempty"`
	Source       Source   `json:"source,omitempty"`
}

// Worker is a snapshot of a worker's state.
type Worker struct {
	ID             string    `json:"id"`
	Capabilities   []string  `json:"capabilities"`
	Address        string    `json:"address,omitempty"`
	Source         Source    `json:"source"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	LastAssignedAt time.Time `json:"last_assigned_at,omitempty"`
	Load           int       `json:"load"`
	Assignments    []string  `json:"assignments"`
	RegisteredAt   time.Time `json:"registered_at"`
	Stale          bool      `json:"stale"`
}

// StaleWorker is a worker found silent beyond the staleness threshold together
// with the assignments that were cleared because of it.
type StaleWorker struct {
	WorkerID      string
	LastHeartbeat time.Time
	Instances     []string
}

type worker struct {
	Registration
	capabilities   map[string]struct{}
	lastHeartbeat  time.Time
	lastAssignedAt time.Time
	registeredAt   time.Time
	assignments    map[string]struct{}
}

func (w *worker) satisfies(requires []string) bool {
	for _, r := range requires {
		if _, ok := w.capabilities[r]; !ok {
			return false
		}
	}
	return true
}

func (w *worker) snapshot(stale bool) Worker {
	out := Worker{
		ID:             w.ID,
		Capabilities:   append([]string(nil), w.Capabilities...),
		Address:        w.Address,
		Source:         w.Source,
		LastHeartbeat:  w.lastHeartbeat,
		LastAssignedAt: w.lastAssignedAt,
		Load:           len(w.assignments),
		Assignments:    make([]string, 0, len(w.assignments)),
		RegisteredAt:   w.registeredAt,
		Stale:          stale,
	}
	for id := range w.assignments {
		out.Assignments = append(out.Assignments, id)
	}
	sort.Strings(out.Assignments)
	return out
}

// Tracker maintains the worker set and instance assignments.
type Tracker struct {
	mu          sync.Mutex
	workers     map[string]*worker
	assignments map[string]string // instance id -> worker id

	maxLoad    int
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxLoad sets the maximum number of instances per worker.
func WithMaxLoad(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxLoad = n
		}
	}
}

// WithStalenessThreshold sets how long a worker may be silent.
func WithStalenessThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		workers:     make(map[string]*worker),
		assignments: make(map[string]string),
		maxLoad:     DefaultMaxLoad,
		staleAfter:  DefaultStalenessThreshold,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "fleet")
	return t
}

// StalenessThreshold returns the configured threshold.
func (t *Tracker) StalenessThreshold() time.Duration {
	return t.staleAfter
}

// Register adds a worker or updates the capabilities of a known one. Registration
// counts as a heartbeat. Existing assignments are kept.
func (t *Tracker) Register(reg Registration) (Worker, error) {
	if reg.ID == "" {
		return Worker{}, types.NewError(types.INVALID_ARGUMENT, "worker id is required")
	}
	if reg.Source == "" {
		reg.Source = SourceAPI
	}
	reg.Capabilities = normalizeCapabilities(reg.Capabilities)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	w, ok := t.workers[reg.ID]
	if !ok {
		w = &worker{
			registeredAt: now,
			assignments:  make(map[string]struct{}),
		}
		t.workers[reg.ID] = w
		t.logger.Info("worker registered", "worker_id", reg.ID, "capabilities", reg.Capabilities, "source", reg.Source)
	}
	w.Registration = reg
	w.capabilities = make(map[string]struct{}, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		w.capabilities[c] = struct{}{}
	}
	w.lastHeartbeat = now
	return w.snapshot(false), nil
}

func normalizeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Deregister removes a worker and returns the instances it was holding. Their
// assignments are cleared.
func (t *Tracker) Deregister(workerID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workers[workerID]
	if !ok {
		return nil, types.NewError(types.NOT_FOUND, fmt.Sprintf("worker %s not found", workerID))
	}
	instances := t.clearLocked(w)
	delete(t.workers, workerID)
	t.logger.Info("worker deregistered", "worker_id", workerID, "instances", len(instances))
	return instances, nil
}

// clearLocked drops every assignment of w and returns the instance ids, sorted.
func (t *Tracker) clearLocked(w *worker) []string {
	instances := make([]string, 0, len(w.assignments))
	for id := range w.assignments {
		instances = append(instances, id)
		delete(t.assignments, id)
	}
	w.assignments = make(map[string]struct{})
	sort.Strings(instances)
	return instances
}

// Heartbeat records that a worker is alive.
func (t *Tracker) Heartbeat(workerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workers[workerID]
	if !ok {
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("worker %s not found", workerID))
	}
	w.lastHeartbeat = t.now()
	return nil
}

func (t *Tracker) staleLocked(w *worker, now time.Time) bool {
	return now.Sub(w.lastHeartbeat) > t.staleAfter
}

// Assign picks a worker for the instance and records the assignment. Eligible
// workers are fresh, have every required capability and are below the maximum
// load. Among them the least loaded wins; ties go to the worker whose last
// assignment is oldest (never assigned first), then to the lowest id.
//
// Assigning an instance that already has an assignment releases the previous
// one first. When no worker is eligible a retryable ASSIGNMENT_FAILED error is
// returned.
func (t *Tracker) Assign(instanceID string, requires []string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.releaseLocked(instanceID)

	now := t.now()
	var best *worker
	for _, w := range t.workers {
		if t.staleLocked(w, now) || len(w.assignments) >= t.maxLoad || !w.satisfies(requires) {
			continue
		}
		if best == nil || better(w, best) {
			best = w
		}
	}
	if best == nil {
		return "", types.NewRetryableError(types.ASSIGNMENT_FAILED,
			fmt.Sprintf("no eligible worker for instance %s (requires %v, %d workers known)", instanceID, requires, len(t.workers)))
	}

	best.assignments[instanceID] = struct{}{}
	best.lastAssignedAt = now
	t.assignments[instanceID] = best.ID
	t.logger.Debug("instance assigned", "instance_id", instanceID, "worker_id", best.ID, "load", len(best.assignments))
	return best.ID, nil
}

func better(a, b *worker) bool {
	if la, lb := len(a.assignments), len(b.assignments); la != lb {
		return la < lb
	}
	if !a.lastAssignedAt.Equal(b.lastAssignedAt) {
		return a.lastAssignedAt.Before(b.lastAssignedAt)
	}
	return a.ID < b.ID
}

// Release clears the assignment of an instance. Releasing an unassigned
// instance is a no-op.
func (t *Tracker) Release(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(instanceID)
}

func (t *Tracker) releaseLocked(instanceID string) {
	workerID, ok := t.assignments[instanceID]
	if !ok {
		return
	}
	delete(t.assignments, instanceID)
	if w, ok := t.workers[workerID]; ok {
		delete(w.assignments, instanceID)
	}
}

// AssignedTo returns the worker holding an instance.
func (t *Tracker) AssignedTo(instanceID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.assignments[instanceID]
	return id, ok
}

// Restore records an assignment recovered from persisted instance state, for
// example after a restart. It fails when the worker is unknown.
func (t *Tracker) Restore(instanceID, workerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workers[workerID]
	if !ok {
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("worker %s not found", workerID))
	}
	t.releaseLocked(instanceID)
	w.assignments[instanceID] = struct{}{}
	t.assignments[instanceID] = workerID
	return nil
}

// Sweep finds workers that have been silent beyond the staleness threshold and
// clears their assignments. Stale workers stay in the set, excluded from new
// assignments, until they heartbeat again or are deregistered. Only workers
// that held assignments are returned.
func (t *Tracker) Sweep() []StaleWorker {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []StaleWorker
	for _, w := range t.workers {
		if !t.staleLocked(w, now) || len(w.assignments) == 0 {
			continue
		}
		instances := t.clearLocked(w)
		t.logger.Warn("worker is stale, clearing assignments",
			"worker_id", w.ID,
			"last_heartbeat", w.lastHeartbeat,
			"instances", len(instances),
		)
		out = append(out, StaleWorker{WorkerID: w.ID, LastHeartbeat: w.lastHeartbeat, Instances: instances})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Get returns a snapshot of one worker.
func (t *Tracker) Get(workerID string) (Worker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workers[workerID]
	if !ok {
		return Worker{}, false
	}
	return w.snapshot(t.staleLocked(w, t.now())), true
}

// List returns snapshots of all workers sorted by id.
func (t *Tracker) List() []Worker {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Worker, 0, len(t.workers))
	for _, w := range t.workers {
		out = append(out, w.snapshot(t.staleLocked(w, now)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
