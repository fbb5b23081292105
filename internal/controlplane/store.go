package controlplane

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// InstanceStore persists strategy instances and their transition history.
// Only the current-state row changes; history is append-only.
type InstanceStore interface {
	// Create stores a new instance. It fails with CONCURRENCY_CONFLICT when the
	// strategy already has an instance.
	Create(ctx context.Context, inst *Instance) error

	// Get returns the instance with its full history, or NOT_FOUND.
	Get(ctx context.Context, id types.ID) (*Instance, error)

	// GetByStrategy returns the instance of a strategy, or NOT_FOUND.
	GetByStrategy(ctx context.Context, strategyID string) (*Instance, error)

	// List returns the instances matching filter, ordered by strategy id.
	List(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Update replaces the current state of inst if the stored revision equals
	// expectedRevision, and appends history entries the store does not have yet.
	// A revision mismatch yields CONCURRENCY_CONFLICT.
	Update(ctx context.Context, inst *Instance, expectedRevision int64) error

	// ReferencesPlan reports whether any non-retired instance points at the plan.
	ReferencesPlan(ctx context.Context, fingerprint string) (bool, error)

	Close() error
}

// SpecStore keeps every submitted version of every strategy spec.
type SpecStore interface {
	// Put stores a new version. The version must be greater than the latest
	// stored version of the strategy, otherwise STALE_SPEC_VERSION is returned.
	Put(ctx context.Context, spec *strategy.StrategySpec) error

	// Get returns one version, or NOT_FOUND.
	Get(ctx context.Context, strategyID string, version int64) (*strategy.StrategySpec, error)

	// Latest returns the highest stored version, or NOT_FOUND.
	Latest(ctx context.Context, strategyID string) (*strategy.StrategySpec, error)

	// Versions lists the stored versions in ascending order.
	Versions(ctx context.Context, strategyID string) ([]int64, error)

	Close() error
}

// OutcomeStore is the append-only log of reported outcomes.
type OutcomeStore interface {
	Append(ctx context.Context, outcome *Outcome) error

	// List returns up to limit outcomes of an instance, oldest first. A limit of
	// zero or less returns all of them.
	List(ctx context.Context, instanceID types.ID, limit int) ([]*Outcome, error)

	Close() error
}

// Stores groups the persistent stores used by the controller.
type Stores struct {
	Instances InstanceStore
	Specs     SpecStore
	Outcomes  OutcomeStore
}

// Close closes every store.
func (s Stores) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{s.Instances, s.Specs, s.Outcomes} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewMemoryStores returns in-memory implementations of every store.
func NewMemoryStores() Stores {
	return Stores{
		Instances: NewMemoryInstanceStore(),
		Specs:     NewMemorySpecStore(),
		Outcomes:  NewMemoryOutcomeStore(),
	}
}

func instanceNotFound(what string) error {
	return types.NewError(types.NOT_FOUND, fmt.Sprintf("instance %s not found", what))
}

func revisionConflict(id types.ID, expected, actual int64) error {
	return types.NewError(types.CONCURRENCY_CONFLICT,
		fmt.Sprintf("instance %s is at revision %d, expected %d", id, actual, expected))
}

func staleSpecVersion(strategyID string, version, latest int64) error {
	return types.NewError(types.STALE_SPEC_VERSION,
		fmt.Sprintf("strategy %q version %d is not newer than stored version %d", strategyID, version, latest))
}

// MemoryInstanceStore is an InstanceStore backed by maps.
type MemoryInstanceStore struct {
	mu         sync.RWMutex
	byID       map[types.ID]*Instance
	byStrategy map[string]types.ID
}

// NewMemoryInstanceStore creates an empty store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		byID:       make(map[types.ID]*Instance),
		byStrategy: make(map[string]types.ID),
	}
}

// Create implements InstanceStore.
func (s *MemoryInstanceStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byStrategy[inst.StrategyID]; ok {
		return types.NewError(types.CONCURRENCY_CONFLICT,
			fmt.Sprintf("strategy %q already has an instance", inst.StrategyID))
	}
	if _, ok := s.byID[inst.ID]; ok {
		return types.NewError(types.CONCURRENCY_CONFLICT, fmt.Sprintf("instance %s already exists", inst.ID))
	}
	s.byID[inst.ID] = inst.Clone()
	s.byStrategy[inst.StrategyID] = inst.ID
	return nil
}

// Get implements InstanceStore.
func (s *MemoryInstanceStore) Get(ctx context.Context, id types.ID) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.byID[id]
	if !ok {
		return nil, instanceNotFound(id.String())
	}
	return inst.Clone(), nil
}

// GetByStrategy implements InstanceStore.
func (s *MemoryInstanceStore) GetByStrategy(ctx context.Context, strategyID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byStrategy[strategyID]
	if !ok {
		return nil, instanceNotFound(fmt.Sprintf("for strategy %q", strategyID))
	}
	return s.byID[id].Clone(), nil
}

// List implements InstanceStore.
func (s *MemoryInstanceStore) List(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, inst := range s.byID {
		if filter.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out, nil
}

// Update implements InstanceStore.
func (s *MemoryInstanceStore) Update(ctx context.Context, inst *Instance, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[inst.ID]
	if !ok {
		return instanceNotFound(inst.ID.String())
	}
	if stored.Revision != expectedRevision {
		return revisionConflict(inst.ID, expectedRevision, stored.Revision)
	}
	if len(inst.History) < len(stored.History) {
		return types.NewError(types.INVALID_ARGUMENT, "instance history cannot shrink")
	}
	s.byID[inst.ID] = inst.Clone()
	return nil
}

// ReferencesPlan implements InstanceStore.
func (s *MemoryInstanceStore) ReferencesPlan(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.byID {
		if inst.PlanFingerprint == fingerprint && inst.State != StateRetired {
			return true, nil
		}
	}
	return false, nil
}

// Close implements InstanceStore.
func (s *MemoryInstanceStore) Close() error {
	return nil
}

// MemorySpecStore is a SpecStore backed by maps.
type MemorySpecStore struct {
	mu    sync.RWMutex
	specs map[string]map[int64]*strategy.StrategySpec
}

// NewMemorySpecStore creates an empty store.
func NewMemorySpecStore() *MemorySpecStore {
	return &MemorySpecStore{specs: make(map[string]map[int64]*strategy.StrategySpec)}
}

// Put implements SpecStore.
func (s *MemorySpecStore) Put(ctx context.Context, spec *strategy.StrategySpec) error {
	if spec == nil || spec.ID == "" {
		return types.NewError(types.INVALID_ARGUMENT, "spec requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.specs[spec.ID]
	if !ok {
		versions = make(map[int64]*strategy.StrategySpec)
		s.specs[spec.ID] = versions
	}
	var latest int64
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	if spec.Version <= latest {
		return staleSpecVersion(spec.ID, spec.Version, latest)
	}
	versions[spec.Version] = spec.Clone()
	return nil
}

// Get implements SpecStore.
func (s *MemorySpecStore) Get(ctx context.Context, strategyID string, version int64) (*strategy.StrategySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[strategyID][version]
	if !ok {
		return nil, types.NewError(types.NOT_FOUND, fmt.Sprintf("strategy %q version %d not found", strategyID, version))
	}
	return spec.Clone(), nil
}

// Latest implements SpecStore.
func (s *MemorySpecStore) Latest(ctx context.Context, strategyID string) (*strategy.StrategySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *strategy.StrategySpec
	for _, spec := range s.specs[strategyID] {
		if best == nil || spec.Version > best.Version {
			best = spec
		}
	}
	if best == nil {
		return nil, types.NewError(types.NOT_FOUND, fmt.Sprintf("strategy %q not found", strategyID))
	}
	return best.Clone(), nil
}

// Versions implements SpecStore.
func (s *MemorySpecStore) Versions(ctx context.Context, strategyID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int64, 0, len(s.specs[strategyID]))
	for v := range s.specs[strategyID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close implements SpecStore.
func (s *MemorySpecStore) Close() error {
	return nil
}

// MemoryOutcomeStore is an OutcomeStore backed by a slice per instance.
type MemoryOutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[types.ID][]*Outcome
}

// NewMemoryOutcomeStore creates an empty store.
func NewMemoryOutcomeStore() *MemoryOutcomeStore {
	return &MemoryOutcomeStore{outcomes: make(map[types.ID][]*Outcome)}
}

// Append implements OutcomeStore.
func (s *MemoryOutcomeStore) Append(ctx context.Context, outcome *Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := *outcome
	list := append(s.outcomes[o.InstanceID], &o)
	sort.SliceStable(list, func(i, j int) bool { return list[i].ObservedAt.Before(list[j].ObservedAt) })
	s.outcomes[o.InstanceID] = list
	return nil
}

// List implements OutcomeStore.
func (s *MemoryOutcomeStore) List(ctx context.Context, instanceID types.ID, limit int) ([]*Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.outcomes[instanceID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Outcome, len(list))
	for i, o := range list {
		c := *o
		out[i] = &c
	}
	return out, nil
}

// Close implements OutcomeStore.
func (s *MemoryOutcomeStore) Close() error {
	return nil
}
