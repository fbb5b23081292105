package registry

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zero-day-ai/stratagem/internal/strategy"
)

type memoryEntry struct {
	plan      *strategy.ExecutionPlan
	refs      int
	lineage   []Lineage
	createdAt time.Time
}

// MemoryRegistry is an in-memory Registry. All operations run under a single
// RWMutex; Put is a compare-and-insert under the write lock.
type MemoryRegistry struct {
	mu           sync.RWMutex
	plans        map[string]*memoryEntry
	compilations map[string][]CompilationRecord
	checker      ReferenceChecker
	logger       *slog.Logger
	now          func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(logger *slog.Logger) *MemoryRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryRegistry{
		plans:        make(map[string]*memoryEntry),
		compilations: make(map[string][]CompilationRecord),
		logger:       logger.With("component", "registry", "backend", "memory"),
		now:          time.Now,
	}
}

// Put implements Registry.
func (r *MemoryRegistry) Put(ctx context.Context, plan *strategy.ExecutionPlan, lineage Lineage) (string, error) {
	if err := validatePlan(plan); err != nil {
		return "", err
	}
	if lineage.RecordedAt.IsZero() {
		lineage.RecordedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.plans[plan.Fingerprint]
	if exists {
		if !bytes.Equal(entry.plan.Canonical, plan.Canonical) {
			r.logger.Error("fingerprint collision with different content",
				"fingerprint", plan.Fingerprint,
				"strategy_id", lineage.StrategyID,
				"spec_version", lineage.SpecVersion,
			)
			return "", ErrCorruption(plan.Fingerprint)
		}
		entry.refs++
	} else {
		entry = &memoryEntry{plan: plan, refs: 1, createdAt: r.now()}
		r.plans[plan.Fingerprint] = entry
	}

	if !hasLineage(entry.lineage, lineage) {
		entry.lineage = append(entry.lineage, lineage)
	}
	return plan.Fingerprint, nil
}

func hasLineage(list []Lineage, l Lineage) bool {
	for _, existing := range list {
		if existing.StrategyID == l.StrategyID && existing.SpecVersion == l.SpecVersion {
			return true
		}
	}
	return false
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, fingerprint string) (*strategy.ExecutionPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.plans[fingerprint]
	if !ok {
		return nil, ErrNotFound(fingerprint)
	}
	return entry.plan, nil
}

// Release implements Registry.
func (r *MemoryRegistry) Release(ctx context.Context, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.plans[fingerprint]
	if !ok {
		return ErrNotFound(fingerprint)
	}
	if entry.refs > 0 {
		entry.refs--
	}
	return nil
}

// RefCount implements Registry.
func (r *MemoryRegistry) RefCount(ctx context.Context, fingerprint string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.plans[fingerprint]
	if !ok {
		return 0, ErrNotFound(fingerprint)
	}
	return entry.refs, nil
}

// Collect implements Registry. Candidates are gathered under the read lock, the
// reference checker runs without holding any lock, and each candidate is removed
// only if its count is still zero.
func (r *MemoryRegistry) Collect(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	var candidates []string
	for fp, entry := range r.plans {
		if entry.refs == 0 {
			candidates = append(candidates, fp)
		}
	}
	checker := r.checker
	r.mu.RUnlock()
	sort.Strings(candidates)

	var removable []string
	for _, fp := range candidates {
		if checker != nil {
			referenced, err := checker.References(ctx, fp)
			if err != nil {
				return nil, err
			}
			if referenced {
				r.logger.Warn("plan has no registry references but is still used", "fingerprint", fp)
				continue
			}
		}
		removable = append(removable, fp)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for _, fp := range removable {
		if entry, ok := r.plans[fp]; ok && entry.refs == 0 {
			delete(r.plans, fp)
			removed = append(removed, fp)
		}
	}
	if len(removed) > 0 {
		r.logger.Info("collected unreferenced plans", "count", len(removed))
	}
	return removed, nil
}

// Lineage implements Registry.
func (r *MemoryRegistry) Lineage(ctx context.Context, fingerprint string) ([]Lineage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.plans[fingerprint]
	if !ok {
		return nil, ErrNotFound(fingerprint)
	}
	return append([]Lineage(nil), entry.lineage...), nil
}

// RecordCompilation implements Registry.
func (r *MemoryRegistry) RecordCompilation(ctx context.Context, record CompilationRecord) error {
	normalizeRecord(&record, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.compilations[record.StrategyID] = append(r.compilations[record.StrategyID], record)
	return nil
}

// Compilations implements Registry.
func (r *MemoryRegistry) Compilations(ctx context.Context, strategyID string) ([]CompilationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]CompilationRecord(nil), r.compilations[strategyID]...), nil
}

// Stats implements Registry.
func (r *MemoryRegistry) Stats(ctx context.Context) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	s.Plans = len(r.plans)
	for _, entry := range r.plans {
		s.References += entry.refs
		s.Lineage += len(entry.lineage)
		if entry.refs == 0 {
			s.Unreferenced++
		}
	}
	for _, records := range r.compilations {
		s.Compilations += len(records)
		for _, rec := range records {
			if !rec.Succeeded {
				s.Failed++
			}
		}
	}
	return s, nil
}

// SetReferenceChecker implements Registry.
func (r *MemoryRegistry) SetReferenceChecker(checker ReferenceChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checker = checker
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	return nil
}
