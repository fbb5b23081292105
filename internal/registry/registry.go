// Package registry is the content-addressed store for compiled execution plans.
//
// Plans are keyed by fingerprint and reference-counted: Put inserts a plan or,
// when an identical plan is already stored, increments its count; Release
// decrements it. Collect removes plans nobody references any more. Alongside the
// plans the registry keeps their lineage (which strategy versions produced each
// plan) and an append-only audit log of every compilation, successful or not.
//
// Two backends implement Registry: an in-memory map for tests and single-process
// use, and a SQLite backend built on internal/database.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// Lineage records that a strategy version compiled to a plan.
type Lineage struct {
	StrategyID  string    `json:"strategy_id"`
	SpecVersion int64     `json:"spec_version"`
	Author      string    `json:"author,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// CompilationRecord is one entry of the compilation audit log. Succeeded says
// whether the spec compiled; Rejection is set when a compiled plan was not
// applied to the strategy's instance.
type CompilationRecord struct {
	ID              types.ID             `json:"id"`
	StrategyID      string               `json:"strategy_id"`
	SpecVersion     int64                `json:"spec_version"`
	Fingerprint     string               `json:"fingerprint,omitempty"`
	Succeeded       bool                 `json:"succeeded"`
	Rejection       string               `json:"rejection,omitempty"`
	Diagnostics     strategy.Diagnostics `json:"diagnostics"`
	CompilerVersion string               `json:"compiler_version"`
	Duration        time.Duration        `json:"duration"`
	CompiledAt      time.Time            `json:"compiled_at"`
}

// Stats summarizes registry contents.
type Stats struct {
	Plans        int `json:"plans"`
	References   int `json:"references"`
	Unreferenced int `json:"unreferenced"`
	Lineage      int `json:"lineage"`
	Compilations int `json:"compilations"`
	Failed       int `json:"failed_compilations"`
}

// ReferenceChecker reports whether a plan is still referenced outside the
// registry's own counts, typically by a strategy instance. Collect never removes
// a plan the checker reports as referenced.
type ReferenceChecker interface {
	References(ctx context.Context, fingerprint string) (bool, error)
}

// ReferenceCheckerFunc adapts a function to ReferenceChecker.
type ReferenceCheckerFunc func(ctx context.Context, fingerprint string) (bool, error)

// References implements ReferenceChecker.
func (f ReferenceCheckerFunc) References(ctx context.Context, fingerprint string) (bool, error) {
	return f(ctx, fingerprint)
}

// Registry stores execution plans by fingerprint.
type Registry interface {
	// Put stores the plan, or increments the reference count when an identical
	// plan is already present, and records the lineage. It returns the plan's
	// fingerprint. A stored plan with the same fingerprint but different
	// canonical bytes yields REGISTRY_CORRUPTION.
	Put(ctx context.Context, plan *strategy.ExecutionPlan, lineage Lineage) (string, error)

	// Get returns the plan with the given fingerprint or NOT_FOUND.
	Get(ctx context.Context, fingerprint string) (*strategy.ExecutionPlan, error)

	// Release decrements the reference count of a plan. It never goes below zero.
	Release(ctx context.Context, fingerprint string) error

	// RefCount returns the current reference count of a plan.
	RefCount(ctx context.Context, fingerprint string) (int, error)

	// Collect removes plans with no references and returns their fingerprints.
	Collect(ctx context.Context) ([]string, error)

	// Lineage lists the strategy versions that produced a plan, oldest first.
	Lineage(ctx context.Context, fingerprint string) ([]Lineage, error)

	// RecordCompilation appends to the compilation audit log.
	RecordCompilation(ctx context.Context, record CompilationRecord) error

	// Compilations returns the audit log of a strategy, oldest first.
	Compilations(ctx context.Context, strategyID string) ([]CompilationRecord, error)

	// Stats summarizes the registry.
	Stats(ctx context.Context) (Stats, error)

	// SetReferenceChecker installs the checker consulted by Collect.
	SetReferenceChecker(checker ReferenceChecker)

	// Close releases resources held by the registry.
	Close() error
}

// ErrNotFound returns the NOT_FOUND error for a fingerprint.
func ErrNotFound(fingerprint string) error {
	return types.NewError(types.NOT_FOUND, fmt.Sprintf("plan %s not found", fingerprint))
}

// ErrCorruption returns the REGISTRY_CORRUPTION error for a fingerprint.
func ErrCorruption(fingerprint string) error {
	return types.NewError(types.REGISTRY_CORRUPTION,
		fmt.Sprintf("plan %s is already stored with different content", fingerprint))
}

// validatePlan checks that a plan is sealed and self-consistent before insertion.
func validatePlan(plan *strategy.ExecutionPlan) error {
	if plan == nil {
		return types.NewError(types.INVALID_ARGUMENT, "plan is nil")
	}
	if plan.Fingerprint == "" || len(plan.Canonical) == 0 {
		return types.NewError(types.INVALID_ARGUMENT, "plan is not sealed")
	}
	if err := plan.Verify(); err != nil {
		return types.WrapError(types.INVALID_ARGUMENT, "plan failed verification", err)
	}
	return nil
}

func normalizeRecord(rec *CompilationRecord, now time.Time) {
	if rec.ID.IsZero() {
		rec.ID = types.NewID()
	}
	if rec.CompiledAt.IsZero() {
		rec.CompiledAt = now
	}
	if rec.Diagnostics == nil {
		rec.Diagnostics = strategy.Diagnostics{}
	}
}
