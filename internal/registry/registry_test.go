package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/stratagem/internal/database"
	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

func testPlan(t *testing.T, symbol string) *strategy.ExecutionPlan {
	t.Helper()
	limit := decimal.RequireFromString("3")
	plan := &strategy.ExecutionPlan{
		CompilerVersion: "stratagem-plan/test",
		Instructions: []strategy.Instruction{
			{
				Index: 0,
				Rule:  "enter",
				Condition: &strategy.Node{Kind: strategy.NodeApply, Type: strategy.TypeBool, Op: strategy.OpGT, Args: []*strategy.Node{
					{Kind: strategy.NodeInput, Type: strategy.TypeNumber, Input: "close"},
					strategy.ConstNode(strategy.Number(decimal.NewFromInt(100))),
				}},
				Action: strategy.ResolvedAction{
					Kind:   strategy.ActionEnterLong,
					Symbol: symbol,
					Size:   strategy.ConstNode(strategy.Number(decimal.RequireFromString("0.5"))),
				},
			},
		},
		Risk:   strategy.RiskEnvelope{Bounds: []strategy.Bound{{Kind: strategy.ConstraintLeverage, Max: &limit}}},
		Inputs: []string{"close"},
	}
	require.NoError(t, plan.Seal())
	return plan
}

type backend struct {
	name string
	new  func(t *testing.T) Registry
	// corrupt overwrites the stored bytes of a plan without touching its key.
	corrupt func(t *testing.T, r Registry, fingerprint string)
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			new: func(t *testing.T) Registry {
				return NewMemoryRegistry(nil)
			},
			corrupt: func(t *testing.T, r Registry, fingerprint string) {
				m := r.(*MemoryRegistry)
				m.mu.Lock()
				defer m.mu.Unlock()
				entry := m.plans[fingerprint]
				tampered := *entry.plan
				tampered.Canonical = []byte(`{"tampered":true}`)
				entry.plan = &tampered
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T) Registry {
				db, err := database.Open(filepath.Join(t.TempDir(), "registry.db"))
				require.NoError(t, err)
				t.Cleanup(func() { db.Close() })
				require.NoError(t, db.InitSchema(context.Background()))
				return NewSQLiteRegistry(db, nil)
			},
			corrupt: func(t *testing.T, r Registry, fingerprint string) {
				s := r.(*SQLiteRegistry)
				_, err := s.db.ExecContext(context.Background(),
					`UPDATE plans SET canonical = ? WHERE fingerprint = ?`,
					[]byte(`{"tampered":true}`), fingerprint)
				require.NoError(t, err)
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend, r Registry)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			r := b.new(t)
			defer r.Close()
			fn(t, b, r)
		})
	}
}

func TestRegistry_PutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		plan := testPlan(t, "BTC-USD")

		fp, err := r.Put(ctx, plan, Lineage{StrategyID: "btc", SpecVersion: 1, Author: "alice"})
		require.NoError(t, err)
		assert.Equal(t, plan.Fingerprint, fp)

		got, err := r.Get(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, plan.Fingerprint, got.Fingerprint)
		assert.Equal(t, plan.Canonical, got.Canonical)
		assert.NoError(t, got.Verify())

		refs, err := r.RefCount(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, 1, refs)
	})
}

func TestRegistry_PutIdenticalIncrementsReferences(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()

		fp1, err := r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: 1})
		require.NoError(t, err)
		fp2, err := r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc-copy", SpecVersion: 4})
		require.NoError(t, err)
		assert.Equal(t, fp1, fp2)

		refs, err := r.RefCount(ctx, fp1)
		require.NoError(t, err)
		assert.Equal(t, 2, refs)

		lineage, err := r.Lineage(ctx, fp1)
		require.NoError(t, err)
		require.Len(t, lineage, 2)
		assert.Equal(t, "btc", lineage[0].StrategyID)
		assert.Equal(t, "btc-copy", lineage[1].StrategyID)
		assert.Equal(t, int64(4), lineage[1].SpecVersion)
	})
}

func TestRegistry_LineageIsDeduplicated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: 2})
			require.NoError(t, err)
		}
		fp := testPlan(t, "BTC-USD").Fingerprint

		lineage, err := r.Lineage(ctx, fp)
		require.NoError(t, err)
		assert.Len(t, lineage, 1)

		refs, err := r.RefCount(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, 3, refs)
	})
}

func TestRegistry_DistinctPlans(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		fp1, err := r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: 1})
		require.NoError(t, err)
		fp2, err := r.Put(ctx, testPlan(t, "ETH-USD"), Lineage{StrategyID: "eth", SpecVersion: 1})
		require.NoError(t, err)
		assert.NotEqual(t, fp1, fp2)

		stats, err := r.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Plans)
		assert.Equal(t, 2, stats.References)
		assert.Equal(t, 0, stats.Unreferenced)
		assert.Equal(t, 2, stats.Lineage)
	})
}

func TestRegistry_GetNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		_, err := r.Get(ctx, "sha256:missing")
		assert.True(t, types.HasCode(err, types.NOT_FOUND))

		_, err = r.RefCount(ctx, "sha256:missing")
		assert.True(t, types.HasCode(err, types.NOT_FOUND))

		_, err = r.Lineage(ctx, "sha256:missing")
		assert.True(t, types.HasCode(err, types.NOT_FOUND))

		err = r.Release(ctx, "sha256:missing")
		assert.True(t, types.HasCode(err, types.NOT_FOUND))
	})
}

func TestRegistry_PutRejectsUnsealedPlans(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()

		_, err := r.Put(ctx, nil, Lineage{StrategyID: "btc", SpecVersion: 1})
		assert.True(t, types.HasCode(err, types.INVALID_ARGUMENT))

		unsealed := testPlan(t, "BTC-USD")
		unsealed.Fingerprint = ""
		_, err = r.Put(ctx, unsealed, Lineage{StrategyID: "btc", SpecVersion: 1})
		assert.True(t, types.HasCode(err, types.INVALID_ARGUMENT))

		forged := testPlan(t, "BTC-USD")
		forged.Instructions[0].Action.Symbol = "ETH-USD"
		_, err = r.Put(ctx, forged, Lineage{StrategyID: "btc", SpecVersion: 1})
		assert.True(t, types.HasCode(err, types.INVALID_ARGUMENT))
	})
}

func TestRegistry_Corruption(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, r Registry) {
		ctx := context.Background()
		fp, err := r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: 1})
		require.NoError(t, err)

		b.corrupt(t, r, fp)

		_, err = r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: 2})
		assert.True(t, types.HasCode(err, types.REGISTRY_CORRUPTION), "got %v", err)

		refs, err := r.RefCount(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, 1, refs, "a rejected put must not change the count")

		lineage, err := r.Lineage(ctx, fp)
		require.NoError(t, err)
		assert.Len(t, lineage, 1)
	})
}

func TestRegistry_ReleaseFloorsAtZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		fp, err := r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: 1})
		require.NoError(t, err)

		require.NoError(t, r.Release(ctx, fp))
		require.NoError(t, r.Release(ctx, fp))

		refs, err := r.RefCount(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, 0, refs)

		// Released plans stay readable until collected.
		_, err = r.Get(ctx, fp)
		assert.NoError(t, err)
	})
}

func TestRegistry_Collect(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		kept, err := r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: 1})
		require.NoError(t, err)
		dropped, err := r.Put(ctx, testPlan(t, "ETH-USD"), Lineage{StrategyID: "eth", SpecVersion: 1})
		require.NoError(t, err)
		require.NoError(t, r.Release(ctx, dropped))

		removed, err := r.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{dropped}, removed)

		_, err = r.Get(ctx, dropped)
		assert.True(t, types.HasCode(err, types.NOT_FOUND))
		_, err = r.Get(ctx, kept)
		assert.NoError(t, err)

		stats, err := r.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Plans)
		assert.Equal(t, 1, stats.Lineage)
	})
}

func TestRegistry_CollectHonorsReferenceChecker(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		fp, err := r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: 1})
		require.NoError(t, err)
		require.NoError(t, r.Release(ctx, fp))

		var asked []string
		r.SetReferenceChecker(ReferenceCheckerFunc(func(ctx context.Context, fingerprint string) (bool, error) {
			asked = append(asked, fingerprint)
			return true, nil
		}))

		removed, err := r.Collect(ctx)
		require.NoError(t, err)
		assert.Empty(t, removed)
		assert.Equal(t, []string{fp}, asked)

		_, err = r.Get(ctx, fp)
		assert.NoError(t, err)

		r.SetReferenceChecker(ReferenceCheckerFunc(func(ctx context.Context, fingerprint string) (bool, error) {
			return false, nil
		}))
		removed, err = r.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{fp}, removed)
	})
}

func TestRegistry_Compilations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		var diags strategy.Diagnostics
		diags.Errorf(strategy.Location{Path: "rules[0].when"}, strategy.CodeUnresolvedReference, "unknown parameter %q", "x")

		require.NoError(t, r.RecordCompilation(ctx, CompilationRecord{
			StrategyID:      "btc",
			SpecVersion:     1,
			Succeeded:       false,
			Diagnostics:     diags,
			CompilerVersion: "stratagem-plan/test",
			Duration:        1500 * time.Microsecond,
			CompiledAt:      base,
		}))
		require.NoError(t, r.RecordCompilation(ctx, CompilationRecord{
			StrategyID:      "btc",
			SpecVersion:     2,
			Fingerprint:     "sha256:abc",
			Succeeded:       true,
			CompilerVersion: "stratagem-plan/test",
			CompiledAt:      base.Add(time.Minute),
		}))
		require.NoError(t, r.RecordCompilation(ctx, CompilationRecord{
			StrategyID:  "eth",
			SpecVersion: 1,
			Succeeded:   true,
			Rejection:   "instance is deploying",
			CompiledAt:  base,
		}))

		records, err := r.Compilations(ctx, "btc")
		require.NoError(t, err)
		require.Len(t, records, 2)

		assert.False(t, records[0].Succeeded)
		assert.False(t, records[0].ID.IsZero())
		assert.Equal(t, int64(1), records[0].SpecVersion)
		assert.Equal(t, 1500*time.Microsecond, records[0].Duration)
		require.Len(t, records[0].Diagnostics, 1)
		assert.Equal(t, strategy.CodeUnresolvedReference, records[0].Diagnostics[0].Code)
		assert.True(t, records[0].CompiledAt.Equal(base))

		assert.True(t, records[1].Succeeded)
		assert.Equal(t, "sha256:abc", records[1].Fingerprint)
		assert.Empty(t, records[1].Diagnostics)
		assert.Empty(t, records[1].Rejection)

		rejected, err := r.Compilations(ctx, "eth")
		require.NoError(t, err)
		require.Len(t, rejected, 1)
		assert.True(t, rejected[0].Succeeded)
		assert.Equal(t, "instance is deploying", rejected[0].Rejection)

		none, err := r.Compilations(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, none)

		stats, err := r.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Compilations)
		assert.Equal(t, 1, stats.Failed)
	})
}

func TestRegistry_ConcurrentPut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, _ backend, r Registry) {
		ctx := context.Background()
		const n = 16

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = r.Put(ctx, testPlan(t, "BTC-USD"), Lineage{StrategyID: "btc", SpecVersion: int64(i + 1)})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		refs, err := r.RefCount(ctx, testPlan(t, "BTC-USD").Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, n, refs)
	})
}
