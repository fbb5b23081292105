package registry

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zero-day-ai/stratagem/internal/database"
	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// SQLiteRegistry is a Registry persisted in the plans, plan_lineage and
// compilations tables. Every mutation runs in a single transaction.
type SQLiteRegistry struct {
	db      *database.DB
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	checker ReferenceChecker
	putMu   sync.Mutex
}

// NewSQLiteRegistry creates a registry on an open, migrated database.
func NewSQLiteRegistry(db *database.DB, logger *slog.Logger) *SQLiteRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRegistry{
		db:     db,
		logger: logger.With("component", "registry", "backend", "sqlite"),
		now:    time.Now,
	}
}

func queryFailed(message string, err error) error {
	var coded *types.Error
	if errors.As(err, &coded) {
		return err
	}
	return types.WrapError(types.DB_QUERY_FAILED, message, err)
}

// Put implements Registry.
func (r *SQLiteRegistry) Put(ctx context.Context, plan *strategy.ExecutionPlan, lineage Lineage) (string, error) {
	if err := validatePlan(plan); err != nil {
		return "", err
	}
	now := r.now()
	if lineage.RecordedAt.IsZero() {
		lineage.RecordedAt = now
	}

	r.putMu.Lock()
	defer r.putMu.Unlock()

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var stored []byte
		err := tx.QueryRowContext(ctx,
			`SELECT canonical FROM plans WHERE fingerprint = ?`, plan.Fingerprint,
		).Scan(&stored)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO plans (fingerprint, canonical, compiler_version, ref_count, created_at, updated_at)
				VALUES (?, ?, ?, 1, ?, ?)
			`, plan.Fingerprint, plan.Canonical, plan.CompilerVersion, now, now); err != nil {
				return queryFailed("failed to insert plan", err)
			}
		case err != nil:
			return queryFailed("failed to read plan", err)
		default:
			if !bytes.Equal(stored, plan.Canonical) {
				r.logger.Error("fingerprint collision with different content",
					"fingerprint", plan.Fingerprint,
					"strategy_id", lineage.StrategyID,
					"spec_version", lineage.SpecVersion,
				)
				return ErrCorruption(plan.Fingerprint)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE plans SET ref_count = ref_count + 1, updated_at = ? WHERE fingerprint = ?`,
				now, plan.Fingerprint,
			); err != nil {
				return queryFailed("failed to increment plan references", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO plan_lineage (fingerprint, strategy_id, spec_version, author, recorded_at)
			VALUES (?, ?, ?, ?, ?)
		`, plan.Fingerprint, lineage.StrategyID, lineage.SpecVersion, lineage.Author, lineage.RecordedAt); err != nil {
			return queryFailed("failed to record lineage", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return plan.Fingerprint, nil
}

// Get implements Registry. Stored bytes are re-verified on every read; a row
// whose content no longer hashes to its key yields REGISTRY_CORRUPTION.
func (r *SQLiteRegistry) Get(ctx context.Context, fingerprint string) (*strategy.ExecutionPlan, error) {
	var canonical []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT canonical FROM plans WHERE fingerprint = ?`, fingerprint,
	).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound(fingerprint)
	}
	if err != nil {
		return nil, queryFailed("failed to read plan", err)
	}

	plan, err := strategy.DecodePlan(fingerprint, canonical)
	if err != nil {
		r.logger.Error("stored plan failed verification", "fingerprint", fingerprint, "error", err)
		return nil, types.WrapError(types.REGISTRY_CORRUPTION, "stored plan failed verification", err)
	}
	return plan, nil
}

// Release implements Registry.
func (r *SQLiteRegistry) Release(ctx context.Context, fingerprint string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE plans
		SET ref_count = CASE WHEN ref_count > 0 THEN ref_count - 1 ELSE 0 END, updated_at = ?
		WHERE fingerprint = ?
	`, r.now(), fingerprint)
	if err != nil {
		return queryFailed("failed to release plan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queryFailed("failed to release plan", err)
	}
	if n == 0 {
		return ErrNotFound(fingerprint)
	}
	return nil
}

// RefCount implements Registry.
func (r *SQLiteRegistry) RefCount(ctx context.Context, fingerprint string) (int, error) {
	var refs int
	err := r.db.QueryRowContext(ctx,
		`SELECT ref_count FROM plans WHERE fingerprint = ?`, fingerprint,
	).Scan(&refs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound(fingerprint)
	}
	if err != nil {
		return 0, queryFailed("failed to read reference count", err)
	}
	return refs, nil
}

// Collect implements Registry.
func (r *SQLiteRegistry) Collect(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT fingerprint FROM plans WHERE ref_count = 0 ORDER BY fingerprint`)
	if err != nil {
		return nil, queryFailed("failed to list unreferenced plans", err)
	}
	var candidates []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return nil, queryFailed("failed to scan plan", err)
		}
		candidates = append(candidates, fp)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, queryFailed("failed to list unreferenced plans", err)
	}
	rows.Close()

	r.mu.RLock()
	checker := r.checker
	r.mu.RUnlock()

	var removed []string
	for _, fp := range candidates {
		if checker != nil {
			referenced, err := checker.References(ctx, fp)
			if err != nil {
				return removed, err
			}
			if referenced {
				r.logger.Warn("plan has no registry references but is still used", "fingerprint", fp)
				continue
			}
		}
		res, err := r.db.ExecContext(ctx,
			`DELETE FROM plans WHERE fingerprint = ? AND ref_count = 0`, fp)
		if err != nil {
			return removed, queryFailed("failed to delete plan", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed = append(removed, fp)
		}
	}
	if len(removed) > 0 {
		r.logger.Info("collected unreferenced plans", "count", len(removed))
	}
	return removed, nil
}

// Lineage implements Registry.
func (r *SQLiteRegistry) Lineage(ctx context.Context, fingerprint string) ([]Lineage, error) {
	if _, err := r.RefCount(ctx, fingerprint); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT strategy_id, spec_version, author, recorded_at
		FROM plan_lineage
		WHERE fingerprint = ?
		ORDER BY recorded_at, rowid
	`, fingerprint)
	if err != nil {
		return nil, queryFailed("failed to query lineage", err)
	}
	defer rows.Close()

	var out []Lineage
	for rows.Next() {
		var l Lineage
		if err := rows.Scan(&l.StrategyID, &l.SpecVersion, &l.Author, &l.RecordedAt); err != nil {
			return nil, queryFailed("failed to scan lineage", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("failed to query lineage", err)
	}
	return out, nil
}

// RecordCompilation implements Registry.
func (r *SQLiteRegistry) RecordCompilation(ctx context.Context, record CompilationRecord) error {
	normalizeRecord(&record, r.now())

	diagnosticsJSON, err := json.Marshal(record.Diagnostics)
	if err != nil {
		return types.WrapError(types.DB_QUERY_FAILED, "failed to marshal diagnostics", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO compilations (
			id, strategy_id, spec_version, fingerprint, succeeded, rejection,
			diagnostics, compiler_version, duration_us, compiled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID.String(),
		record.StrategyID,
		record.SpecVersion,
		record.Fingerprint,
		record.Succeeded,
		record.Rejection,
		string(diagnosticsJSON),
		record.CompilerVersion,
		record.Duration.Microseconds(),
		record.CompiledAt,
	)
	if err != nil {
		return queryFailed("failed to insert compilation record", err)
	}
	return nil
}

// Compilations implements Registry.
func (r *SQLiteRegistry) Compilations(ctx context.Context, strategyID string) ([]CompilationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, strategy_id, spec_version, fingerprint, succeeded, rejection,
			diagnostics, compiler_version, duration_us, compiled_at
		FROM compilations
		WHERE strategy_id = ?
		ORDER BY compiled_at, rowid
	`, strategyID)
	if err != nil {
		return nil, queryFailed("failed to query compilations", err)
	}
	defer rows.Close()

	var out []CompilationRecord
	for rows.Next() {
		var (
			rec             CompilationRecord
			id              string
			diagnosticsJSON string
			durationUS      int64
		)
		if err := rows.Scan(
			&id, &rec.StrategyID, &rec.SpecVersion, &rec.Fingerprint, &rec.Succeeded, &rec.Rejection,
			&diagnosticsJSON, &rec.CompilerVersion, &durationUS, &rec.CompiledAt,
		); err != nil {
			return nil, queryFailed("failed to scan compilation record", err)
		}
		rec.ID = types.ID(id)
		rec.Duration = time.Duration(durationUS) * time.Microsecond
		if err := json.Unmarshal([]byte(diagnosticsJSON), &rec.Diagnostics); err != nil {
			return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to unmarshal diagnostics", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("failed to query compilations", err)
	}
	return out, nil
}

// Stats implements Registry.
func (r *SQLiteRegistry) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(ref_count), 0),
			COALESCE(SUM(CASE WHEN ref_count = 0 THEN 1 ELSE 0 END), 0)
		FROM plans
	`).Scan(&s.Plans, &s.References, &s.Unreferenced)
	if err != nil {
		return s, queryFailed("failed to count plans", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plan_lineage`).Scan(&s.Lineage); err != nil {
		return s, queryFailed("failed to count lineage", err)
	}
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN succeeded = 0 THEN 1 ELSE 0 END), 0)
		FROM compilations
	`).Scan(&s.Compilations, &s.Failed)
	if err != nil {
		return s, queryFailed("failed to count compilations", err)
	}
	return s, nil
}

// SetReferenceChecker implements Registry.
func (r *SQLiteRegistry) SetReferenceChecker(checker ReferenceChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checker = checker
}

// Close implements Registry. The database handle is owned by the caller.
func (r *SQLiteRegistry) Close() error {
	return nil
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Registry = (*SQLiteRegistry)(nil)
)
