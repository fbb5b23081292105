package controlplane

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zero-day-ai/stratagem/internal/database"
	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
)

func queryFailed(message string, err error) error {
	var coded *types.Error
	if errors.As(err, &coded) {
		return err
	}
	return types.WrapError(types.DB_QUERY_FAILED, message, err)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// NewSQLiteStores returns SQLite implementations of every store sharing db.
// The database must already be migrated.
func NewSQLiteStores(db *database.DB) Stores {
	return Stores{
		Instances: NewSQLiteInstanceStore(db),
		Specs:     NewSQLiteSpecStore(db),
		Outcomes:  NewSQLiteOutcomeStore(db),
	}
}

// SQLiteInstanceStore persists instances in the instances table and their
// history in instance_transitions.
type SQLiteInstanceStore struct {
	db *database.DB
}

// NewSQLiteInstanceStore creates an instance store on an open database.
func NewSQLiteInstanceStore(db *database.DB) *SQLiteInstanceStore {
	return &SQLiteInstanceStore{db: db}
}

const instanceColumns = `id, strategy_id, state, plan_fingerprint, spec_version, worker_id,
	last_heartbeat, last_health, deploy_attempts, next_deploy_at, deploy_deadline,
	last_error, revision, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst          Instance
		id            string
		lastHeartbeat sql.NullTime
		nextDeployAt  sql.NullTime
		deadline      sql.NullTime
		lastHealth    string
	)
	if err := row.Scan(
		&id, &inst.StrategyID, &inst.State, &inst.PlanFingerprint, &inst.SpecVersion, &inst.WorkerID,
		&lastHeartbeat, &lastHealth, &inst.DeployAttempts, &nextDeployAt, &deadline,
		&inst.LastError, &inst.Revision, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inst.ID = types.ID(id)
	inst.LastHeartbeat = fromNullTime(lastHeartbeat)
	inst.NextDeployAt = fromNullTime(nextDeployAt)
	inst.DeployDeadline = fromNullTime(deadline)
	if lastHealth != "" {
		var h HealthSignal
		if err := json.Unmarshal([]byte(lastHealth), &h); err != nil {
			return nil, fmt.Errorf("failed to decode last health of instance %s: %w", id, err)
		}
		inst.LastHealth = &h
	}
	return &inst, nil
}

func encodeHealth(h *HealthSignal) (string, error) {
	if h == nil {
		return "", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode health signal: %w", err)
	}
	return string(data), nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadHistory(ctx context.Context, q queryer, id types.ID) ([]Transition, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, at, from_state, event, to_state, cause, fingerprint, worker_id
		FROM instance_transitions WHERE instance_id = ? ORDER BY seq
	`, id.String())
	if err != nil {
		return nil, queryFailed("failed to read instance history", err)
	}
	defer rows.Close()

	var history []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.Seq, &tr.At, &tr.From, &tr.Event, &tr.To, &tr.Cause, &tr.Fingerprint, &tr.WorkerID); err != nil {
			return nil, queryFailed("failed to scan transition", err)
		}
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("failed to read instance history", err)
	}
	return history, nil
}

func insertTransitions(ctx context.Context, tx *sql.Tx, id types.ID, history []Transition, afterSeq int) error {
	for _, tr := range history {
		if tr.Seq <= afterSeq {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO instance_transitions (instance_id, seq, from_state, event, to_state, cause, fingerprint, worker_id, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id.String(), tr.Seq, string(tr.From), string(tr.Event), string(tr.To), tr.Cause, tr.Fingerprint, tr.WorkerID, tr.At.UTC()); err != nil {
			return queryFailed("failed to append transition", err)
		}
	}
	return nil
}

// Create implements InstanceStore.
func (s *SQLiteInstanceStore) Create(ctx context.Context, inst *Instance) error {
	health, err := encodeHealth(inst.LastHealth)
	if err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM instances WHERE strategy_id = ? OR id = ?)`,
			inst.StrategyID, inst.ID.String(),
		).Scan(&exists); err != nil {
			return queryFailed("failed to check instance", err)
		}
		if exists {
			return types.NewError(types.CONCURRENCY_CONFLICT,
				fmt.Sprintf("strategy %q already has an instance", inst.StrategyID))
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO instances (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inst.ID.String(), inst.StrategyID, string(inst.State), inst.PlanFingerprint, inst.SpecVersion, inst.WorkerID,
			nullTime(inst.LastHeartbeat), health, inst.DeployAttempts, nullTime(inst.NextDeployAt), nullTime(inst.DeployDeadline),
			inst.LastError, inst.Revision, inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(),
		); err != nil {
			return queryFailed("failed to insert instance", err)
		}
		return insertTransitions(ctx, tx, inst.ID, inst.History, 0)
	})
}

func (s *SQLiteInstanceStore) getWhere(ctx context.Context, where string, arg any, what string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE `+where, arg)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, instanceNotFound(what)
	}
	if err != nil {
		return nil, queryFailed("failed to read instance", err)
	}
	inst.History, err = loadHistory(ctx, s.db, inst.ID)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Get implements InstanceStore.
func (s *SQLiteInstanceStore) Get(ctx context.Context, id types.ID) (*Instance, error) {
	return s.getWhere(ctx, `id = ?`, id.String(), id.String())
}

// GetByStrategy implements InstanceStore.
func (s *SQLiteInstanceStore) GetByStrategy(ctx context.Context, strategyID string) (*Instance, error) {
	return s.getWhere(ctx, `strategy_id = ?`, strategyID, fmt.Sprintf("for strategy %q", strategyID))
}

// List implements InstanceStore.
func (s *SQLiteInstanceStore) List(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.StrategyID != "" {
		where = append(where, "strategy_id = ?")
		args = append(args, filter.StrategyID)
	}
	if filter.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, filter.WorkerID)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY strategy_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryFailed("failed to list instances", err)
	}
	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, queryFailed("failed to scan instance", err)
		}
		out = append(out, inst)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, queryFailed("failed to list instances", err)
	}

	for _, inst := range out {
		if inst.History, err = loadHistory(ctx, s.db, inst.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update implements InstanceStore.
func (s *SQLiteInstanceStore) Update(ctx context.Context, inst *Instance, expectedRevision int64) error {
	health, err := encodeHealth(inst.LastHealth)
	if err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				state = ?, plan_fingerprint = ?, spec_version = ?, worker_id = ?,
				last_heartbeat = ?, last_health = ?, deploy_attempts = ?, next_deploy_at = ?,
				deploy_deadline = ?, last_error = ?, revision = ?, updated_at = ?
			WHERE id = ? AND revision = ?
		`,
			string(inst.State), inst.PlanFingerprint, inst.SpecVersion, inst.WorkerID,
			nullTime(inst.LastHeartbeat), health, inst.DeployAttempts, nullTime(inst.NextDeployAt),
			nullTime(inst.DeployDeadline), inst.LastError, inst.Revision, inst.UpdatedAt.UTC(),
			inst.ID.String(), expectedRevision,
		)
		if err != nil {
			return queryFailed("failed to update instance", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return queryFailed("failed to update instance", err)
		}
		if n == 0 {
			var actual int64
			err := tx.QueryRowContext(ctx, `SELECT revision FROM instances WHERE id = ?`, inst.ID.String()).Scan(&actual)
			if errors.Is(err, sql.ErrNoRows) {
				return instanceNotFound(inst.ID.String())
			}
			if err != nil {
				return queryFailed("failed to read instance revision", err)
			}
			return revisionConflict(inst.ID, expectedRevision, actual)
		}

		var maxSeq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM instance_transitions WHERE instance_id = ?`, inst.ID.String(),
		).Scan(&maxSeq); err != nil {
			return queryFailed("failed to read instance history", err)
		}
		return insertTransitions(ctx, tx, inst.ID, inst.History, maxSeq)
	})
}

// ReferencesPlan implements InstanceStore.
func (s *SQLiteInstanceStore) ReferencesPlan(ctx context.Context, fingerprint string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM instances WHERE plan_fingerprint = ? AND state != ?)`,
		fingerprint, string(StateRetired),
	).Scan(&found)
	if err != nil {
		return false, queryFailed("failed to check plan references", err)
	}
	return found, nil
}

// Close implements InstanceStore. The database is owned by the caller.
func (s *SQLiteInstanceStore) Close() error {
	return nil
}

// SQLiteSpecStore persists submitted specs as JSON in strategy_specs.
type SQLiteSpecStore struct {
	db *database.DB
}

// NewSQLiteSpecStore creates a spec store on an open database.
func NewSQLiteSpecStore(db *database.DB) *SQLiteSpecStore {
	return &SQLiteSpecStore{db: db}
}

// Put implements SpecStore.
func (s *SQLiteSpecStore) Put(ctx context.Context, spec *strategy.StrategySpec) error {
	if spec == nil || spec.ID == "" {
		return types.NewError(types.INVALID_ARGUMENT, "spec requires an id")
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return types.WrapError(types.INVALID_ARGUMENT, "failed to encode spec", err)
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var latest int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM strategy_specs WHERE strategy_id = ?`, spec.ID,
		).Scan(&latest); err != nil {
			return queryFailed("failed to read spec versions", err)
		}
		if spec.Version <= latest {
			return staleSpecVersion(spec.ID, spec.Version, latest)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_specs (strategy_id, version, author, spec, submitted_at)
			VALUES (?, ?, ?, ?, ?)
		`, spec.ID, spec.Version, spec.Author, string(data), time.Now().UTC()); err != nil {
			return queryFailed("failed to insert spec", err)
		}
		return nil
	})
}

func (s *SQLiteSpecStore) scanSpec(row *sql.Row, notFound string) (*strategy.StrategySpec, error) {
	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.NOT_FOUND, notFound)
	}
	if err != nil {
		return nil, queryFailed("failed to read spec", err)
	}
	var spec strategy.StrategySpec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, queryFailed("failed to decode spec", err)
	}
	return &spec, nil
}

// Get implements SpecStore.
func (s *SQLiteSpecStore) Get(ctx context.Context, strategyID string, version int64) (*strategy.StrategySpec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT spec FROM strategy_specs WHERE strategy_id = ? AND version = ?`, strategyID, version)
	return s.scanSpec(row, fmt.Sprintf("strategy %q version %d not found", strategyID, version))
}

// Latest implements SpecStore.
func (s *SQLiteSpecStore) Latest(ctx context.Context, strategyID string) (*strategy.StrategySpec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT spec FROM strategy_specs WHERE strategy_id = ? ORDER BY version DESC LIMIT 1`, strategyID)
	return s.scanSpec(row, fmt.Sprintf("strategy %q not found", strategyID))
}

// Versions implements SpecStore.
func (s *SQLiteSpecStore) Versions(ctx context.Context, strategyID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM strategy_specs WHERE strategy_id = ? ORDER BY version`, strategyID)
	if err != nil {
		return nil, queryFailed("failed to list spec versions", err)
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, queryFailed("failed to scan spec version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("failed to list spec versions", err)
	}
	return out, nil
}

// Close implements SpecStore.
func (s *SQLiteSpecStore) Close() error {
	return nil
}

// SQLiteOutcomeStore appends outcomes to the outcomes table.
type SQLiteOutcomeStore struct {
	db *database.DB
}

// NewSQLiteOutcomeStore creates an outcome store on an open database.
func NewSQLiteOutcomeStore(db *database.DB) *SQLiteOutcomeStore {
	return &SQLiteOutcomeStore{db: db}
}

// Append implements OutcomeStore.
func (s *SQLiteOutcomeStore) Append(ctx context.Context, o *Outcome) error {
	payload := []byte("{}")
	if o.Payload != nil {
		var err error
		if payload, err = json.Marshal(o.Payload); err != nil {
			return types.WrapError(types.INVALID_ARGUMENT, "failed to encode outcome payload", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (id, instance_id, strategy_id, fingerprint, worker_id, kind, payload, observed_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID.String(), o.InstanceID.String(), o.StrategyID, o.Fingerprint, o.WorkerID, o.Kind, string(payload),
		o.ObservedAt.UTC(), o.RecordedAt.UTC()); err != nil {
		return queryFailed("failed to insert outcome", err)
	}
	return nil
}

// List implements OutcomeStore.
func (s *SQLiteOutcomeStore) List(ctx context.Context, instanceID types.ID, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, strategy_id, fingerprint, worker_id, kind, payload, observed_at, recorded_at
		FROM outcomes WHERE instance_id = ? ORDER BY observed_at, rowid LIMIT ?
	`, instanceID.String(), limit)
	if err != nil {
		return nil, queryFailed("failed to list outcomes", err)
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		var (
			o        Outcome
			id, inst string
			payload  string
		)
		if err := rows.Scan(&id, &inst, &o.StrategyID, &o.Fingerprint, &o.WorkerID, &o.Kind, &payload, &o.ObservedAt, &o.RecordedAt); err != nil {
			return nil, queryFailed("failed to scan outcome", err)
		}
		o.ID = types.ID(id)
		o.InstanceID = types.ID(inst)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &o.Payload); err != nil {
				return nil, queryFailed("failed to decode outcome payload", err)
			}
		}
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("failed to list outcomes", err)
	}
	return out, nil
}

// Close implements OutcomeStore.
func (s *SQLiteOutcomeStore) Close() error {
	return nil
}

var (
	_ InstanceStore = (*MemoryInstanceStore)(nil)
	_ InstanceStore = (*SQLiteInstanceStore)(nil)
	_ SpecStore     = (*MemorySpecStore)(nil)
	_ SpecStore     = (*SQLiteSpecStore)(nil)
	_ OutcomeStore  = (*MemoryOutcomeStore)(nil)
	_ OutcomeStore  = (*SQLiteOutcomeStore)(nil)
)
