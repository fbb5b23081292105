package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migrator handles database schema migrations
type Migrator interface {
	// Migrate applies all pending migrations
	Migrate(ctx context.Context) error

	// CurrentVersion returns the current schema version
	CurrentVersion(ctx context.Context) (int, error)

	// Rollback rolls back to a target version
	Rollback(ctx context.Context, targetVersion int) error

	// GetAppliedMigrations returns a list of all applied migrations
	GetAppliedMigrations(ctx context.Context) ([]MigrationInfo, error)
}

// MigrationInfo contains information about an applied migration
type MigrationInfo struct {
	Version   int
	Name      string
	AppliedAt string
}

// migration represents a single database migration. Each statement runs on its
// own inside the migration transaction.
type migration struct {
	version int
	name    string
	up      []string
	down    []string
}

// migrator implements the Migrator interface
type migrator struct {
	db         *DB
	migrations []migration
}

// NewMigrator creates a new database migrator
func NewMigrator(db *DB) Migrator {
	return &migrator{
		db:         db,
		migrations: getMigrations(),
	}
}

// LatestVersion is the schema version after all migrations are applied.
func LatestVersion() int {
	migrations := getMigrations()
	return migrations[len(migrations)-1].version
}

// getMigrations returns all available migrations in order
func getMigrations() []migration {
	migrations := []migration{
		{
			version: 1,
			name:    "plan_registry",
			up:      planRegistrySchema,
			down: []string{
				`DROP INDEX IF EXISTS idx_compilations_strategy`,
				`DROP TABLE IF EXISTS compilations`,
				`DROP TABLE IF EXISTS plan_lineage`,
				`DROP TABLE IF EXISTS plans`,
			},
		},
		{
			version: 2,
			name:    "strategy_specs",
			up:      strategySpecsSchema,
			down: []string{
				`DROP TABLE IF EXISTS strategy_specs`,
			},
		},
		{
			version: 3,
			name:    "instances",
			up:      instancesSchema,
			down: []string{
				`DROP TABLE IF EXISTS instance_transitions`,
				`DROP INDEX IF EXISTS idx_instances_plan`,
				`DROP INDEX IF EXISTS idx_instances_state`,
				`DROP TABLE IF EXISTS instances`,
			},
		},
		{
			version: 4,
			name:    "outcomes",
			up:      outcomesSchema,
			down: []string{
				`DROP INDEX IF EXISTS idx_outcomes_instance`,
				`DROP TABLE IF EXISTS outcomes`,
			},
		},
		{
			version: 5,
			name:    "compilation_rejections",
			up: []string{
				`ALTER TABLE compilations ADD COLUMN rejection TEXT NOT NULL DEFAULT ''`,
			},
			down: []string{
				`ALTER TABLE compilations DROP COLUMN rejection`,
			},
		},
		// Future migrations will be added here
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations
}

var planRegistrySchema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		fingerprint      TEXT PRIMARY KEY,
		canonical        BLOB NOT NULL,
		compiler_version TEXT NOT NULL,
		ref_count        INTEGER NOT NULL DEFAULT 0 CHECK (ref_count >= 0),
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS plan_lineage (
		fingerprint  TEXT NOT NULL REFERENCES plans(fingerprint) ON DELETE CASCADE,
		strategy_id  TEXT NOT NULL,
		spec_version INTEGER NOT NULL,
		author       TEXT NOT NULL DEFAULT '',
		recorded_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (fingerprint, strategy_id, spec_version)
	)`,
	`CREATE TABLE IF NOT EXISTS compilations (
		id               TEXT PRIMARY KEY,
		strategy_id      TEXT NOT NULL,
		spec_version     INTEGER NOT NULL,
		fingerprint      TEXT NOT NULL DEFAULT '',
		succeeded        INTEGER NOT NULL,
		diagnostics      TEXT NOT NULL DEFAULT '[]',
		compiler_version TEXT NOT NULL,
		duration_us      INTEGER NOT NULL DEFAULT 0,
		compiled_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_compilations_strategy ON compilations(strategy_id, compiled_at)`,
}

var strategySpecsSchema = []string{
	`CREATE TABLE IF NOT EXISTS strategy_specs (
		strategy_id  TEXT NOT NULL,
		version      INTEGER NOT NULL,
		author       TEXT NOT NULL DEFAULT '',
		spec         TEXT NOT NULL,
		submitted_at TIMESTAMP NOT NULL,
		PRIMARY KEY (strategy_id, version)
	)`,
}

var instancesSchema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id               TEXT PRIMARY KEY,
		strategy_id      TEXT NOT NULL UNIQUE,
		state            TEXT NOT NULL,
		plan_fingerprint TEXT NOT NULL DEFAULT '',
		spec_version     INTEGER NOT NULL DEFAULT 0,
		worker_id        TEXT NOT NULL DEFAULT '',
		last_heartbeat   TIMESTAMP,
		last_health      TEXT NOT NULL DEFAULT '',
		deploy_attempts  INTEGER NOT NULL DEFAULT 0,
		next_deploy_at   TIMESTAMP,
		deploy_deadline  TIMESTAMP,
		last_error       TEXT NOT NULL DEFAULT '',
		revision         INTEGER NOT NULL DEFAULT 0,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_state ON instances(state)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_plan ON instances(plan_fingerprint)`,
	`CREATE TABLE IF NOT EXISTS instance_transitions (
		instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		from_state  TEXT NOT NULL,
		event       TEXT NOT NULL,
		to_state    TEXT NOT NULL,
		cause       TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		worker_id   TEXT NOT NULL DEFAULT '',
		at          TIMESTAMP NOT NULL,
		PRIMARY KEY (instance_id, seq)
	)`,
}

var outcomesSchema = []string{
	`CREATE TABLE IF NOT EXISTS outcomes (
		id          TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		worker_id   TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		payload     TEXT NOT NULL DEFAULT '{}',
		observed_at TIMESTAMP NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_instance ON outcomes(instance_id, observed_at)`,
}

// Migrate applies all pending migrations
func (m *migrator) Migrate(ctx context.Context) error {
	// Ensure migrations table exists
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, mig := range m.migrations {
		if mig.version <= currentVersion {
			continue // Skip already applied migrations
		}

		if err := m.applyMigration(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.version, mig.name, err)
		}
	}

	return nil
}

// CurrentVersion returns the current schema version
func (m *migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	var version int
	query := "SELECT COALESCE(MAX(version), 0) FROM migrations"
	if err := m.db.conn.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query current version: %w", err)
	}

	return version, nil
}

// Rollback rolls back to a target version
func (m *migrator) Rollback(ctx context.Context, targetVersion int) error {
	if targetVersion < 0 {
		return fmt.Errorf("invalid target version: %d", targetVersion)
	}

	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if targetVersion > currentVersion {
		return fmt.Errorf("cannot rollback to future version %d (current: %d)", targetVersion, currentVersion)
	}

	// Rollback migrations in reverse order
	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if mig.version <= targetVersion {
			break
		}
		if mig.version > currentVersion {
			continue // Skip unapplied migrations
		}

		if err := m.runMigration(ctx, mig.down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM migrations WHERE version = ?", mig.version)
			return err
		}); err != nil {
			return fmt.Errorf("failed to rollback migration %d (%s): %w", mig.version, mig.name, err)
		}
	}

	return nil
}

// GetAppliedMigrations returns a list of all applied migrations
func (m *migrator) GetAppliedMigrations(ctx context.Context) ([]MigrationInfo, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	rows, err := m.db.conn.QueryContext(ctx, "SELECT version, name, applied_at FROM migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var migrations []MigrationInfo
	for rows.Next() {
		var info MigrationInfo
		if err := rows.Scan(&info.Version, &info.Name, &info.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		migrations = append(migrations, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}

	return migrations, nil
}

// ensureMigrationsTable creates the migrations table if it doesn't exist
func (m *migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	if _, err := m.db.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return nil
}

// applyMigration applies a single migration within a transaction
func (m *migrator) applyMigration(ctx context.Context, mig migration) error {
	return m.runMigration(ctx, mig.up, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
			mig.version, mig.name)
		if err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// runMigration executes statements and then record inside one transaction.
func (m *migrator) runMigration(ctx context.Context, statements []string, record func(*sql.Tx) error) error {
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement: %w\nStatement: %s", err, stmt)
			}
		}
		return record(tx)
	})
}
