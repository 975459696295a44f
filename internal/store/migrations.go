package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one schema step. Fn runs inside a transaction opened by the
// runner. Migrations that recreate tables carrying foreign keys must manage
// their own transaction so the runner can switch foreign_keys off around
// them; those set ManagesOwnTxn and implement Raw instead.
type migration struct {
	Version       int
	Name          string
	Fn            func(ctx context.Context, tx *sqlx.Tx) error
	Raw           func(ctx context.Context, db *sqlx.DB) error
	ManagesOwnTxn bool
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", Fn: migrateInitialSchema},
	{Version: 2, Name: "planning_cost_and_savings", Fn: migratePlanningCost},
	{Version: 3, Name: "cost_entries_task_fk", Raw: migrateCostEntriesTaskFK, ManagesOwnTxn: true},
}

// migrate brings the database up to the latest known schema version. A
// database written by a newer build is refused rather than half-migrated.
func migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	latest := migrations[len(migrations)-1].Version
	if current > latest {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", current, latest)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, m migration) error {
	if m.ManagesOwnTxn {
		// Table rebuilds must run with foreign key enforcement off or the
		// copy step trips the constraints being rebuilt.
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
			return err
		}
		err := m.Raw(ctx, db)
		if _, ferr := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); ferr != nil && err == nil {
			err = ferr
		}
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name)
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := m.Fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func migrateInitialSchema(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		graph_source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		budget_usd REAL,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		base_branch TEXT NOT NULL DEFAULT 'main',
		config_snapshot TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL DEFAULT 'coding',
		status TEXT NOT NULL DEFAULT 'pending',
		adapter_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		result TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_ceiling INTEGER NOT NULL DEFAULT 2,
		budget_usd REAL,
		cost_usd REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (session_id, task_id, depends_on_id),
		FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE,
		FOREIGN KEY (session_id, depends_on_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(session_id, depends_on_id);

	CREATE TABLE IF NOT EXISTS execution_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		task_id TEXT,
		event_kind TEXT NOT NULL,
		old_status TEXT NOT NULL DEFAULT '',
		new_status TEXT NOT NULL DEFAULT '',
		agent TEXT NOT NULL DEFAULT '',
		cost_delta REAL NOT NULL DEFAULT 0,
		data TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_execution_log_session ON execution_log(session_id, created_at);

	CREATE TABLE IF NOT EXISTS session_signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		signal TEXT NOT NULL,
		processed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_signals_unprocessed
		ON session_signals(session_id, id) WHERE processed_at IS NULL;

	CREATE TABLE IF NOT EXISTS cost_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		task_id TEXT,
		agent TEXT NOT NULL DEFAULT '',
		billing_mode TEXT NOT NULL DEFAULT 'api',
		category TEXT NOT NULL DEFAULT 'execution',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		actual_cost REAL,
		model TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_cost_entries_session_task ON cost_entries(session_id, task_id);
	CREATE INDEX IF NOT EXISTS idx_cost_entries_category ON cost_entries(category);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		latest_version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plan_versions (
		plan_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		content TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (plan_id, version),
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		snapshot TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`)
	return err
}

func migratePlanningCost(ctx context.Context, tx *sqlx.Tx) error {
	stmts := []string{
		`ALTER TABLE sessions ADD COLUMN planning_cost_usd REAL NOT NULL DEFAULT 0`,
		`ALTER TABLE cost_entries ADD COLUMN savings REAL NOT NULL DEFAULT 0`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// migrateCostEntriesTaskFK rebuilds cost_entries so task rows can be deleted
// only when their cost records are gone too. SQLite cannot add a composite
// foreign key in place, so the table is recreated and back-filled under an
// exclusive transaction.
func migrateCostEntriesTaskFK(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `BEGIN EXCLUSIVE`); err != nil {
		return err
	}
	rollback := func(err error) error {
		if _, rbErr := db.ExecContext(ctx, `ROLLBACK`); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	stmts := []string{
		`CREATE TABLE cost_entries_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			task_id TEXT,
			agent TEXT NOT NULL DEFAULT '',
			billing_mode TEXT NOT NULL DEFAULT 'api',
			category TEXT NOT NULL DEFAULT 'execution',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL NOT NULL DEFAULT 0,
			actual_cost REAL,
			savings REAL NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE
		)`,
		`INSERT INTO cost_entries_new (id, session_id, task_id, agent, billing_mode, category,
			input_tokens, output_tokens, estimated_cost, actual_cost, savings, model, provider, created_at)
		 SELECT id, session_id, task_id, agent, billing_mode, category,
			input_tokens, output_tokens, estimated_cost, actual_cost, savings, model, provider, created_at
		 FROM cost_entries`,
		`DROP TABLE cost_entries`,
		`ALTER TABLE cost_entries_new RENAME TO cost_entries`,
		`CREATE INDEX IF NOT EXISTS idx_cost_entries_session_task ON cost_entries(session_id, task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_entries_category ON cost_entries(category)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return rollback(err)
		}
	}
	_, err := db.ExecContext(ctx, `COMMIT`)
	return err
}
