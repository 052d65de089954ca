package store

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK(status IN ('connected','idle','active','working','coordinating','disconnected')),
	paused INTEGER NOT NULL DEFAULT 0,
	current_task TEXT,
	coordination_group TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_task_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_task_log_agent ON agent_task_log(agent_id);

CREATE TABLE IF NOT EXISTS documents (
	document_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 0,
	last_editor TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS document_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	editor TEXT NOT NULL,
	edit TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_document_history_doc ON document_history(document_id, id);

CREATE TABLE IF NOT EXISTS document_locks (
	document_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS coordination_groups (
	task_id TEXT PRIMARY KEY,
	coordinator_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS coordination_members (
	task_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	PRIMARY KEY(task_id, agent_id),
	FOREIGN KEY(task_id) REFERENCES coordination_groups(task_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS channel_sequences (
	channel TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS channel_messages (
	channel TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	sender TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY(channel, sequence)
);

CREATE TABLE IF NOT EXISTS rate_events (
	key TEXT NOT NULL,
	at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_events_key ON rate_events(key, at_ms);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT PRIMARY KEY,
	context_id TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_context ON checkpoints(context_id);
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
