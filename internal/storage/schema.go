package storage

// schema 建表语句（幂等）
const schema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id                  TEXT PRIMARY KEY,
	conversation_key    TEXT NOT NULL,
	prompt              TEXT NOT NULL,
	schedule_kind       TEXT NOT NULL,
	schedule_value      TEXT NOT NULL,
	context_mode        TEXT NOT NULL DEFAULT 'group',
	status              TEXT NOT NULL DEFAULT 'active',
	next_run            TIMESTAMP,
	last_run            TIMESTAMP,
	last_result_summary TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_due
	ON scheduled_tasks (status, next_run);

CREATE TABLE IF NOT EXISTS task_run_logs (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL,
	run_at         TIMESTAMP NOT NULL,
	duration_ms    INTEGER NOT NULL,
	status         TEXT NOT NULL,
	result_summary TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_run_logs_task
	ON task_run_logs (task_id, run_at);

CREATE TABLE IF NOT EXISTS registered_groups (
	conversation_key TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	folder           TEXT NOT NULL UNIQUE,
	is_main          INTEGER NOT NULL DEFAULT 0,
	agent_backend    TEXT NOT NULL DEFAULT 'claude',
	model            TEXT NOT NULL DEFAULT '',
	timeout_minutes  INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_sessions (
	conversation_key TEXT NOT NULL,
	backend          TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	PRIMARY KEY (conversation_key, backend)
);
`
