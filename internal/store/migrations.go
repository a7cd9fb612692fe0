package store

// migration is one forward-only schema step. Migrations are embedded SQL
// rather than a file-based runner (goose/sql-migrate): the schema is fixed
// at compile time for this kernel, so a generic migration framework would
// add indirection without buying anything.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				parent_id TEXT REFERENCES tasks(id),
				score INTEGER NOT NULL DEFAULT 0,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,

			`CREATE TABLE IF NOT EXISTS task_dependencies (
				blocker_id TEXT NOT NULL REFERENCES tasks(id),
				blocked_id TEXT NOT NULL REFERENCES tasks(id),
				created_at TEXT NOT NULL,
				PRIMARY KEY (blocker_id, blocked_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_deps_blocked ON task_dependencies(blocked_id)`,
			`CREATE INDEX IF NOT EXISTS idx_deps_blocker ON task_dependencies(blocker_id)`,

			`CREATE TABLE IF NOT EXISTS workers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				hostname TEXT NOT NULL DEFAULT '',
				pid INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				registered_at TEXT NOT NULL,
				last_heartbeat_at TEXT NOT NULL,
				current_task_id TEXT REFERENCES tasks(id),
				capabilities TEXT NOT NULL DEFAULT '[]'
			)`,

			`CREATE TABLE IF NOT EXISTS claims (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				worker_id TEXT NOT NULL REFERENCES workers(id),
				status TEXT NOT NULL,
				claimed_at TEXT NOT NULL,
				lease_expires_at TEXT NOT NULL,
				renewed_count INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_active_task
				ON claims(task_id) WHERE status = 'active'`,
			`CREATE INDEX IF NOT EXISTS idx_claims_worker ON claims(worker_id)`,

			`CREATE TABLE IF NOT EXISTS orchestrator_state (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				status TEXT NOT NULL DEFAULT 'stopped',
				pid INTEGER,
				started_at TEXT,
				worker_pool_size INTEGER NOT NULL DEFAULT 0,
				heartbeat_interval_seconds INTEGER NOT NULL DEFAULT 0,
				lease_duration_minutes INTEGER NOT NULL DEFAULT 0,
				reconcile_interval_seconds INTEGER NOT NULL DEFAULT 0,
				last_reconcile_at TEXT
			)`,
			`INSERT OR IGNORE INTO orchestrator_state (id, status) VALUES (1, 'stopped')`,

			`CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				task_id TEXT REFERENCES tasks(id),
				agent TEXT NOT NULL,
				status TEXT NOT NULL,
				pid INTEGER,
				process_group_id INTEGER,
				started_at TEXT NOT NULL,
				ended_at TEXT,
				exit_code INTEGER,
				transcript_path TEXT,
				stderr_path TEXT,
				stdout_path TEXT,
				error_message TEXT,
				metadata TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,

			`CREATE TABLE IF NOT EXISTS run_heartbeats (
				run_id TEXT PRIMARY KEY REFERENCES runs(id),
				last_check_at TEXT NOT NULL,
				last_activity_at TEXT NOT NULL,
				stdout_bytes INTEGER NOT NULL DEFAULT 0,
				stderr_bytes INTEGER NOT NULL DEFAULT 0,
				transcript_bytes INTEGER NOT NULL DEFAULT 0,
				last_delta_bytes INTEGER NOT NULL DEFAULT 0
			)`,

			`CREATE TABLE IF NOT EXISTS attempts (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				approach TEXT NOT NULL,
				outcome TEXT NOT NULL,
				reason TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id)`,

			`CREATE TABLE IF NOT EXISTS learnings (
				id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				source_type TEXT NOT NULL,
				source_ref TEXT,
				created_at TEXT NOT NULL,
				keywords TEXT NOT NULL DEFAULT '[]',
				category TEXT,
				usage_count INTEGER NOT NULL DEFAULT 0,
				last_used_at TEXT,
				outcome_score REAL,
				embedding BLOB
			)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS learnings_fts USING fts5(
				id UNINDEXED, content, keywords, content='', tokenize='porter unicode61'
			)`,

			`CREATE TABLE IF NOT EXISTS learning_edges (
				source_id TEXT NOT NULL REFERENCES learnings(id),
				target_id TEXT NOT NULL REFERENCES learnings(id),
				edge_type TEXT NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY (source_id, target_id, edge_type)
			)`,

			`CREATE TABLE IF NOT EXISTS candidates (
				id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				confidence TEXT NOT NULL,
				status TEXT NOT NULL,
				source_run_id TEXT REFERENCES runs(id),
				source_task_id TEXT REFERENCES tasks(id),
				keywords TEXT NOT NULL DEFAULT '[]',
				category TEXT,
				merged_into_id TEXT REFERENCES learnings(id),
				created_at TEXT NOT NULL,
				confidence_steps_down INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates(status)`,

			`CREATE TABLE IF NOT EXISTS learning_anchors (
				id TEXT PRIMARY KEY,
				learning_id TEXT NOT NULL REFERENCES learnings(id),
				anchor_type TEXT NOT NULL,
				file_path TEXT NOT NULL,
				symbol_fqname TEXT,
				line_start INTEGER,
				line_end INTEGER,
				content_hash TEXT,
				status TEXT NOT NULL DEFAULT 'valid',
				pinned INTEGER NOT NULL DEFAULT 0,
				verified_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_anchors_learning ON learning_anchors(learning_id)`,

			`CREATE TABLE IF NOT EXISTS outbox_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				channel TEXT NOT NULL,
				sender TEXT NOT NULL,
				content TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				correlation_id TEXT,
				task_id TEXT REFERENCES tasks(id),
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL,
				acked_at TEXT,
				expires_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_channel ON outbox_messages(channel, id)`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_correlation ON outbox_messages(correlation_id)`,

			`CREATE TABLE IF NOT EXISTS task_transitions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				from_status TEXT NOT NULL,
				to_status TEXT NOT NULL,
				reason TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transitions_task ON task_transitions(task_id)`,

			`CREATE TABLE IF NOT EXISTS compaction_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				before TEXT NOT NULL,
				task_count INTEGER NOT NULL,
				output_file TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	},
}
