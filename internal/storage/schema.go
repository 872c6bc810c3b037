package storage

// schemaCoreV1 creates every table named in the persisted-state layout
// except the FTS virtual table's sync triggers, which migration 0002
// installs separately so RebuildFTS can drop/recreate only those.
const schemaCoreV1 = `
CREATE TABLE IF NOT EXISTS observations (
	id                 TEXT PRIMARY KEY,
	project_hash       TEXT NOT NULL,
	session_id         TEXT,
	title              TEXT NOT NULL DEFAULT '',
	content            TEXT NOT NULL,
	source             TEXT NOT NULL,
	kind               TEXT NOT NULL,
	classification     TEXT NOT NULL DEFAULT 'unset',
	embedding_model    TEXT,
	embedding_version  TEXT,
	normalized_hash    TEXT NOT NULL,
	created_at         TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at         TEXT NOT NULL DEFAULT (datetime('now')),
	deleted_at         TEXT
);
CREATE INDEX IF NOT EXISTS idx_obs_project       ON observations(project_hash, deleted_at);
CREATE INDEX IF NOT EXISTS idx_obs_kind          ON observations(project_hash, kind, deleted_at);
CREATE INDEX IF NOT EXISTS idx_obs_classification ON observations(classification);
CREATE INDEX IF NOT EXISTS idx_obs_dedupe        ON observations(project_hash, normalized_hash);
CREATE INDEX IF NOT EXISTS idx_obs_created       ON observations(project_hash, created_at, rowid);

CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
	title, content,
	content='observations',
	content_rowid='rowid'
);

CREATE TABLE IF NOT EXISTS observation_embeddings (
	observation_id TEXT PRIMARY KEY REFERENCES observations(id),
	project_hash   TEXT NOT NULL,
	model          TEXT NOT NULL,
	vector         BLOB NOT NULL,
	created_at     TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_emb_project ON observation_embeddings(project_hash);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	project_hash TEXT NOT NULL,
	started_at   TEXT NOT NULL DEFAULT (datetime('now')),
	ended_at     TEXT,
	summary      TEXT,
	ewma_mean    REAL NOT NULL DEFAULT 0,
	ewma_var     REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_hash, started_at DESC);

CREATE TABLE IF NOT EXISTS graph_nodes (
	id              TEXT PRIMARY KEY,
	project_hash    TEXT NOT NULL,
	type            TEXT NOT NULL,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	confidence      REAL NOT NULL DEFAULT 0,
	metadata_json   TEXT NOT NULL DEFAULT '{}',
	observation_ids TEXT NOT NULL DEFAULT '[]',
	created_at      TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE(project_hash, type, normalized_name)
);
CREATE INDEX IF NOT EXISTS idx_nodes_project ON graph_nodes(project_hash, type);

CREATE TABLE IF NOT EXISTS graph_edges (
	id           TEXT PRIMARY KEY,
	project_hash TEXT NOT NULL,
	source       TEXT NOT NULL REFERENCES graph_nodes(id),
	target       TEXT NOT NULL REFERENCES graph_nodes(id),
	type         TEXT NOT NULL,
	weight       REAL NOT NULL DEFAULT 1.0,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at   TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE(source, target, type)
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON graph_edges(source);
CREATE INDEX IF NOT EXISTS idx_edges_target ON graph_edges(target);

CREATE TABLE IF NOT EXISTS context_stashes (
	id              TEXT PRIMARY KEY,
	project_hash    TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	snapshots_json  TEXT NOT NULL,
	topic_label     TEXT NOT NULL,
	summary         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'stashed',
	created_at      TEXT NOT NULL DEFAULT (datetime('now')),
	resumed_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_stash_project ON context_stashes(project_hash, created_at DESC);

CREATE TABLE IF NOT EXISTS threshold_history (
	project_hash TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	ewma_mean    REAL NOT NULL,
	ewma_var     REAL NOT NULL,
	recorded_at  TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (project_hash, session_id)
);

CREATE TABLE IF NOT EXISTS shift_decisions (
	id           TEXT PRIMARY KEY,
	project_hash TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	distance     REAL NOT NULL,
	threshold    REAL NOT NULL,
	ewma_mean    REAL NOT NULL,
	ewma_var     REAL NOT NULL,
	shifted      INTEGER NOT NULL,
	confidence   REAL NOT NULL DEFAULT 0,
	stash_id     TEXT,
	evaluated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_shift_project ON shift_decisions(project_hash, evaluated_at DESC);

CREATE TABLE IF NOT EXISTS pending_notifications (
	id           TEXT PRIMARY KEY,
	project_hash TEXT NOT NULL,
	message      TEXT NOT NULL,
	created_at   TEXT NOT NULL DEFAULT (datetime('now')),
	consumed_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_notif_project ON pending_notifications(project_hash, consumed_at);

CREATE TABLE IF NOT EXISTS project_metadata (
	project_hash TEXT PRIMARY KEY,
	directory    TEXT NOT NULL,
	allow_list_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS tool_registry (
	name           TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	scope          TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	usage_count    INTEGER NOT NULL DEFAULT 0,
	last_used_at   TEXT,
	description    TEXT NOT NULL DEFAULT '',
	server_name    TEXT,
	trigger_hints_json TEXT NOT NULL DEFAULT '[]',
	embedding_blob BLOB
);

CREATE TABLE IF NOT EXISTS tool_usage_events (
	id           TEXT PRIMARY KEY,
	project_hash TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	tool_name    TEXT NOT NULL,
	created_at   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tue_session ON tool_usage_events(session_id, created_at);

CREATE TABLE IF NOT EXISTS routing_patterns (
	project_hash     TEXT NOT NULL,
	preceding_json   TEXT NOT NULL,
	target_tool      TEXT NOT NULL,
	frequency        INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (project_hash, preceding_json, target_tool)
);

CREATE TABLE IF NOT EXISTS routing_state (
	session_id           TEXT PRIMARY KEY,
	suggestions_emitted  INTEGER NOT NULL DEFAULT 0,
	last_suggested_idx   INTEGER NOT NULL DEFAULT -1000,
	tool_call_count      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS debug_paths (
	id                TEXT PRIMARY KEY,
	project_hash      TEXT NOT NULL,
	session_id        TEXT NOT NULL,
	state             TEXT NOT NULL DEFAULT 'active',
	trigger_summary   TEXT NOT NULL,
	resolution_note   TEXT NOT NULL DEFAULT '',
	summary_json      TEXT,
	consecutive_wins  INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at        TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_debug_project ON debug_paths(project_hash, state);

CREATE TABLE IF NOT EXISTS path_waypoints (
	id             TEXT PRIMARY KEY,
	debug_path_id  TEXT NOT NULL REFERENCES debug_paths(id),
	type           TEXT NOT NULL,
	summary        TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_waypoints_path ON path_waypoints(debug_path_id, created_at);

CREATE TABLE IF NOT EXISTS thought_branches (
	id              TEXT PRIMARY KEY,
	project_hash    TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	state           TEXT NOT NULL DEFAULT 'active',
	type            TEXT NOT NULL DEFAULT 'unknown',
	title           TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	arc_stage       TEXT NOT NULL DEFAULT 'investigation',
	histogram_json  TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_branches_project ON thought_branches(project_hash, state);

CREATE TABLE IF NOT EXISTS branch_observations (
	branch_id      TEXT NOT NULL REFERENCES thought_branches(id),
	observation_id TEXT NOT NULL REFERENCES observations(id),
	tool_name      TEXT NOT NULL DEFAULT '',
	arc_stage      TEXT NOT NULL,
	appended_at    TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (branch_id, observation_id)
);

CREATE TABLE IF NOT EXISTS staleness_flags (
	id             TEXT PRIMARY KEY,
	observation_id TEXT NOT NULL REFERENCES observations(id),
	superseded_by  TEXT NOT NULL,
	reason         TEXT NOT NULL,
	created_at     TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS research_buffer (
	id           TEXT PRIMARY KEY,
	project_hash TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	tool_name    TEXT NOT NULL,
	query        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_research_session ON research_buffer(session_id, created_at);
`

// schemaFTSTriggers keeps observations_fts synchronized with observations
// through after-insert/update/delete triggers, each firing exactly one FTS
// mutation in the same transaction as the observation mutation.
const schemaFTSTriggers = `
CREATE TRIGGER IF NOT EXISTS obs_fts_insert AFTER INSERT ON observations BEGIN
	INSERT INTO observations_fts(rowid, title, content)
	VALUES (new.rowid, new.title, new.content);
END;

CREATE TRIGGER IF NOT EXISTS obs_fts_update AFTER UPDATE ON observations BEGIN
	INSERT INTO observations_fts(observations_fts, rowid, title, content)
	VALUES ('delete', old.rowid, old.title, old.content);
	INSERT INTO observations_fts(rowid, title, content)
	VALUES (new.rowid, new.title, new.content);
END;

CREATE TRIGGER IF NOT EXISTS obs_fts_delete AFTER DELETE ON observations BEGIN
	INSERT INTO observations_fts(observations_fts, rowid, title, content)
	VALUES ('delete', old.rowid, old.title, old.content);
END;
`
