package store

import "database/sql"

// Schema is the complete genq schema. Request ordinals come from the
// AUTOINCREMENT rowid so insertion order is the stable submission order and
// ordinals are never reused, even across deletes.
const Schema = `
-- One row per submitted prompt
CREATE TABLE IF NOT EXISTS requests (
    idx          INTEGER PRIMARY KEY AUTOINCREMENT,
    prompt       TEXT NOT NULL,
    fingerprint  TEXT NOT NULL UNIQUE,
    status       TEXT NOT NULL DEFAULT 'queued',
    submitted_at INTEGER,
    completed_at INTEGER,
    last_error   TEXT NOT NULL DEFAULT '',
    retry_count  INTEGER NOT NULL DEFAULT 0,
    max_retries  INTEGER NOT NULL DEFAULT 3,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, idx);

-- One row per generated output ("take") of a request
CREATE TABLE IF NOT EXISTS attempts (
    operation_id TEXT PRIMARY KEY,
    request_idx  INTEGER NOT NULL REFERENCES requests(idx) ON DELETE CASCADE,
    take_idx     INTEGER NOT NULL,
    scene_id     TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'PENDING',
    locator      TEXT,
    model        TEXT NOT NULL DEFAULT '',
    duration_sec INTEGER NOT NULL DEFAULT 0,
    last_poll_at INTEGER,
    downloaded   INTEGER NOT NULL DEFAULT 0,
    file_path    TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_request ON attempts(request_idx, take_idx);

-- One row per artifact fetch of a successful attempt
CREATE TABLE IF NOT EXISTS download_tasks (
    id           TEXT PRIMARY KEY,
    operation_id TEXT NOT NULL UNIQUE REFERENCES attempts(operation_id) ON DELETE CASCADE,
    request_idx  INTEGER NOT NULL,
    state        TEXT NOT NULL DEFAULT 'queued',
    retry_count  INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    started_at   INTEGER,
    finished_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_download_state ON download_tasks(state, created_at);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
