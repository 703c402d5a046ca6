package store

const schema = `
-- Captured replies, newest first per target.
CREATE TABLE IF NOT EXISTS captures (
    id          TEXT PRIMARY KEY,
    target      TEXT NOT NULL,
    content     TEXT NOT NULL,
    markdown    TEXT NOT NULL DEFAULT '',
    captured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_target ON captures(target, captured_at DESC);

-- Last known liveness per target tab, written by the monitor sweep.
CREATE TABLE IF NOT EXISTS tab_heartbeats (
    target  TEXT PRIMARY KEY,
    alive   INTEGER NOT NULL,
    url     TEXT NOT NULL DEFAULT '',
    seen_at INTEGER NOT NULL
);
`
