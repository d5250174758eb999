package store

// Schema is the DDL for the board store.
const Schema = `
-- Boards: one row per canvas, holding the latest full snapshot.
CREATE TABLE IF NOT EXISTS boards (
    id           TEXT PRIMARY KEY,
    owner_id     TEXT NOT NULL,
    title        TEXT NOT NULL DEFAULT '',
    snapshot     TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    revision     INTEGER NOT NULL DEFAULT 0,
    snapshot_at  INTEGER NOT NULL DEFAULT 0,  -- unix nanos of the stored capture
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_boards_owner ON boards(owner_id, updated_at DESC);

-- Embeddings: derived from the board text, refreshed after saves.
CREATE TABLE IF NOT EXISTS board_embeddings (
    board_id   TEXT PRIMARY KEY,
    vector     BLOB NOT NULL,
    dimension  INTEGER NOT NULL,
    norm       REAL NOT NULL,
    model      TEXT NOT NULL DEFAULT '',
    text_hash  TEXT NOT NULL,
    excerpt    TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE
);
`
