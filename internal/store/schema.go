package store

import (
	"fmt"

	"github.com/MadBomber/htm/internal/errs"
)

// All timestamps are UTC unix nanoseconds stored as INTEGER. deleted_at
// NULL means the row is active; partial indices cover the active subset.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	embedding BLOB,
	embedding_dimension INTEGER,
	metadata TEXT,
	source_id INTEGER REFERENCES file_sources(id) ON DELETE SET NULL,
	chunk_position INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_accessed INTEGER,
	access_count INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_hash_active
	ON nodes(content_hash) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_nodes_created ON nodes(created_at);
CREATE INDEX IF NOT EXISTS idx_nodes_active ON nodes(id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_nodes_source ON nodes(source_id) WHERE source_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tags_name_active
	ON tags(name) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS node_tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	created_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_node_tags_pair_active
	ON node_tags(node_id, tag_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_node_tags_tag ON node_tags(tag_id);

CREATE TABLE IF NOT EXISTS robots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS robot_nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	robot_id INTEGER NOT NULL REFERENCES robots(id) ON DELETE CASCADE,
	node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	first_remembered_at INTEGER NOT NULL,
	last_remembered_at INTEGER NOT NULL,
	remember_count INTEGER NOT NULL DEFAULT 1,
	working_memory INTEGER NOT NULL DEFAULT 1,
	UNIQUE(robot_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_robot_nodes_node ON robot_nodes(node_id);

CREATE TABLE IF NOT EXISTS file_sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	content_hash TEXT NOT NULL,
	mtime INTEGER NOT NULL,
	frontmatter TEXT,
	last_synced_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_channel ON notifications(channel, id);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: create schema: %v", errs.ErrStore, err)
	}
	return nil
}

// initVecTable creates the vec0 shadow table mapping node id to embedding.
func (s *Store) initVecTable() error {
	_, err := s.db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS node_vec USING vec0(embedding float[%d] distance_metric=cosine)", vecWidth))
	return err
}

// initFTSTable creates the external-content FTS index over node content
// plus the triggers that keep it in sync.
func (s *Store) initFTSTable() error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS node_fts USING fts5(
			content, content='nodes', content_rowid='id', tokenize='porter unicode61')`,
		`CREATE TRIGGER IF NOT EXISTS node_fts_ai AFTER INSERT ON nodes BEGIN
			INSERT INTO node_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS node_fts_ad AFTER DELETE ON nodes BEGIN
			INSERT INTO node_fts(node_fts, rowid, content) VALUES ('delete', old.id, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS node_fts_au AFTER UPDATE OF content ON nodes BEGIN
			INSERT INTO node_fts(node_fts, rowid, content) VALUES ('delete', old.id, old.content);
			INSERT INTO node_fts(rowid, content) VALUES (new.id, new.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// vecWidth is the fixed embedding storage width in floats.
const vecWidth = 2000
