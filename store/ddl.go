package store

import (
	"context"
	"fmt"
)

// schemaDDL is the portable schema shared by both flavors. Identifiers
// are TEXT (UUIDs rendered as strings) so SQLite and Postgres agree.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS collections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	embedding_model_name TEXT NOT NULL DEFAULT '',
	vector_size INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS syncs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	collection_id TEXT NOT NULL,
	source_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id TEXT PRIMARY KEY,
	sync_id TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	inserted BIGINT NOT NULL DEFAULT 0,
	updated BIGINT NOT NULL DEFAULT 0,
	kept BIGINT NOT NULL DEFAULT 0,
	deleted BIGINT NOT NULL DEFAULT 0,
	skipped BIGINT NOT NULL DEFAULT 0,
	failed BIGINT NOT NULL DEFAULT 0,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_sync_status ON sync_jobs (sync_id, status);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	sync_id TEXT NOT NULL,
	entity_definition_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	hash TEXT NOT NULL,
	collection_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (sync_id, entity_definition_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_entities_collection ON entities (collection_id, entity_definition_id, entity_id);

CREATE TABLE IF NOT EXISTS sync_cursors (
	sync_id TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Install creates the schema if it doesn't exist.
func (s *SQL) Install(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("installing schema: %w", err)
	}
	return nil
}
