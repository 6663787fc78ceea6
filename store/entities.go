package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// lookupChunk bounds the number of keys in a single bulk read.
const lookupChunk = 1000

// writeChunk bounds rows per multi-row INSERT, keeping parameter counts
// well inside both databases' limits.
const writeChunk = 100

// GetEntities bulk-reads this sync's rows for the given keys. Absent
// keys are simply absent from the result map.
func (s *SQL) GetEntities(ctx context.Context, syncID string, keys []Key) (map[Key]EntityRow, error) {
	// The IN clause matches on entity_id alone; distinct definitions can
	// share an entity_id, so returned rows are re-filtered by full key.
	var wanted = keySet(keys)
	var out = make(map[Key]EntityRow, len(keys))
	var err = s.lookup(ctx, "sync_id", syncID, keys, func(row EntityRow) {
		if wanted[row.Key()] {
			out[row.Key()] = row
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reading entities of sync %s: %w", syncID, err)
	}
	return out, nil
}

// GetCollectionEntities bulk-reads rows for the given keys across every
// sync feeding the collection, for cross-source deduplication.
func (s *SQL) GetCollectionEntities(ctx context.Context, collectionID string, keys []Key) (map[Key][]EntityRow, error) {
	var wanted = keySet(keys)
	var out = make(map[Key][]EntityRow, len(keys))
	var err = s.lookup(ctx, "collection_id", collectionID, keys, func(row EntityRow) {
		if wanted[row.Key()] {
			out[row.Key()] = append(out[row.Key()], row)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reading entities of collection %s: %w", collectionID, err)
	}
	return out, nil
}

// lookup reads rows scoped by |scopeCol| = |scopeVal| whose entity_id is
// among |keys|, in chunks of lookupChunk.
func (s *SQL) lookup(ctx context.Context, scopeCol, scopeVal string, keys []Key, emit func(EntityRow)) error {
	for start := 0; start < len(keys); start += lookupChunk {
		var end = min(start+lookupChunk, len(keys))
		var chunk = keys[start:end]

		var ids = make([]any, 0, len(chunk)+1)
		ids = append(ids, scopeVal)
		for _, k := range chunk {
			ids = append(ids, k.EntityID)
		}

		var q = fmt.Sprintf(
			`SELECT id, sync_id, entity_definition_id, entity_id, hash, collection_id, created_at, updated_at
			FROM entities WHERE %s = %s AND entity_id IN (%s)`,
			scopeCol, s.flavor.placeholder(1), s.flavor.placeholders(2, len(chunk)))

		var rows, err = s.db.QueryContext(ctx, q, ids...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var r EntityRow
			if err = rows.Scan(&r.ID, &r.SyncID, &r.DefinitionID, &r.EntityID,
				&r.Hash, &r.CollectionID, &r.CreatedAt, &r.UpdatedAt); err != nil {
				rows.Close()
				return err
			}
			emit(r)
		}
		if err = rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

// InsertEntities writes new rows, assigning IDs and timestamps.
func (s *SQL) InsertEntities(ctx context.Context, entities []EntityRow) error {
	var now = time.Now().UTC()
	for start := 0; start < len(entities); start += writeChunk {
		var end = min(start+writeChunk, len(entities))
		var chunk = entities[start:end]

		var b strings.Builder
		b.WriteString(`INSERT INTO entities
			(id, sync_id, entity_definition_id, entity_id, hash, collection_id, created_at, updated_at) VALUES `)
		var args = make([]any, 0, len(chunk)*8)
		for i, r := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(" + s.flavor.placeholders(len(args)+1, 8) + ")")
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			args = append(args, r.ID, r.SyncID, r.DefinitionID, r.EntityID, r.Hash, r.CollectionID, now, now)
		}
		if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("inserting %d entities: %w", len(chunk), err)
		}
	}
	s.logger.WithField("count", len(entities)).Debug("inserted entity rows")
	return nil
}

// UpdateEntityHashes rewrites the stored hash of existing rows.
func (s *SQL) UpdateEntityHashes(ctx context.Context, entities []EntityRow) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var q = fmt.Sprintf(
		`UPDATE entities SET hash = %s, updated_at = %s
		WHERE sync_id = %s AND entity_definition_id = %s AND entity_id = %s`,
		s.flavor.placeholder(1), s.flavor.placeholder(2), s.flavor.placeholder(3),
		s.flavor.placeholder(4), s.flavor.placeholder(5))

	var stmt *sql.Stmt
	if stmt, err = tx.PrepareContext(ctx, q); err != nil {
		return fmt.Errorf("preparing hash update: %w", err)
	}
	defer stmt.Close()

	var now = time.Now().UTC()
	for _, r := range entities {
		if _, err = stmt.ExecContext(ctx, r.Hash, now, r.SyncID, r.DefinitionID, r.EntityID); err != nil {
			return fmt.Errorf("updating entity %s: %w", r.EntityID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing hash updates: %w", err)
	}
	s.logger.WithField("count", len(entities)).Debug("updated entity hashes")
	return nil
}

// DeleteEntities removes this sync's rows for the given keys.
func (s *SQL) DeleteEntities(ctx context.Context, syncID string, keys []Key) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var q = fmt.Sprintf(
		`DELETE FROM entities WHERE sync_id = %s AND entity_definition_id = %s AND entity_id = %s`,
		s.flavor.placeholder(1), s.flavor.placeholder(2), s.flavor.placeholder(3))

	var stmt *sql.Stmt
	if stmt, err = tx.PrepareContext(ctx, q); err != nil {
		return fmt.Errorf("preparing entity delete: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err = stmt.ExecContext(ctx, syncID, k.DefinitionID, k.EntityID); err != nil {
			return fmt.Errorf("deleting entity %s: %w", k.EntityID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing entity deletes: %w", err)
	}
	return nil
}

// ListEntityKeys returns every key stored for the sync, the basis of the
// end-of-run orphan scan.
func (s *SQL) ListEntityKeys(ctx context.Context, syncID string) ([]Key, error) {
	var q = fmt.Sprintf(
		`SELECT entity_definition_id, entity_id FROM entities WHERE sync_id = %s`,
		s.flavor.placeholder(1))
	var rows, err = s.db.QueryContext(ctx, q, syncID)
	if err != nil {
		return nil, fmt.Errorf("listing entities of sync %s: %w", syncID, err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var k Key
		if err = rows.Scan(&k.DefinitionID, &k.EntityID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func keySet(keys []Key) map[Key]bool {
	var out = make(map[Key]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}
