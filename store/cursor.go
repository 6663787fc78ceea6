package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// emptyCursor is the canonical zero cursor. A literal JSON null from the
// database or a source is folded into it.
var emptyCursor = json.RawMessage("{}")

// GetCursor reads the sync's cursor. A sync which has never persisted
// one reads as the empty object.
func (s *SQL) GetCursor(ctx context.Context, syncID string) (json.RawMessage, error) {
	var q = fmt.Sprintf(`SELECT cursor FROM sync_cursors WHERE sync_id = %s`, s.flavor.placeholder(1))
	var raw []byte
	var err = s.db.QueryRowContext(ctx, q, syncID).Scan(&raw)
	if err == sql.ErrNoRows {
		return emptyCursor, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading cursor of sync %s: %w", syncID, err)
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return emptyCursor, nil
	}
	return raw, nil
}

// MergeCursor folds an RFC 7396 merge patch into the sync's cursor and
// persists the result. Keys set to null in the patch are removed, so a
// source can retire cursor fields it no longer uses.
func (s *SQL) MergeCursor(ctx context.Context, syncID string, patch json.RawMessage) error {
	if len(patch) == 0 || bytes.Equal(patch, []byte("null")) {
		return nil
	}

	var current, err = s.GetCursor(ctx, syncID)
	if err != nil {
		return err
	}
	var merged []byte
	if merged, err = jsonpatch.MergePatch(current, patch); err != nil {
		return fmt.Errorf("merging cursor of sync %s: %w", syncID, err)
	}

	var now = time.Now().UTC()
	var q string
	if s.flavor.name == "postgres" {
		q = `INSERT INTO sync_cursors (sync_id, cursor, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (sync_id) DO UPDATE SET cursor = $2, updated_at = $3`
	} else {
		q = `INSERT INTO sync_cursors (sync_id, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (sync_id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`
	}
	if _, err = s.db.ExecContext(ctx, q, syncID, string(merged), now); err != nil {
		return fmt.Errorf("writing cursor of sync %s: %w", syncID, err)
	}
	return nil
}
