package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound reports a missing row where one was required.
var ErrNotFound = errors.New("not found")

// EnsureSync inserts the sync record if it isn't already present.
func (s *SQL) EnsureSync(ctx context.Context, sy Sync) error {
	var q = fmt.Sprintf(
		`INSERT INTO syncs (id, name, collection_id, source_name) VALUES (%s)`,
		s.flavor.placeholders(1, 4))
	if _, err := s.db.ExecContext(ctx, q, sy.ID, sy.Name, sy.CollectionID, sy.SourceName); err != nil {
		if exists, lookErr := s.rowExists(ctx, "syncs", sy.ID); lookErr == nil && exists {
			return nil
		}
		return fmt.Errorf("creating sync %s: %w", sy.ID, err)
	}
	return nil
}

// EnsureCollection inserts the collection record if it isn't already
// present. The embedding stamp starts empty and is set by the first run
// which writes vectors.
func (s *SQL) EnsureCollection(ctx context.Context, c Collection) error {
	var q = fmt.Sprintf(
		`INSERT INTO collections (id, name, embedding_model_name, vector_size) VALUES (%s)`,
		s.flavor.placeholders(1, 4))
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.Name, c.EmbeddingModel, c.VectorSize); err != nil {
		if exists, lookErr := s.rowExists(ctx, "collections", c.ID); lookErr == nil && exists {
			return nil
		}
		return fmt.Errorf("creating collection %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQL) rowExists(ctx context.Context, table, id string) (bool, error) {
	var q = fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = %s`, table, s.flavor.placeholder(1))
	var n int
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetCollection reads a collection record.
func (s *SQL) GetCollection(ctx context.Context, id string) (Collection, error) {
	var q = fmt.Sprintf(
		`SELECT id, name, embedding_model_name, vector_size FROM collections WHERE id = %s`,
		s.flavor.placeholder(1))
	var c Collection
	var err = s.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.Name, &c.EmbeddingModel, &c.VectorSize)
	if err == sql.ErrNoRows {
		return Collection{}, fmt.Errorf("collection %s: %w", id, ErrNotFound)
	} else if err != nil {
		return Collection{}, fmt.Errorf("reading collection %s: %w", id, err)
	}
	return c, nil
}

// StampCollection records the embedding model and vector size, but only
// if no stamp is present yet. It reports whether the stamp was written.
func (s *SQL) StampCollection(ctx context.Context, id, model string, vectorSize int) (bool, error) {
	var q = fmt.Sprintf(
		`UPDATE collections SET embedding_model_name = %s, vector_size = %s
		WHERE id = %s AND embedding_model_name = ''`,
		s.flavor.placeholder(1), s.flavor.placeholder(2), s.flavor.placeholder(3))
	var res, err = s.db.ExecContext(ctx, q, model, vectorSize, id)
	if err != nil {
		return false, fmt.Errorf("stamping collection %s: %w", id, err)
	}
	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateJob inserts a new job in PENDING. The one-live-job guard is
// part of the insert itself, so two concurrent runs racing past a prior
// SELECT still create at most one job.
func (s *SQL) CreateJob(ctx context.Context, job Job) error {
	if job.Status == "" {
		job.Status = JobPending
	}
	var q = fmt.Sprintf(
		`INSERT INTO sync_jobs (id, sync_id, status)
		SELECT %s, %s, %s
		WHERE NOT EXISTS (SELECT 1 FROM sync_jobs WHERE sync_id = %s AND status IN (%s))`,
		s.flavor.placeholder(1), s.flavor.placeholder(2), s.flavor.placeholder(3),
		s.flavor.placeholder(4), s.flavor.placeholders(5, 3))
	var res, err = s.db.ExecContext(ctx, q, job.ID, job.SyncID, string(job.Status),
		job.SyncID, string(JobPending), string(JobRunning), string(JobCancelling))
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sync %s already has active job", job.SyncID)
	}
	return nil
}

// GetJob reads a job with its counts.
func (s *SQL) GetJob(ctx context.Context, id string) (Job, error) {
	var q = fmt.Sprintf(
		`SELECT id, sync_id, status, error, inserted, updated, kept, deleted, skipped, failed,
		started_at, completed_at FROM sync_jobs WHERE id = %s`,
		s.flavor.placeholder(1))
	var j Job
	var status string
	var err = s.db.QueryRowContext(ctx, q, id).Scan(
		&j.ID, &j.SyncID, &status, &j.Error,
		&j.Counts.Inserted, &j.Counts.Updated, &j.Counts.Kept,
		&j.Counts.Deleted, &j.Counts.Skipped, &j.Counts.Failed,
		&j.StartedAt, &j.CompletedAt)
	if err == sql.ErrNoRows {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	} else if err != nil {
		return Job{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	j.Status = JobStatus(status)
	return j, nil
}

// TransitionJob moves a job from any of |from| to |to|, enforcing the
// status machine in the UPDATE itself so a concurrent transition can't
// be overwritten. It reports whether this call performed the move.
func (s *SQL) TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus, errMsg string) (bool, error) {
	for _, f := range from {
		if !f.CanTransition(to) {
			return false, fmt.Errorf("illegal job transition %s -> %s", f, to)
		}
	}

	var now = time.Now().UTC()
	var set = "status = " + s.flavor.placeholder(1) + ", error = " + s.flavor.placeholder(2)
	var args = []any{string(to), errMsg}
	if to == JobRunning {
		set += ", started_at = " + s.flavor.placeholder(3)
		args = append(args, now)
	} else if to.Terminal() {
		set += ", completed_at = " + s.flavor.placeholder(3)
		args = append(args, now)
	}

	var in = make([]string, len(from))
	for i := range from {
		in[i] = s.flavor.placeholder(len(args) + 2 + i)
	}
	var q = fmt.Sprintf(`UPDATE sync_jobs SET %s WHERE id = %s AND status IN (%s)`,
		set, s.flavor.placeholder(len(args)+1), strings.Join(in, ", "))
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	var res, err = s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("transitioning job %s to %s: %w", id, to, err)
	}
	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.WithField("job", id).WithField("status", to).Info("job status transition")
	}
	return n > 0, nil
}

// ActiveJob returns the ID of the sync's non-terminal job, if any. The
// orchestrator's guard: one live job per sync.
func (s *SQL) ActiveJob(ctx context.Context, syncID string) (string, bool, error) {
	var q = fmt.Sprintf(
		`SELECT id FROM sync_jobs WHERE sync_id = %s AND status IN (%s) LIMIT 1`,
		s.flavor.placeholder(1), s.flavor.placeholders(2, 3))
	var id string
	var err = s.db.QueryRowContext(ctx, q, syncID,
		string(JobPending), string(JobRunning), string(JobCancelling)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("checking active jobs of sync %s: %w", syncID, err)
	}
	return id, true, nil
}

// UpdateJobCounts writes the job's running totals.
func (s *SQL) UpdateJobCounts(ctx context.Context, id string, c JobCounts) error {
	var q = fmt.Sprintf(
		`UPDATE sync_jobs SET inserted = %s, updated = %s, kept = %s, deleted = %s,
		skipped = %s, failed = %s WHERE id = %s`,
		s.flavor.placeholder(1), s.flavor.placeholder(2), s.flavor.placeholder(3),
		s.flavor.placeholder(4), s.flavor.placeholder(5), s.flavor.placeholder(6),
		s.flavor.placeholder(7))
	if _, err := s.db.ExecContext(ctx, q,
		c.Inserted, c.Updated, c.Kept, c.Deleted, c.Skipped, c.Failed, id); err != nil {
		return fmt.Errorf("updating counts of job %s: %w", id, err)
	}
	return nil
}
