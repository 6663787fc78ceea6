// Package progress tracks a run's per-action totals and publishes them
// as JSON events on a Redis channel keyed by sync job, for UI
// subscribers following the run live. Publishing is optional: a run
// with no Redis configured proceeds exactly the same, silently.
package progress

import (
	"sync/atomic"

	"github.com/airweave-ai/sync-engine/store"
)

// Counts are a run's totals. Increments are atomic and monotonically
// non-decreasing; workers update them concurrently.
type Counts struct {
	inserted atomic.Int64
	updated  atomic.Int64
	kept     atomic.Int64
	deleted  atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

func (c *Counts) AddInserted(n int64) { c.inserted.Add(n) }
func (c *Counts) AddUpdated(n int64)  { c.updated.Add(n) }
func (c *Counts) AddKept(n int64)     { c.kept.Add(n) }
func (c *Counts) AddDeleted(n int64)  { c.deleted.Add(n) }
func (c *Counts) AddSkipped(n int64)  { c.skipped.Add(n) }
func (c *Counts) AddFailed(n int64)   { c.failed.Add(n) }

// Snapshot reads a consistent-enough copy for event publication and
// job-row persistence.
func (c *Counts) Snapshot() store.JobCounts {
	return store.JobCounts{
		Inserted: c.inserted.Load(),
		Updated:  c.updated.Load(),
		Kept:     c.kept.Load(),
		Deleted:  c.deleted.Load(),
		Skipped:  c.skipped.Load(),
		Failed:   c.failed.Load(),
	}
}

// Total sums every action, the left side of the run's accounting
// equation.
func (c *Counts) Total() int64 {
	var s = c.Snapshot()
	return s.Inserted + s.Updated + s.Kept + s.Deleted + s.Skipped + s.Failed
}
