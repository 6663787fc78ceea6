package destination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeAttempts bounds retries of a failing destination operation.
const writeAttempts = 3

// Fanout addresses a run's destinations by their graph node ID and
// applies each operation to the relevant backends. Failures are
// collected per destination: one unhealthy backend never stops a
// sibling from receiving its writes.
type Fanout struct {
	byNode map[string]Destination
	logger *log.Entry
}

func NewFanout(byNode map[string]Destination, logger *log.Entry) *Fanout {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Fanout{byNode: byNode, logger: logger}
}

// Get resolves a destination by its graph node ID.
func (f *Fanout) Get(nodeID string) (Destination, bool) {
	var d, ok = f.byNode[nodeID]
	return d, ok
}

// all returns destinations in stable order.
func (f *Fanout) all() []Destination {
	var ids = make([]string, 0, len(f.byNode))
	for id := range f.byNode {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out = make([]Destination, len(ids))
	for i, id := range ids {
		out[i] = f.byNode[id]
	}
	return out
}

// RequiresEmbedding reports whether any destination ingests embedded
// documents. When none does, the pipeline can skip vector computation
// entirely.
func (f *Fanout) RequiresEmbedding() bool {
	for _, d := range f.byNode {
		if d.Processing() == RequiresEmbedded {
			return true
		}
	}
	return false
}

// SetupAll prepares every destination's collection.
func (f *Fanout) SetupAll(ctx context.Context, vectorSize int) error {
	var errs []error
	for _, d := range f.all() {
		if err := f.retry(ctx, d, "setting up collection", func() error {
			return d.SetupCollection(ctx, vectorSize)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Insert writes documents to one destination node, with retries.
func (f *Fanout) Insert(ctx context.Context, nodeID string, docs []*Doc) error {
	var d, ok = f.byNode[nodeID]
	if !ok {
		return fmt.Errorf("no destination bound to graph node %q", nodeID)
	}
	return f.retry(ctx, d, fmt.Sprintf("inserting %d documents", len(docs)), func() error {
		return d.BulkInsert(ctx, docs)
	})
}

// DeleteEntities removes the entities' documents from every destination.
func (f *Fanout) DeleteEntities(ctx context.Context, entityIDs []string, syncID string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	var errs []error
	for _, d := range f.all() {
		if err := f.retry(ctx, d, fmt.Sprintf("deleting %d entities", len(entityIDs)), func() error {
			return d.BulkDelete(ctx, entityIDs, syncID)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteByParent removes a parent's documents and derived chunks from
// every destination, clearing the ground before an update re-inserts.
func (f *Fanout) DeleteByParent(ctx context.Context, parentID, syncID string) error {
	var errs []error
	for _, d := range f.all() {
		if err := f.retry(ctx, d, "deleting by parent "+parentID, func() error {
			return d.BulkDeleteByParent(ctx, parentID, syncID)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// retry runs |fn| with exponential backoff, logging intermediate
// failures against the destination's name.
func (f *Fanout) retry(ctx context.Context, d Destination, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
			// Pass.
		}
		if err = fn(); err == nil {
			return nil
		}
		f.logger.WithFields(log.Fields{
			"destination": d.Name(),
			"attempt":     attempt,
			"err":         err,
		}).Warn("destination operation failed")
	}
	return fmt.Errorf("%s on %s: %w", op, d.Name(), err)
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return time.Millisecond * 100
	default:
		return time.Second * time.Duration(attempt-1)
	}
}
