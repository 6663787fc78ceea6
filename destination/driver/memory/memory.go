// Package memory is an in-process destination used by tests and dry
// runs: it keeps documents in a map and implements the same idempotent
// semantics real backends do.
package memory

import (
	"context"
	"sync"

	"github.com/airweave-ai/sync-engine/destination"
)

type Driver struct {
	name       string
	processing destination.Processing

	mu   sync.Mutex
	docs map[string]*destination.Doc

	// FailInserts makes BulkInsert fail until cleared, for retry and
	// fan-out isolation tests.
	FailInserts error
}

func New(name string) *Driver {
	return &Driver{
		name:       name,
		processing: destination.RequiresEmbedded,
		docs:       make(map[string]*destination.Doc),
	}
}

// NewRaw returns a driver which advertises raw-entity processing.
func NewRaw(name string) *Driver {
	var d = New(name)
	d.processing = destination.RawEntities
	return d
}

func (d *Driver) Name() string                       { return d.name }
func (d *Driver) Processing() destination.Processing { return d.processing }

func (d *Driver) SetupCollection(context.Context, int) error { return nil }

func (d *Driver) BulkInsert(_ context.Context, docs []*destination.Doc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailInserts != nil {
		return d.FailInserts
	}
	for _, doc := range docs {
		d.docs[doc.ID] = doc
	}
	return nil
}

func (d *Driver) BulkDelete(_ context.Context, entityIDs []string, syncID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids = make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		ids[id] = true
	}
	for key, doc := range d.docs {
		if doc.SyncID == syncID && (ids[doc.EntityID] || ids[doc.ParentID]) {
			delete(d.docs, key)
		}
	}
	return nil
}

func (d *Driver) BulkDeleteByParent(_ context.Context, parentID, syncID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, doc := range d.docs {
		if doc.SyncID == syncID && (doc.ParentID == parentID || doc.EntityID == parentID) {
			delete(d.docs, key)
		}
	}
	return nil
}

func (d *Driver) DeleteBySync(_ context.Context, syncID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, doc := range d.docs {
		if doc.SyncID == syncID {
			delete(d.docs, key)
		}
	}
	return nil
}

// Docs returns a snapshot of stored documents keyed by document ID.
func (d *Driver) Docs() map[string]*destination.Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out = make(map[string]*destination.Doc, len(d.docs))
	for k, v := range d.docs {
		out[k] = v
	}
	return out
}

// Len is the number of stored documents.
func (d *Driver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.docs)
}
