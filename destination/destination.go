// Package destination defines the writer contract shared by all
// destination backends, the document form they receive, and the fan-out
// which writes one entity to several backends without letting one
// failure short-circuit the others.
package destination

import (
	"context"

	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/labels"
)

// Processing declares what form of document a destination ingests.
type Processing int

const (
	// RequiresEmbedded destinations ingest chunked documents with
	// vectors already attached.
	RequiresEmbedded Processing = iota
	// RawEntities destinations ingest unembedded documents and run
	// their own document processing on the backend side.
	RawEntities
)

// Doc is one document written to a destination: an entity's payload plus
// its identity, tenancy fields, and vectors.
type Doc struct {
	// ID is the deterministic document identity,
	// "{collection_id}:{entity_id}". Re-syncing the same entity always
	// overwrites the same document.
	ID           string
	CollectionID string
	SyncID       string
	SyncJobID    string
	EntityID     string
	// ParentID is the pre-chunking entity for derived chunks, empty
	// otherwise.
	ParentID   string
	ChunkIndex int
	Text       string
	Payload    map[string]any
	Dense      []float32
	Sparse     *entity.SparseVector
}

// DocID renders the deterministic document identity.
func DocID(collectionID, entityID string) string {
	return collectionID + ":" + entityID
}

// BuildDoc renders an entity into its destination document. The payload
// carries the entity's JSON fields plus the tenancy and lineage fields
// every destination filters on.
func BuildDoc(e entity.Entity, collectionID string) (*Doc, error) {
	var payload, err = entity.PayloadFields(e)
	if err != nil {
		return nil, err
	}
	var md = entity.Meta(e)

	var doc = &Doc{
		ID:           DocID(collectionID, e.EntityID()),
		CollectionID: collectionID,
		SyncID:       md.SyncID,
		SyncJobID:    md.SyncJobID,
		EntityID:     e.EntityID(),
		ParentID:     md.OriginalEntityID,
		ChunkIndex:   md.ChunkIndex,
		Dense:        md.DenseVector,
		Sparse:       md.SparseVector,
	}
	if c, ok := e.(*entity.Chunk); ok {
		doc.Text = c.Text
	}

	payload[labels.CollectionID] = collectionID
	payload[labels.SyncID] = md.SyncID
	payload[labels.SyncJobID] = md.SyncJobID
	payload[labels.EntityID] = e.EntityID()
	if doc.ParentID != "" {
		payload[labels.ParentEntityID] = doc.ParentID
		payload[labels.ChunkIndex] = doc.ChunkIndex
		payload[labels.OriginalEntityID] = doc.ParentID
	}
	doc.Payload = payload
	return doc, nil
}

// Destination is a backend which persists documents. Implementations
// must make every operation idempotent: re-inserts overwrite, and
// deletes of absent documents succeed.
type Destination interface {
	Name() string
	Processing() Processing
	// SetupCollection prepares the backend-side collection for documents
	// with the given dense vector size.
	SetupCollection(ctx context.Context, vectorSize int) error
	// BulkInsert writes documents, overwriting by ID.
	BulkInsert(ctx context.Context, docs []*Doc) error
	// BulkDelete removes the documents of the given entities within a
	// sync. Missing documents are not an error.
	BulkDelete(ctx context.Context, entityIDs []string, syncID string) error
	// BulkDeleteByParent removes a parent's document and every chunk
	// derived from it within a sync.
	BulkDeleteByParent(ctx context.Context, parentID, syncID string) error
	// DeleteBySync removes every document the sync has ever written.
	DeleteBySync(ctx context.Context, syncID string) error
}
