package labels

const (

	// CollectionID is the payload field naming the logical collection a
	// document belongs to. Every destination write carries it, and every
	// destination read or delete filters on it.
	CollectionID = "airweave_collection_id"

	// SyncID is the payload field naming the sync whose run produced a
	// document. Deletes of orphaned entities are scoped by it.
	SyncID = "airweave_sync_id"

	// SyncJobID is the payload field naming the specific run.
	SyncJobID = "airweave_sync_job_id"

	// EntityID is the payload field carrying the source-assigned entity
	// identifier, stable across runs.
	EntityID = "entity_id"

	// ParentEntityID is the payload field linking a chunk or child back
	// to the entity it was derived from.
	ParentEntityID = "parent_entity_id"

	// ChunkIndex is the payload field carrying the zero-based position of
	// a chunk within its parent's chunk sequence.
	ChunkIndex = "chunk_index"

	// OriginalEntityID is the payload field on chunk entities naming the
	// pre-chunking parent entity.
	OriginalEntityID = "original_entity_id"

	// EmbeddingModel is the collection metadata field recording which
	// model produced the collection's dense vectors.
	EmbeddingModel = "embedding_model_name"

	// VectorSize is the collection metadata field recording dense vector
	// dimensionality.
	VectorSize = "vector_size"
)

// ChunkSuffix is the separator between a parent entity ID and a chunk
// ordinal in derived chunk entity IDs, as in "doc-1.__chunk_3".
const ChunkSuffix = ".__chunk_"
