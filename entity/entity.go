// Package entity defines the typed records which flow through a sync:
// the Entity interface, the base structs concrete source entities embed,
// derived chunk entities, and the registry which maps compile-time entity
// tags onto entity definition IDs.
package entity

import (
	"fmt"

	"github.com/airweave-ai/sync-engine/labels"
)

// Entity is a single record produced by a source connector. Concrete
// entity types embed Base (or FileBase / CodeFileBase) and declare a Tag
// naming their entity definition. Only types embedding Base can satisfy
// Entity, which keeps the volatile bookkeeping fields in one place.
type Entity interface {
	// EntityID is the source-assigned identifier, stable across runs.
	EntityID() string
	// Tag names the entity definition of this type, as registered with
	// a Registry. It's a compile-time property of the concrete type.
	Tag() string

	base() *Base
}

// Breadcrumb locates an entity within its source hierarchy, root first.
type Breadcrumb struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"type,omitempty"`
}

// SparseVector is a sparse embedding: parallel index and weight slices.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// SystemMetadata carries engine-owned bookkeeping attached to an entity
// as it moves through the pipeline. None of it participates in content
// hashing.
type SystemMetadata struct {
	SourceName string `json:"source_name,omitempty"`
	SyncID     string `json:"sync_id,omitempty"`
	SyncJobID  string `json:"sync_job_id,omitempty"`
	// Hash is the 64-hex SHA-256 content hash, set by the pipeline.
	Hash string `json:"hash,omitempty"`
	// OriginalEntityID and ChunkIndex identify derived chunk entities.
	// ChunkIndex is meaningful only when OriginalEntityID is set.
	OriginalEntityID string `json:"original_entity_id,omitempty"`
	ChunkIndex       int    `json:"chunk_index,omitempty"`
	// TextualRep is the rendered representation handed to the dense
	// embedder. The pipeline releases it after chunks are derived.
	TextualRep string `json:"textual_representation,omitempty"`

	DenseVector  []float32     `json:"-"`
	SparseVector *SparseVector `json:"-"`
}

// Base is embedded by every concrete entity type.
type Base struct {
	ID          string          `json:"entity_id"`
	Breadcrumbs []Breadcrumb    `json:"breadcrumbs,omitempty"`
	URL         string          `json:"url,omitempty"`
	System      *SystemMetadata `json:"airweave_system_metadata,omitempty"`
}

func (b *Base) EntityID() string { return b.ID }
func (b *Base) base() *Base      { return b }

// Meta returns the entity's SystemMetadata, allocating it on first use.
func Meta(e Entity) *SystemMetadata {
	var b = e.base()
	if b.System == nil {
		b.System = new(SystemMetadata)
	}
	return b.System
}

// Trail returns the entity's breadcrumbs.
func Trail(e Entity) []Breadcrumb { return e.base().Breadcrumbs }

// FileBase is embedded by entity types which reference a file to be
// downloaded and processed. DownloadURL and LocalPath are volatile and
// never participate in content hashing.
type FileBase struct {
	Base
	Name        string `json:"name"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	LocalPath   string `json:"local_path,omitempty"`
}

func (f *FileBase) File() *FileBase { return f }

// FileEntity is satisfied by entity types embedding FileBase.
type FileEntity interface {
	Entity
	File() *FileBase
}

// CodeFileBase extends FileBase with source-control coordinates, all of
// which are stable and participate in content hashing.
type CodeFileBase struct {
	FileBase
	RepoName   string `json:"repo_name,omitempty"`
	PathInRepo string `json:"path_in_repo,omitempty"`
	CommitID   string `json:"commit_id,omitempty"`
	SHA        string `json:"sha,omitempty"`
	Language   string `json:"language,omitempty"`
}

func (c *CodeFileBase) CodeFile() *CodeFileBase { return c }

// CodeFileEntity is satisfied by entity types embedding CodeFileBase.
type CodeFileEntity interface {
	FileEntity
	CodeFile() *CodeFileBase
}

// Deletion signals that the source no longer has the named entity.
// It routes and resolves under the target's definition tag.
type Deletion struct {
	Base
	TargetTag string `json:"target_tag"`
}

func (d *Deletion) Tag() string { return d.TargetTag }

// Polymorphic is an entity whose schema is known only at runtime, such
// as a row of a discovered database table. It resolves to the registry's
// reserved table definition rather than a registered tag.
type Polymorphic struct {
	Base
	Schema     string         `json:"schema,omitempty"`
	Table      string         `json:"table"`
	KeyColumns []string       `json:"key_columns,omitempty"`
	Fields     map[string]any `json:"fields"`
}

func (p *Polymorphic) Tag() string        { return "table/" + p.Table }
func (p *Polymorphic) polymorphicEntity() {}

type polymorphic interface{ polymorphicEntity() }

// Chunk is an entity derived by multiplying a parent: one slice of the
// parent's textual representation, carrying the parent's content fields
// so destinations can render a complete document.
type Chunk struct {
	Base
	Text   string         `json:"text_content"`
	Fields map[string]any `json:"fields,omitempty"`

	tag string
}

func (c *Chunk) Tag() string { return c.tag }

// NewChunk derives the index'th chunk of parent. The chunk's entity ID is
// "{parent}.__chunk_{index}" and its metadata names the parent so that
// destination documents remain traceable and re-derivable.
func NewChunk(parent Entity, index int, text string) *Chunk {
	var pm = Meta(parent)
	var c = &Chunk{
		Base: Base{
			ID:          fmt.Sprintf("%s%s%d", parent.EntityID(), labels.ChunkSuffix, index),
			Breadcrumbs: parent.base().Breadcrumbs,
			URL:         parent.base().URL,
			System: &SystemMetadata{
				SourceName:       pm.SourceName,
				SyncID:           pm.SyncID,
				SyncJobID:        pm.SyncJobID,
				Hash:             pm.Hash,
				OriginalEntityID: parent.EntityID(),
				ChunkIndex:       index,
			},
		},
		Text: text,
		tag:  parent.Tag(),
	}
	return c
}
