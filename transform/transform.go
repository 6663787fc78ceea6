package transform

import (
	"context"
	"fmt"

	"github.com/airweave-ai/sync-engine/entity"
)

// Transformer is a named entity transformation a DAG node can invoke.
// The set is closed: transformers are registered at startup and a DAG
// referencing an unknown name fails validation, not the run.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, e entity.Entity) ([]entity.Entity, error)
}

// Registry is the closed transformer set.
type Registry struct {
	byName map[string]Transformer
}

func NewRegistry(transformers ...Transformer) (*Registry, error) {
	var r = &Registry{byName: make(map[string]Transformer, len(transformers))}
	for _, tr := range transformers {
		if _, ok := r.byName[tr.Name()]; ok {
			return nil, fmt.Errorf("transformer %q registered twice", tr.Name())
		}
		r.byName[tr.Name()] = tr
	}
	return r, nil
}

// Get resolves a transformer by name.
func (r *Registry) Get(name string) (Transformer, bool) {
	var tr, ok = r.byName[name]
	return tr, ok
}

// EntityChunker is the standard transformer: it multiplies an entity
// with a textual representation into chunk entities. Entities without
// one pass through unchanged, and empty chunks are dropped.
type EntityChunker struct {
	Chunker Chunker
}

func (c *EntityChunker) Name() string { return "entity-chunker" }

func (c *EntityChunker) Transform(_ context.Context, e entity.Entity) ([]entity.Entity, error) {
	var text = entity.Meta(e).TextualRep
	if text == "" {
		return []entity.Entity{e}, nil
	}
	var chunker = c.Chunker
	if chunker == nil {
		chunker = Recursive{}
	}

	var pieces = chunker.Chunk(text)
	var out = make([]entity.Entity, 0, len(pieces))
	for i, piece := range pieces {
		out = append(out, entity.NewChunk(e, i, piece))
	}
	return out, nil
}
