// Package embed produces the dense and sparse vectors destinations index.
// Dense vectors come from an OpenAI-compatible embeddings API; sparse
// vectors are computed locally by hashing document terms.
package embed

import (
	"context"

	"github.com/airweave-ai/sync-engine/entity"
)

// Dense embeds natural-language texts into fixed-size vectors.
type Dense interface {
	// ModelName identifies the embedding model, recorded on the
	// collection so later runs can't silently mix vector spaces.
	ModelName() string
	// Dimensions is the width of every vector the model produces.
	Dimensions() int
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Sparse embeds texts into sparse keyword vectors.
type Sparse interface {
	ModelName() string
	Embed(ctx context.Context, texts []string) ([]*entity.SparseVector, error)
}
