package embed

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/minio/highwayhash"

	"github.com/airweave-ai/sync-engine/entity"
)

// sparseDims is the hash space terms are folded into. Collisions merge
// weights, which keyword scoring tolerates.
const sparseDims = 1 << 20

// hashKey keys the term hash. It's fixed: sparse vectors must be
// comparable across runs and across engine instances.
var hashKey = [32]byte{
	0x61, 0x69, 0x72, 0x77, 0x65, 0x61, 0x76, 0x65,
	0x2d, 0x73, 0x70, 0x61, 0x72, 0x73, 0x65, 0x2d,
	0x65, 0x6d, 0x62, 0x65, 0x64, 0x64, 0x65, 0x72,
	0x2d, 0x76, 0x31, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// HashedSparse is a local sparse embedder: it lowercases and splits text
// into terms, hashes each term into a fixed index space, and weighs it by
// dampened term frequency. No network round trip, and identical text
// always yields the identical vector.
type HashedSparse struct{}

func NewHashedSparse() *HashedSparse { return &HashedSparse{} }

func (*HashedSparse) ModelName() string { return "hashed-sparse-v1" }

func (*HashedSparse) Embed(_ context.Context, texts []string) ([]*entity.SparseVector, error) {
	var out = make([]*entity.SparseVector, len(texts))
	for i, text := range texts {
		out[i] = embedOne(text)
	}
	return out, nil
}

func embedOne(text string) *entity.SparseVector {
	var counts = make(map[uint32]int)
	for _, term := range tokenize(text) {
		var idx = uint32(highwayhash.Sum64([]byte(term), hashKey[:]) % sparseDims)
		counts[idx]++
	}

	var indices = make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var values = make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = float32(1 + math.Log(float64(counts[idx])))
	}
	return &entity.SparseVector{Indices: indices, Values: values}
}

// tokenize lowercases and splits on anything that isn't a letter or
// digit, dropping single-rune fragments.
func tokenize(text string) []string {
	var terms = strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out = terms[:0]
	for _, t := range terms {
		if len(t) > 1 {
			out = append(out, t)
		}
	}
	return out
}
