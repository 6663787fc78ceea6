package dag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/transform"
)

type page struct {
	entity.Base
	Body string `json:"body"`
}

func (*page) Tag() string { return "wiki/page" }

const pageDef = "00000000-0000-0000-0000-0000000000aa"
const otherDef = "00000000-0000-0000-0000-0000000000bb"

func TestGraphValidation(t *testing.T) {
	// A well-formed graph constructs.
	_, err := NewGraph(
		[]Node{
			{ID: "src", Kind: SourceNode},
			{ID: "dst", Kind: DestinationNode},
		},
		[]Edge{{From: "src", To: "dst"}},
	)
	require.NoError(t, err)

	// No source.
	_, err = NewGraph([]Node{{ID: "dst", Kind: DestinationNode}}, nil)
	require.Error(t, err)

	// Two sources.
	_, err = NewGraph([]Node{
		{ID: "a", Kind: SourceNode},
		{ID: "b", Kind: SourceNode},
	}, nil)
	require.Error(t, err)

	// Dangling edge.
	_, err = NewGraph([]Node{{ID: "src", Kind: SourceNode}},
		[]Edge{{From: "src", To: "ghost"}})
	require.Error(t, err)

	// Outgoing edge from a destination.
	_, err = NewGraph([]Node{
		{ID: "src", Kind: SourceNode},
		{ID: "dst", Kind: DestinationNode},
	}, []Edge{{From: "src", To: "dst"}, {From: "dst", To: "src"}})
	require.Error(t, err)
}

func TestGraphRejectsCycles(t *testing.T) {
	_, err := NewGraph(
		[]Node{
			{ID: "src", Kind: SourceNode},
			{ID: "a", Kind: EntityNode},
			{ID: "b", Kind: EntityNode},
		},
		[]Edge{
			{From: "src", To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func newTestRegistry(t *testing.T) *entity.Registry {
	t.Helper()
	r := entity.NewRegistry()
	require.NoError(t, r.Register("wiki/page", pageDef))
	return r
}

func TestRouteToDestinations(t *testing.T) {
	g, err := NewGraph(
		[]Node{
			{ID: "src", Kind: SourceNode},
			{ID: "vec", Kind: DestinationNode},
			{ID: "graph", Kind: DestinationNode},
		},
		[]Edge{
			{From: "src", To: "vec"},
			{From: "src", To: "graph"},
		},
	)
	require.NoError(t, err)

	transformers, err := transform.NewRegistry()
	require.NoError(t, err)
	router, err := NewRouter(g, transformers, newTestRegistry(t), nil)
	require.NoError(t, err)

	p := &page{Base: entity.Base{ID: "p-1"}, Body: "text"}
	routed, err := router.Route(context.Background(), p, pageDef)
	require.NoError(t, err)
	require.Len(t, routed, 1)
	require.ElementsMatch(t, []string{"vec", "graph"}, routed[0].Destinations)
}

func TestEdgeDefinitionFilter(t *testing.T) {
	g, err := NewGraph(
		[]Node{
			{ID: "src", Kind: SourceNode},
			{ID: "pages-only", Kind: DestinationNode},
			{ID: "everything", Kind: DestinationNode},
		},
		[]Edge{
			{From: "src", To: "pages-only", DefinitionID: pageDef},
			{From: "src", To: "everything"},
		},
	)
	require.NoError(t, err)

	transformers, err := transform.NewRegistry()
	require.NoError(t, err)
	router, err := NewRouter(g, transformers, newTestRegistry(t), nil)
	require.NoError(t, err)

	p := &page{Base: entity.Base{ID: "p-1"}}
	routed, err := router.Route(context.Background(), p, pageDef)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"pages-only", "everything"}, routed[0].Destinations)

	// A different definition only reaches the unfiltered edge.
	routed, err = router.Route(context.Background(), p, otherDef)
	require.NoError(t, err)
	require.Equal(t, []string{"everything"}, routed[0].Destinations)
}

func TestTransformerFanOut(t *testing.T) {
	g, err := NewGraph(
		[]Node{
			{ID: "src", Kind: SourceNode},
			{ID: "chunker", Kind: TransformerNode, Transformer: "entity-chunker"},
			{ID: "vec", Kind: DestinationNode},
		},
		[]Edge{
			{From: "src", To: "chunker"},
			{From: "chunker", To: "vec"},
		},
	)
	require.NoError(t, err)

	transformers, err := transform.NewRegistry(
		&transform.EntityChunker{Chunker: transform.Recursive{MaxSize: 10}})
	require.NoError(t, err)
	router, err := NewRouter(g, transformers, newTestRegistry(t), nil)
	require.NoError(t, err)

	p := &page{Base: entity.Base{ID: "p-1"}}
	entity.Meta(p).TextualRep = "Alpha.\n\nBeta."

	routed, err := router.Route(context.Background(), p, pageDef)
	require.NoError(t, err)

	// The parent reaches no destination; its two chunks do.
	require.Len(t, routed, 2)
	require.Equal(t, "p-1.__chunk_0", routed[0].Entity.EntityID())
	require.Equal(t, "p-1.__chunk_1", routed[1].Entity.EntityID())
	for _, r := range routed {
		require.Equal(t, []string{"vec"}, r.Destinations)
		require.Equal(t, pageDef, r.DefinitionID)
	}
}

func TestRouterRejectsUnknownTransformer(t *testing.T) {
	g, err := NewGraph(
		[]Node{
			{ID: "src", Kind: SourceNode},
			{ID: "x", Kind: TransformerNode, Transformer: "does-not-exist"},
		},
		[]Edge{{From: "src", To: "x"}},
	)
	require.NoError(t, err)

	transformers, err := transform.NewRegistry()
	require.NoError(t, err)
	_, err = NewRouter(g, transformers, newTestRegistry(t), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown transformer")
}

func TestLoadYAML(t *testing.T) {
	raw := []byte(`
nodes:
  - id: src
    kind: source
  - id: chunks
    kind: transformer
    transformer: entity-chunker
  - id: qdrant-main
    kind: destination
edges:
  - from: src
    to: chunks
  - from: chunks
    to: qdrant-main
`)
	g, err := LoadYAML(raw)
	require.NoError(t, err)
	require.Equal(t, "src", g.SourceID())

	n, ok := g.Node("chunks")
	require.True(t, ok)
	require.Equal(t, TransformerNode, n.Kind)
	require.Equal(t, "entity-chunker", n.Transformer)

	// Structural validation applies to loaded files too.
	_, err = LoadYAML([]byte(`
nodes:
  - id: a
    kind: entity
edges: []
`))
	require.Error(t, err)
}
