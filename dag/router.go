package dag

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/transform"
)

// routeCacheSize bounds the per-router cache of resolved edges. Keys are
// (node, definition) pairs, of which a sync has at most a few hundred.
const routeCacheSize = 1024

// Routed is one entity with the destination nodes that must persist it.
type Routed struct {
	Entity       entity.Entity
	DefinitionID string
	Destinations []string
}

// Router walks entities through a Graph: destination edges collect,
// transformer edges invoke and recurse over the derived entities.
type Router struct {
	graph        *Graph
	transformers *transform.Registry
	registry     *entity.Registry
	cache        *lru.Cache[routeKey, []Edge]
	logger       *log.Entry
}

type routeKey struct {
	nodeID       string
	definitionID string
}

// NewRouter builds a Router, resolving every transformer node against
// the registry up front so a misnamed transformer is a construction
// error rather than a mid-run surprise.
func NewRouter(g *Graph, transformers *transform.Registry, registry *entity.Registry, logger *log.Entry) (*Router, error) {
	for _, n := range g.Nodes() {
		if n.Kind != TransformerNode {
			continue
		}
		if _, ok := transformers.Get(n.Transformer); !ok {
			return nil, fmt.Errorf("node %q references unknown transformer %q", n.ID, n.Transformer)
		}
	}
	var cache, err = lru.New[routeKey, []Edge](routeCacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Router{
		graph:        g,
		transformers: transformers,
		registry:     registry,
		cache:        cache,
		logger:       logger,
	}, nil
}

// Route walks |e| from the source node and returns every produced entity
// paired with its destination nodes. Entities whose paths reach no
// destination return empty Destinations and are simply not persisted.
func (r *Router) Route(ctx context.Context, e entity.Entity, definitionID string) ([]Routed, error) {
	var out []Routed
	if err := r.walk(ctx, r.graph.SourceID(), e, definitionID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// walk follows the node's matching edges. Destination edges accumulate
// onto the current entity; entity nodes recurse in place; transformer
// edges derive new entities which continue from the transformer node,
// while the current entity itself stops there.
func (r *Router) walk(ctx context.Context, nodeID string, e entity.Entity, definitionID string, out *[]Routed) error {
	var routed = Routed{Entity: e, DefinitionID: definitionID}

	for _, edge := range r.resolved(nodeID, definitionID) {
		var target, _ = r.graph.Node(edge.To)
		switch target.Kind {
		case DestinationNode:
			routed.Destinations = append(routed.Destinations, target.ID)

		case EntityNode:
			if target.DefinitionID != "" && target.DefinitionID != definitionID {
				continue
			}
			if err := r.walk(ctx, target.ID, e, definitionID, out); err != nil {
				return err
			}

		case TransformerNode:
			var tr, _ = r.transformers.Get(target.Transformer)
			var derived, err = tr.Transform(ctx, e)
			if err != nil {
				return fmt.Errorf("transformer %q on entity %s: %w", target.Transformer, e.EntityID(), err)
			}
			for _, d := range derived {
				var defID = definitionID
				if d != e {
					if defID, err = r.registry.DefinitionID(d); err != nil {
						return &entity.FailRun{Reason: "resolving derived entity definition", Cause: err}
					}
				}
				if err = r.walk(ctx, target.ID, d, defID, out); err != nil {
					return err
				}
			}
		}
	}

	if len(routed.Destinations) > 0 {
		*out = append(*out, routed)
	}
	return nil
}

// resolved returns the node's outgoing edges which match the definition,
// through the LRU cache.
func (r *Router) resolved(nodeID, definitionID string) []Edge {
	var key = routeKey{nodeID: nodeID, definitionID: definitionID}
	if edges, ok := r.cache.Get(key); ok {
		return edges
	}

	var edges []Edge
	for _, e := range r.graph.out[nodeID] {
		if e.DefinitionID == "" || e.DefinitionID == definitionID {
			edges = append(edges, e)
		}
	}
	r.cache.Add(key, edges)
	return edges
}
