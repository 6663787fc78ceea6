// Package dag models the static routing graph of a sync: which
// transformers apply to which entities and which destinations persist
// them. Graphs are validated once at construction; routing during a run
// never re-checks structure.
package dag

import (
	"fmt"
)

// NodeKind discriminates graph nodes.
type NodeKind string

const (
	// SourceNode is the single entry point of the graph.
	SourceNode NodeKind = "source"
	// EntityNode scopes a path to one entity definition.
	EntityNode NodeKind = "entity"
	// TransformerNode invokes a registered transformer and routes its
	// outputs onward.
	TransformerNode NodeKind = "transformer"
	// DestinationNode persists entities. Terminal.
	DestinationNode NodeKind = "destination"
)

// Node is a vertex of the sync graph.
type Node struct {
	ID   string
	Kind NodeKind
	Name string
	// Transformer names the registry entry invoked by transformer nodes.
	Transformer string
	// DefinitionID restricts an entity node to one definition. Empty
	// matches all.
	DefinitionID string
}

// Edge is a directed connection. A non-empty DefinitionID restricts
// traversal to entities of that definition.
type Edge struct {
	From         string
	To           string
	DefinitionID string
}

// Graph is a validated sync DAG.
type Graph struct {
	nodes    map[string]Node
	out      map[string][]Edge
	sourceID string
}

// NewGraph validates nodes and edges and returns the graph. Rejected at
// construction: duplicate or dangling IDs, zero or multiple sources,
// edges into the source or out of a destination, and cycles.
func NewGraph(nodes []Node, edges []Edge) (*Graph, error) {
	var g = &Graph{
		nodes: make(map[string]Node, len(nodes)),
		out:   make(map[string][]Edge),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("graph node with empty ID")
		}
		if _, ok := g.nodes[n.ID]; ok {
			return nil, fmt.Errorf("duplicate graph node %q", n.ID)
		}
		switch n.Kind {
		case SourceNode:
			if g.sourceID != "" {
				return nil, fmt.Errorf("graph has multiple sources: %q and %q", g.sourceID, n.ID)
			}
			g.sourceID = n.ID
		case EntityNode, TransformerNode, DestinationNode:
			// Pass.
		default:
			return nil, fmt.Errorf("node %q has unknown kind %q", n.ID, n.Kind)
		}
		g.nodes[n.ID] = n
	}
	if g.sourceID == "" {
		return nil, fmt.Errorf("graph has no source node")
	}

	for _, e := range edges {
		var from, ok = g.nodes[e.From]
		if !ok {
			return nil, fmt.Errorf("edge from unknown node %q", e.From)
		}
		var to Node
		if to, ok = g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("edge to unknown node %q", e.To)
		}
		if from.Kind == DestinationNode {
			return nil, fmt.Errorf("destination node %q has an outgoing edge", e.From)
		}
		if to.Kind == SourceNode {
			return nil, fmt.Errorf("source node %q has an incoming edge", e.To)
		}
		g.out[e.From] = append(g.out[e.From], e)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs a coloring DFS over every node.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // done
	)
	var color = make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, e := range g.out[id] {
			switch color[e.To] {
			case grey:
				return fmt.Errorf("graph cycle through %q", e.To)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range g.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// SourceID returns the graph's single source node.
func (g *Graph) SourceID() string { return g.sourceID }

// Node looks up a node by ID.
func (g *Graph) Node(id string) (Node, bool) {
	var n, ok = g.nodes[id]
	return n, ok
}

// Nodes returns all nodes, for diagnostics and validation passes.
func (g *Graph) Nodes() []Node {
	var out = make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}
