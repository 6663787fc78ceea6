package dag

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type yamlNode struct {
	ID           string `yaml:"id"`
	Kind         string `yaml:"kind"`
	Name         string `yaml:"name"`
	Transformer  string `yaml:"transformer"`
	DefinitionID string `yaml:"definition_id"`
}

type yamlEdge struct {
	From         string `yaml:"from"`
	To           string `yaml:"to"`
	DefinitionID string `yaml:"definition_id"`
}

type yamlGraph struct {
	Nodes []yamlNode `yaml:"nodes"`
	Edges []yamlEdge `yaml:"edges"`
}

// LoadYAML parses and validates a graph definition file.
func LoadYAML(raw []byte) (*Graph, error) {
	var doc yamlGraph
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing graph definition: %w", err)
	}

	var nodes = make([]Node, len(doc.Nodes))
	for i, n := range doc.Nodes {
		nodes[i] = Node{
			ID:           n.ID,
			Kind:         NodeKind(n.Kind),
			Name:         n.Name,
			Transformer:  n.Transformer,
			DefinitionID: n.DefinitionID,
		}
	}
	var edges = make([]Edge, len(doc.Edges))
	for i, e := range doc.Edges {
		edges[i] = Edge{From: e.From, To: e.To, DefinitionID: e.DefinitionID}
	}
	return NewGraph(nodes, edges)
}
