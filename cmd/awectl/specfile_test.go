package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var specFixture = `
sync:
  id: sync-1
  name: Invoices
  collection_id: col-1
source:
  type: stripe
  credentials:
    api_key: sk_test_123
database:
  dsn: ":memory:"
chunking:
  max_size: 2048
definitions:
  - tag: stripe/invoice
    definition_id: def-invoice
destinations:
  - node: vec
    type: qdrant
    qdrant:
      endpoint: http://localhost:6333
      collection: invoices
  - node: graph
    type: neo4j
    neo4j:
      uri: neo4j://localhost:7687
graph:
  nodes:
    - id: src
      kind: source
      name: stripe
    - id: vec
      kind: destination
      name: qdrant
  edges:
    - from: src
      to: vec
`

func writeSpec(t *testing.T, body string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSpec(t *testing.T) {
	var spec, err = LoadSpec(writeSpec(t, specFixture))
	require.NoError(t, err)

	require.Equal(t, "sync-1", spec.Sync.ID)
	require.Equal(t, "stripe", spec.Source.Type)
	require.Equal(t, "sk_test_123", spec.Source.Credentials["api_key"])
	require.Equal(t, 2048, spec.Chunking.MaxSize)
	require.Len(t, spec.Destinations, 2)
	require.Equal(t, "http://localhost:6333", spec.Destinations[0].Qdrant.Endpoint)
	require.Equal(t, "neo4j://localhost:7687", spec.Destinations[1].Neo4j.URI)
	require.Len(t, spec.Graph.Nodes, 2)
}

func TestLoadSpecRejectsIncompleteSpecs(t *testing.T) {
	var cases = map[string]string{
		"sync:\n  collection_id: col-1\n":          "missing sync.id",
		"sync:\n  id: s\n":                         "missing sync.collection_id",
		"sync:\n  id: s\n  collection_id: col-1\n": "missing source.type",
	}
	for body, want := range cases {
		var _, err = LoadSpec(writeSpec(t, body))
		require.ErrorContains(t, err, want)
	}
}

func TestLoadSpecRejectsUnknownDestinationType(t *testing.T) {
	var body = `
sync: {id: s, collection_id: c}
source: {type: stripe}
database: {dsn: ":memory:"}
destinations:
  - node: vec
    type: elasticsearch
graph:
  nodes:
    - {id: src, kind: source, name: s}
`
	var _, err = LoadSpec(writeSpec(t, body))
	require.ErrorContains(t, err, `unknown destination type "elasticsearch"`)
}

func TestBuildSourceWiresConnector(t *testing.T) {
	var spec, err = LoadSpec(writeSpec(t, specFixture))
	require.NoError(t, err)

	var src, srcErr = buildSource(spec)
	require.NoError(t, srcErr)
	require.Equal(t, "stripe", src.Name())
}

func TestBuildSourceUnknownType(t *testing.T) {
	var spec SyncSpec
	spec.Source.Type = "gopher-mail"
	var _, err = buildSource(spec)
	require.ErrorContains(t, err, "gopher-mail")
}
