package qdrant

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/sync-engine/destination"
	"github.com/airweave-ai/sync-engine/entity"
)

type capturedRequest struct {
	Method string
	Path   string
	Body   []byte
}

// fakeQdrant records every API call and answers with canned statuses.
func fakeQdrant(t *testing.T, collectionExists bool) (*Driver, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body, _ = io.ReadAll(r.Body)
		captured = append(captured, capturedRequest{Method: r.Method, Path: r.URL.Path, Body: body})

		if r.Method == http.MethodGet && !collectionExists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	t.Cleanup(server.Close)

	var d, err = New(Config{Endpoint: server.URL, Collection: "entities"}, nil)
	require.NoError(t, err)
	return d, &captured
}

func requireJSONMatch(t *testing.T, expected string, actual []byte) {
	t.Helper()
	var opts = jsondiff.DefaultConsoleOptions()
	var mode, diff = jsondiff.Compare(actual, []byte(expected), &opts)
	require.Equal(t, jsondiff.FullMatch, mode, diff)
}

func TestSetupCollectionCreatesWhenMissing(t *testing.T) {
	var d, captured = fakeQdrant(t, false)
	require.NoError(t, d.SetupCollection(context.Background(), 1536))

	require.Len(t, *captured, 2)
	var create = (*captured)[1]
	require.Equal(t, http.MethodPut, create.Method)
	require.Equal(t, "/collections/entities", create.Path)
	requireJSONMatch(t, `{
		"vectors": {"dense": {"size": 1536, "distance": "Cosine"}},
		"sparse_vectors": {"sparse": {}}
	}`, create.Body)
}

func TestSetupCollectionIsIdempotent(t *testing.T) {
	var d, captured = fakeQdrant(t, true)
	require.NoError(t, d.SetupCollection(context.Background(), 1536))
	require.Len(t, *captured, 1) // Probe only, no create.
}

func TestBulkInsertBuildsNamedVectorPoints(t *testing.T) {
	var d, captured = fakeQdrant(t, true)

	var doc = &destination.Doc{
		ID:       "col-1:n1",
		SyncID:   "sync-1",
		EntityID: "n1",
		Payload:  map[string]any{"title": "Alpha", "entity_id": "n1"},
		Dense:    []float32{0.5, 0.25},
		Sparse:   &entity.SparseVector{Indices: []uint32{7}, Values: []float32{1}},
	}
	require.NoError(t, d.BulkInsert(context.Background(), []*destination.Doc{doc}))

	require.Len(t, *captured, 1)
	var req = (*captured)[0]
	require.Equal(t, "/collections/entities/points", req.Path)

	var pointID = uuid.NewSHA1(pointNamespace, []byte("col-1:n1")).String()
	requireJSONMatch(t, fmt.Sprintf(`{
		"points": [{
			"id": %q,
			"vector": {
				"dense": [0.5, 0.25],
				"sparse": {"indices": [7], "values": [1]}
			},
			"payload": {"title": "Alpha", "entity_id": "n1"}
		}]
	}`, pointID), req.Body)
}

func TestBulkInsertPointIDIsDeterministic(t *testing.T) {
	var a = uuid.NewSHA1(pointNamespace, []byte("col-1:n1"))
	var b = uuid.NewSHA1(pointNamespace, []byte("col-1:n1"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, uuid.NewSHA1(pointNamespace, []byte("col-1:n2")))
}

func TestBulkDeleteFiltersOnSyncAndParents(t *testing.T) {
	var d, captured = fakeQdrant(t, true)
	require.NoError(t, d.BulkDelete(context.Background(), []string{"n1", "n2"}, "sync-1"))

	require.Len(t, *captured, 1)
	var req = (*captured)[0]
	require.Equal(t, "/collections/entities/points/delete", req.Path)
	requireJSONMatch(t, `{
		"filter": {
			"must": [{"key": "airweave_sync_id", "match": {"value": "sync-1"}}],
			"should": [
				{"key": "entity_id", "match": {"any": ["n1", "n2"]}},
				{"key": "parent_entity_id", "match": {"any": ["n1", "n2"]}}
			]
		}
	}`, req.Body)
}

func TestDeleteBySyncFiltersOnSyncAlone(t *testing.T) {
	var d, captured = fakeQdrant(t, true)
	require.NoError(t, d.DeleteBySync(context.Background(), "sync-1"))

	var req = (*captured)[0]
	requireJSONMatch(t, `{
		"filter": {"must": [{"key": "airweave_sync_id", "match": {"value": "sync-1"}}]}
	}`, req.Body)
}

func TestErrorStatusSurfaces(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "wrong vector size", http.StatusBadRequest)
	}))
	defer server.Close()

	var d, err = New(Config{Endpoint: server.URL, Collection: "entities"}, nil)
	require.NoError(t, err)

	err = d.BulkInsert(context.Background(), []*destination.Doc{{ID: "col-1:n1"}})
	require.ErrorContains(t, err, "status 400")
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{Collection: "entities"}.Validate())
	require.Error(t, Config{Endpoint: "http://localhost:6333"}.Validate())
	require.NoError(t, Config{Endpoint: "http://localhost:6333", Collection: "entities"}.Validate())
}
