package vespa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/sync-engine/destination"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Body   []byte
}

func newDriver(t *testing.T, handler http.HandlerFunc) (*Driver, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body, _ = io.ReadAll(r.Body)
		var query = make(map[string]string)
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		captured = append(captured, capturedRequest{
			Method: r.Method, Path: r.URL.Path, Query: query, Body: body})
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	var d, err = New(Config{Endpoint: server.URL, Namespace: "airweave", DocType: "entity"}, nil)
	require.NoError(t, err)
	return d, &captured
}

func ok(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `{}`) }

func TestSetupCollectionChecksHealth(t *testing.T) {
	var d, captured = newDriver(t, ok)
	require.NoError(t, d.SetupCollection(context.Background(), 0))
	require.Equal(t, "/state/v1/health", (*captured)[0].Path)
}

func TestBulkInsertPutsEachDocument(t *testing.T) {
	var d, captured = newDriver(t, ok)
	var docs = []*destination.Doc{
		{ID: "col-1:n1", Payload: map[string]any{"title": "Alpha", "entity_id": "n1"}, Text: "body"},
		{ID: "col-1:n2", Payload: map[string]any{"title": "Beta", "entity_id": "n2"}},
	}
	require.NoError(t, d.BulkInsert(context.Background(), docs))

	require.Len(t, *captured, 2)
	require.Equal(t, http.MethodPut, (*captured)[0].Method)
	require.Equal(t, "/document/v1/airweave/entity/docid/col-1:n1", (*captured)[0].Path)

	var opts = jsondiff.DefaultConsoleOptions()
	var mode, diff = jsondiff.Compare((*captured)[0].Body, []byte(`{
		"fields": {"title": "Alpha", "entity_id": "n1", "text": "body"}
	}`), &opts)
	require.Equal(t, jsondiff.FullMatch, mode, diff)

	mode, diff = jsondiff.Compare((*captured)[1].Body, []byte(`{
		"fields": {"title": "Beta", "entity_id": "n2"}
	}`), &opts)
	require.Equal(t, jsondiff.FullMatch, mode, diff)
}

func TestBulkDeleteUsesSelection(t *testing.T) {
	var d, captured = newDriver(t, ok)
	require.NoError(t, d.BulkDelete(context.Background(), []string{"n1"}, "sync-1"))

	require.Len(t, *captured, 1)
	var req = (*captured)[0]
	require.Equal(t, http.MethodDelete, req.Method)
	require.Equal(t, "/document/v1/airweave/entity/docid", req.Path)
	require.Equal(t,
		`(entity.entity_id=="n1" or entity.parent_entity_id=="n1") and entity.airweave_sync_id=="sync-1"`,
		req.Query["selection"])
}

func TestSelectionDeleteFollowsContinuation(t *testing.T) {
	var calls int
	var d, captured = newDriver(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, `{"continuation":"AAAA"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	require.NoError(t, d.DeleteBySync(context.Background(), "sync-1"))

	require.Len(t, *captured, 2)
	require.Empty(t, (*captured)[0].Query["continuation"])
	require.Equal(t, "AAAA", (*captured)[1].Query["continuation"])
}

func TestSelectionDeleteFallsBackToVisit(t *testing.T) {
	var d, captured = newDriver(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Query().Has("selection"):
			// This deployment rejects selection deletes outright.
			http.Error(w, "selection not supported", http.StatusBadRequest)
		case r.Method == http.MethodGet:
			fmt.Fprint(w, `{"documents":[
				{"id":"id:airweave:entity::col-1:n1"},
				{"id":"id:airweave:entity::col-1:n1.__chunk_0"}
			]}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	})
	require.NoError(t, d.BulkDeleteByParent(context.Background(), "n1", "sync-1"))

	// Selection DELETE, visit GET, then one DELETE per visited document.
	require.Len(t, *captured, 4)
	require.Equal(t, http.MethodGet, (*captured)[1].Method)
	require.Equal(t, "/document/v1/airweave/entity/docid/col-1:n1", (*captured)[2].Path)
	require.Equal(t, "/document/v1/airweave/entity/docid/col-1:n1.__chunk_0", (*captured)[3].Path)
}

func TestConfigDefaults(t *testing.T) {
	var d, err = New(Config{Endpoint: "http://localhost:8080"}, nil)
	require.NoError(t, err)
	require.Equal(t, "airweave", d.cfg.Namespace)
	require.Equal(t, "entity", d.cfg.DocType)
	require.Error(t, Config{}.Validate())
}
