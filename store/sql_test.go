package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQL {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Install(context.Background()))
	return s
}

func TestSchemaDDL(t *testing.T) {
	cupaloy.SnapshotT(t, schemaDDL)
}

func TestEntityRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []EntityRow{
		{SyncID: "sync-1", DefinitionID: "def-a", EntityID: "e-1", Hash: "h1", CollectionID: "col-1"},
		{SyncID: "sync-1", DefinitionID: "def-a", EntityID: "e-2", Hash: "h2", CollectionID: "col-1"},
		{SyncID: "sync-1", DefinitionID: "def-b", EntityID: "e-1", Hash: "h3", CollectionID: "col-1"},
	}
	require.NoError(t, s.InsertEntities(ctx, rows))

	// Lookup filters on the full (definition, entity) key even though
	// def-a and def-b share the entity_id "e-1".
	got, err := s.GetEntities(ctx, "sync-1", []Key{{DefinitionID: "def-a", EntityID: "e-1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "h1", got[Key{DefinitionID: "def-a", EntityID: "e-1"}].Hash)

	// Update a hash and read it back.
	require.NoError(t, s.UpdateEntityHashes(ctx, []EntityRow{
		{SyncID: "sync-1", DefinitionID: "def-a", EntityID: "e-1", Hash: "h1-v2"},
	}))
	got, err = s.GetEntities(ctx, "sync-1", []Key{{DefinitionID: "def-a", EntityID: "e-1"}})
	require.NoError(t, err)
	require.Equal(t, "h1-v2", got[Key{DefinitionID: "def-a", EntityID: "e-1"}].Hash)

	// Unknown sync reads empty.
	got, err = s.GetEntities(ctx, "sync-other", []Key{{DefinitionID: "def-a", EntityID: "e-1"}})
	require.NoError(t, err)
	require.Empty(t, got)

	// Delete one key; the sibling definition's row survives.
	require.NoError(t, s.DeleteEntities(ctx, "sync-1", []Key{{DefinitionID: "def-a", EntityID: "e-1"}}))
	keys, err := s.ListEntityKeys(ctx, "sync-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []Key{
		{DefinitionID: "def-a", EntityID: "e-2"},
		{DefinitionID: "def-b", EntityID: "e-1"},
	}, keys)
}

func TestEntityUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEntities(ctx, []EntityRow{
		{SyncID: "sync-1", DefinitionID: "def-a", EntityID: "e-1", Hash: "h1"},
	}))
	err := s.InsertEntities(ctx, []EntityRow{
		{SyncID: "sync-1", DefinitionID: "def-a", EntityID: "e-1", Hash: "h2"},
	})
	require.Error(t, err)
}

func TestBulkLookupChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// More rows than a single lookup chunk, to cross the boundary.
	var rows []EntityRow
	var keys []Key
	for i := 0; i < lookupChunk+50; i++ {
		id := fmt.Sprintf("e-%04d", i)
		rows = append(rows, EntityRow{
			SyncID: "sync-1", DefinitionID: "def-a", EntityID: id, Hash: "h",
		})
		keys = append(keys, Key{DefinitionID: "def-a", EntityID: id})
	}
	require.NoError(t, s.InsertEntities(ctx, rows))

	got, err := s.GetEntities(ctx, "sync-1", keys)
	require.NoError(t, err)
	require.Len(t, got, lookupChunk+50)
}

func TestCollectionScopedLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEntities(ctx, []EntityRow{
		{SyncID: "sync-1", DefinitionID: "def-a", EntityID: "shared", Hash: "h1", CollectionID: "col-1"},
		{SyncID: "sync-2", DefinitionID: "def-a", EntityID: "shared", Hash: "h2", CollectionID: "col-1"},
		{SyncID: "sync-3", DefinitionID: "def-a", EntityID: "shared", Hash: "h3", CollectionID: "col-other"},
	}))

	got, err := s.GetCollectionEntities(ctx, "col-1", []Key{{DefinitionID: "def-a", EntityID: "shared"}})
	require.NoError(t, err)
	require.Len(t, got[Key{DefinitionID: "def-a", EntityID: "shared"}], 2)
}

func TestJobStatusMachine(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, Job{ID: "job-1", SyncID: "sync-1"}))

	// The guard sees the pending job.
	id, active, err := s.ActiveJob(ctx, "sync-1")
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, "job-1", id)

	moved, err := s.TransitionJob(ctx, "job-1", []JobStatus{JobPending}, JobRunning, "")
	require.NoError(t, err)
	require.True(t, moved)

	// A second PENDING->RUNNING attempt finds no matching row.
	moved, err = s.TransitionJob(ctx, "job-1", []JobStatus{JobPending}, JobRunning, "")
	require.NoError(t, err)
	require.False(t, moved)

	// Illegal edges are rejected before touching the database.
	_, err = s.TransitionJob(ctx, "job-1", []JobStatus{JobRunning}, JobPending, "")
	require.Error(t, err)

	moved, err = s.TransitionJob(ctx, "job-1", []JobStatus{JobRunning}, JobCompleted, "")
	require.NoError(t, err)
	require.True(t, moved)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, JobCompleted, job.Status)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	_, active, err = s.ActiveJob(ctx, "sync-1")
	require.NoError(t, err)
	require.False(t, active)
}

func TestCreateJobEnforcesOneLiveJobPerSync(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, Job{ID: "job-1", SyncID: "sync-1"}))

	// The insert itself carries the guard, so even callers which skipped
	// the ActiveJob pre-check can't create a second live job.
	err := s.CreateJob(ctx, Job{ID: "job-2", SyncID: "sync-1"})
	require.ErrorContains(t, err, "already has active job")

	// Another sync is unaffected.
	require.NoError(t, s.CreateJob(ctx, Job{ID: "job-3", SyncID: "sync-2"}))

	// Once the live job reaches a terminal state, the sync is free again.
	_, err = s.TransitionJob(ctx, "job-1", []JobStatus{JobPending}, JobRunning, "")
	require.NoError(t, err)
	_, err = s.TransitionJob(ctx, "job-1", []JobStatus{JobRunning}, JobFailed, "boom")
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, Job{ID: "job-4", SyncID: "sync-1"}))
}

func TestJobCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, Job{ID: "job-1", SyncID: "sync-1"}))
	require.NoError(t, s.UpdateJobCounts(ctx, "job-1", JobCounts{
		Inserted: 10, Updated: 3, Kept: 87, Deleted: 2, Skipped: 1, Failed: 4,
	}))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), job.Counts.Inserted)
	require.Equal(t, int64(87), job.Counts.Kept)
	require.Equal(t, int64(4), job.Counts.Failed)
}

func TestCollectionStamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, Collection{ID: "col-1", Name: "Docs"}))
	// Idempotent.
	require.NoError(t, s.EnsureCollection(ctx, Collection{ID: "col-1", Name: "Docs"}))

	stamped, err := s.StampCollection(ctx, "col-1", "text-embedding-3-small", 1536)
	require.NoError(t, err)
	require.True(t, stamped)

	// A second stamp attempt is a no-op: first writer wins.
	stamped, err = s.StampCollection(ctx, "col-1", "other-model", 768)
	require.NoError(t, err)
	require.False(t, stamped)

	col, err := s.GetCollection(ctx, "col-1")
	require.NoError(t, err)
	require.Equal(t, "text-embedding-3-small", col.EmbeddingModel)
	require.Equal(t, 1536, col.VectorSize)
}

func TestCursorMerge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A never-written cursor reads as the empty object.
	cur, err := s.GetCursor(ctx, "sync-1")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(cur))

	require.NoError(t, s.MergeCursor(ctx, "sync-1", json.RawMessage(`{"customers":"cus_100"}`)))
	require.NoError(t, s.MergeCursor(ctx, "sync-1", json.RawMessage(`{"invoices":"inv_7"}`)))

	cur, err = s.GetCursor(ctx, "sync-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"customers":"cus_100","invoices":"inv_7"}`, string(cur))

	// Null removes a key, per merge-patch semantics.
	require.NoError(t, s.MergeCursor(ctx, "sync-1", json.RawMessage(`{"customers":null}`)))
	cur, err = s.GetCursor(ctx, "sync-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"invoices":"inv_7"}`, string(cur))
}
