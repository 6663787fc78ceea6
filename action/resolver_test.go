package action

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/store"
)

type note struct {
	entity.Base
	Text string `json:"text"`
}

func (*note) Tag() string { return "app/note" }

const noteDef = "00000000-0000-0000-0000-00000000000a"

type fakeStore struct {
	rows       map[store.Key]store.EntityRow
	collection map[store.Key][]store.EntityRow
	lookups    int
}

func (f *fakeStore) GetEntities(_ context.Context, syncID string, keys []store.Key) (map[store.Key]store.EntityRow, error) {
	f.lookups++
	out := make(map[store.Key]store.EntityRow)
	for _, k := range keys {
		if row, ok := f.rows[k]; ok && row.SyncID == syncID {
			out[k] = row
		}
	}
	return out, nil
}

func (f *fakeStore) GetCollectionEntities(_ context.Context, _ string, keys []store.Key) (map[store.Key][]store.EntityRow, error) {
	out := make(map[store.Key][]store.EntityRow)
	for _, k := range keys {
		if rows, ok := f.collection[k]; ok {
			out[k] = rows
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T) *entity.Registry {
	t.Helper()
	r := entity.NewRegistry()
	require.NoError(t, r.Register("app/note", noteDef))
	return r
}

func hashedNote(t *testing.T, id, text string) *note {
	t.Helper()
	n := &note{Base: entity.Base{ID: id}, Text: text}
	h, err := entity.Hash(n)
	require.NoError(t, err)
	entity.Meta(n).Hash = h
	return n
}

func TestFirstRunInsertsEverything(t *testing.T) {
	fs := &fakeStore{}
	r := NewResolver(fs, newTestRegistry(t), Config{SyncID: "sync-1"}, nil)

	batch, err := r.Resolve(context.Background(), []entity.Entity{
		hashedNote(t, "n-1", "alpha"),
		hashedNote(t, "n-2", "beta"),
	})
	require.NoError(t, err)
	require.Len(t, batch.Inserts, 2)
	require.Empty(t, batch.Updates)
	require.Empty(t, batch.Keeps)
	require.Equal(t, Insert, batch.Inserts[0].Action)
	require.Equal(t, noteDef, batch.Inserts[0].DefinitionID)
}

func TestSecondRunKeepsUnchangedAndUpdatesChanged(t *testing.T) {
	unchanged := hashedNote(t, "n-1", "alpha")
	changed := hashedNote(t, "n-2", "beta v2")

	fs := &fakeStore{rows: map[store.Key]store.EntityRow{
		{DefinitionID: noteDef, EntityID: "n-1"}: {
			SyncID: "sync-1", DefinitionID: noteDef, EntityID: "n-1",
			Hash: entity.Meta(unchanged).Hash,
		},
		{DefinitionID: noteDef, EntityID: "n-2"}: {
			SyncID: "sync-1", DefinitionID: noteDef, EntityID: "n-2",
			Hash: strings.Repeat("0", 64),
		},
	}}
	r := NewResolver(fs, newTestRegistry(t), Config{SyncID: "sync-1"}, nil)

	batch, err := r.Resolve(context.Background(), []entity.Entity{unchanged, changed})
	require.NoError(t, err)
	require.Len(t, batch.Keeps, 1)
	require.Equal(t, "n-1", batch.Keeps[0].Entity.EntityID())
	require.Len(t, batch.Updates, 1)
	require.Equal(t, "n-2", batch.Updates[0].Entity.EntityID())
	require.Empty(t, batch.Inserts)
}

func TestRowsOfOtherSyncsAreInvisible(t *testing.T) {
	n := hashedNote(t, "n-1", "alpha")
	fs := &fakeStore{rows: map[store.Key]store.EntityRow{
		{DefinitionID: noteDef, EntityID: "n-1"}: {
			SyncID: "sync-other", DefinitionID: noteDef, EntityID: "n-1",
			Hash: entity.Meta(n).Hash,
		},
	}}
	r := NewResolver(fs, newTestRegistry(t), Config{SyncID: "sync-1"}, nil)

	batch, err := r.Resolve(context.Background(), []entity.Entity{n})
	require.NoError(t, err)
	require.Len(t, batch.Inserts, 1)
}

func TestDeletionsResolveUnderTargetDefinition(t *testing.T) {
	fs := &fakeStore{}
	r := NewResolver(fs, newTestRegistry(t), Config{SyncID: "sync-1"}, nil)

	del := &entity.Deletion{Base: entity.Base{ID: "n-1"}, TargetTag: "app/note"}
	batch, err := r.Resolve(context.Background(), []entity.Entity{del})
	require.NoError(t, err)
	require.Len(t, batch.Deletes, 1)
	require.Equal(t, noteDef, batch.Deletes[0].DefinitionID)
	// Deletions don't trigger a store lookup of their own.
	require.Equal(t, 0, fs.lookups)
}

func TestSkipHashComparisonForcesInsert(t *testing.T) {
	n := hashedNote(t, "n-1", "alpha")
	fs := &fakeStore{rows: map[store.Key]store.EntityRow{
		{DefinitionID: noteDef, EntityID: "n-1"}: {
			SyncID: "sync-1", DefinitionID: noteDef, EntityID: "n-1",
			Hash: entity.Meta(n).Hash,
		},
	}}
	r := NewResolver(fs, newTestRegistry(t), Config{SyncID: "sync-1", SkipHashComparison: true}, nil)

	batch, err := r.Resolve(context.Background(), []entity.Entity{n})
	require.NoError(t, err)
	require.Len(t, batch.Inserts, 1)
	// The forced path never reads the store.
	require.Equal(t, 0, fs.lookups)
}

func TestCollectionDedupeSkipsContentHandlers(t *testing.T) {
	n := hashedNote(t, "n-1", "alpha")
	key := store.Key{DefinitionID: noteDef, EntityID: "n-1"}
	fs := &fakeStore{collection: map[store.Key][]store.EntityRow{
		key: {{SyncID: "sync-other", DefinitionID: noteDef, EntityID: "n-1", Hash: "x"}},
	}}
	r := NewResolver(fs, newTestRegistry(t), Config{
		SyncID: "sync-1", CollectionID: "col-1", Dedupe: true,
	}, nil)

	batch, err := r.Resolve(context.Background(), []entity.Entity{n})
	require.NoError(t, err)
	require.Len(t, batch.Inserts, 1)
	require.True(t, batch.Inserts[0].SkipContentHandlers)
}

func TestMissingHashFailsRun(t *testing.T) {
	n := &note{Base: entity.Base{ID: "n-1"}, Text: "alpha"}
	r := NewResolver(&fakeStore{}, newTestRegistry(t), Config{SyncID: "sync-1"}, nil)

	_, err := r.Resolve(context.Background(), []entity.Entity{n})
	var fail *entity.FailRun
	require.ErrorAs(t, err, &fail)
	require.Contains(t, fail.Reason, "without a content hash")
}

func TestUnknownDefinitionFailsRun(t *testing.T) {
	// A registry with no binding for app/note.
	r := NewResolver(&fakeStore{}, entity.NewRegistry(), Config{SyncID: "sync-1"}, nil)
	_, err := r.Resolve(context.Background(), []entity.Entity{hashedNote(t, "n-1", "alpha")})
	var fail *entity.FailRun
	require.ErrorAs(t, err, &fail)
}
