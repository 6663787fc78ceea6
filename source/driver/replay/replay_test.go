package replay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/sync-engine/arf"
	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/source"
)

type note struct {
	entity.Base
	Text string `json:"text"`
}

func (*note) Tag() string { return "app/note" }

func seededStore(t *testing.T) *arf.DirStore {
	t.Helper()
	s, err := arf.NewDirStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, arf.Record{
		Tag: "app/note", EntityID: "n-1", Document: json.RawMessage(`{"entity_id":"n-1","text":"alpha"}`),
	}))
	require.NoError(t, s.Append(ctx, arf.Record{
		Tag: "app/row", EntityID: "r-1", Document: json.RawMessage(`{"col":42}`),
	}))
	return s
}

func drain(t *testing.T, src source.Source) []entity.Entity {
	t.Helper()
	var out []entity.Entity
	for res := range src.GenerateEntities(context.Background()) {
		require.NoError(t, res.Err)
		out = append(out, res.Entity)
	}
	return out
}

func TestReplayWithDecoder(t *testing.T) {
	decoders := map[string]Decoder{
		"app/note": func(doc json.RawMessage) (entity.Entity, error) {
			var n note
			if err := json.Unmarshal(doc, &n); err != nil {
				return nil, err
			}
			return &n, nil
		},
	}
	src := New(seededStore(t), Config{Groups: []string{"app__note"}}, decoders)
	require.NoError(t, src.Validate(context.Background()))

	ents := drain(t, src)
	require.Len(t, ents, 1)
	n, ok := ents[0].(*note)
	require.True(t, ok)
	require.Equal(t, "n-1", n.EntityID())
	require.Equal(t, "alpha", n.Text)
}

func TestReplayFallsBackToPolymorphic(t *testing.T) {
	src := New(seededStore(t), Config{}, nil)

	ents := drain(t, src)
	require.Len(t, ents, 2)
	for _, e := range ents {
		_, ok := e.(*entity.Polymorphic)
		require.True(t, ok)
	}
}
