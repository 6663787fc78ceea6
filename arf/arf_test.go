package arf

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirStoreRoundTrip(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Record{
		Tag: "app/note", EntityID: "n-1", Document: json.RawMessage(`{"text":"alpha"}`),
	}))
	require.NoError(t, s.Append(ctx, Record{
		Tag: "app/note", EntityID: "n-2", Document: json.RawMessage(`{"text":"beta"}`),
	}))
	require.NoError(t, s.Append(ctx, Record{
		Tag: "app/task", EntityID: "t-1", Document: json.RawMessage(`{"done":false}`),
	}))

	groups, err := s.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"app__note", "app__task"}, groups)

	r, err := s.Open(ctx, "app__note")
	require.NoError(t, err)
	defer r.Close()

	recs, err := ReadRecords(r)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Replay preserves append order.
	require.Equal(t, "n-1", recs[0].EntityID)
	require.Equal(t, "n-2", recs[1].EntityID)
	require.JSONEq(t, `{"text":"beta"}`, string(recs[1].Document))
	require.False(t, recs[0].CapturedAt.IsZero())
}

func TestDirStoreOpenMissingGroup(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "nope")
	require.Error(t, err)
}

func TestReadRecordsToleratesBlankLines(t *testing.T) {
	var r io.Reader = strings.NewReader(
		`{"tag":"a","entity_id":"1","document":{}}` + "\n\n" +
			`{"tag":"a","entity_id":"2","document":{}}` + "\n")
	recs, err := ReadRecords(r)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	_, err = ReadRecords(strings.NewReader("not json\n"))
	require.Error(t, err)
}

func TestGroupName(t *testing.T) {
	require.Equal(t, "app__note", GroupName("app/note"))
	require.Equal(t, "plain", GroupName("plain"))
}
