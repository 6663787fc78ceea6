package entity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type ticket struct {
	Base
	Title string  `json:"title"`
	Body  string  `json:"body,omitempty"`
	Score float64 `json:"score,omitempty"`
}

func (*ticket) Tag() string { return "tracker/ticket" }

type attachment struct {
	FileBase
}

func (*attachment) Tag() string { return "tracker/attachment" }

type sourceFile struct {
	CodeFileBase
}

func (*sourceFile) Tag() string { return "repo/file" }

func TestHashIsDeterministic(t *testing.T) {
	a := &ticket{Base: Base{ID: "t-1"}, Title: "hello", Body: "world", Score: 3}
	b := &ticket{Base: Base{ID: "t-1"}, Title: "hello", Body: "world", Score: 3}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
	require.Len(t, ha, 64)

	// A deep copy through JSON hashes identically.
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	var c ticket
	require.NoError(t, json.Unmarshal(raw, &c))
	hc, err := Hash(&c)
	require.NoError(t, err)
	require.Equal(t, ha, hc)
}

func TestHashIgnoresVolatileFields(t *testing.T) {
	e := &ticket{Base: Base{ID: "t-1"}, Title: "hello"}
	before, err := Hash(e)
	require.NoError(t, err)

	e.Breadcrumbs = []Breadcrumb{{EntityID: "proj-1", Name: "Project", Kind: "project"}}
	e.URL = "https://tracker.example.com/t-1?token=rotated"
	Meta(e).SyncID = "sync-1"
	Meta(e).SyncJobID = "job-9"
	Meta(e).TextualRep = "rendered"

	after, err := Hash(e)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestHashTracksContent(t *testing.T) {
	e := &ticket{Base: Base{ID: "t-1"}, Title: "hello"}
	before, err := Hash(e)
	require.NoError(t, err)

	e.Title = "hello!"
	after, err := Hash(e)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestFileHashLaws(t *testing.T) {
	f := &attachment{FileBase: FileBase{
		Base:        Base{ID: "att-1"},
		Name:        "report.pdf",
		MimeType:    "application/pdf",
		Size:        11,
		DownloadURL: "https://files.example.com/att-1?sig=abc",
		LocalPath:   writeTemp(t, "pdf content"),
	}}

	base, err := Hash(f)
	require.NoError(t, err)

	// A refreshed download URL leaves the hash unchanged.
	f.DownloadURL = "https://files.example.com/att-1?sig=rotated"
	h, err := Hash(f)
	require.NoError(t, err)
	require.Equal(t, base, h)

	// A rename changes it.
	f.Name = "report-final.pdf"
	h, err = Hash(f)
	require.NoError(t, err)
	require.NotEqual(t, base, h)
	f.Name = "report.pdf"

	// Changed content changes it.
	f.LocalPath = writeTemp(t, "pdf content v2")
	h, err = Hash(f)
	require.NoError(t, err)
	require.NotEqual(t, base, h)
}

func TestCodeFileHashTracksCommit(t *testing.T) {
	f := &sourceFile{CodeFileBase: CodeFileBase{
		FileBase: FileBase{
			Base:      Base{ID: "repo/main.go"},
			Name:      "main.go",
			LocalPath: writeTemp(t, "package main"),
		},
		RepoName:   "demo",
		PathInRepo: "main.go",
		CommitID:   "c1",
		Language:   "go",
	}}

	base, err := Hash(f)
	require.NoError(t, err)

	f.CommitID = "c2"
	h, err := Hash(f)
	require.NoError(t, err)
	require.NotEqual(t, base, h)
}

func TestFileHashRequiresLocalFile(t *testing.T) {
	f := &attachment{FileBase: FileBase{Base: Base{ID: "att-2"}, Name: "x"}}
	_, err := Hash(f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no local file")
}

func TestPayloadFields(t *testing.T) {
	f := &attachment{FileBase: FileBase{
		Base: Base{
			ID:          "att-1",
			URL:         "https://files.example.com/att-1",
			Breadcrumbs: []Breadcrumb{{EntityID: "folder-1", Name: "Docs"}},
			System:      &SystemMetadata{Hash: strings.Repeat("a", 64)},
		},
		Name:      "report.pdf",
		LocalPath: "/tmp/sync/job/att-1",
	}}

	m, err := PayloadFields(f)
	require.NoError(t, err)
	require.Equal(t, "att-1", m["entity_id"])
	require.Equal(t, "https://files.example.com/att-1", m["url"])
	require.NotNil(t, m["breadcrumbs"])
	require.NotContains(t, m, "local_path")
	require.NotContains(t, m, "airweave_system_metadata")
}

func TestChunkDerivation(t *testing.T) {
	parent := &ticket{Base: Base{
		ID:          "t-1",
		Breadcrumbs: []Breadcrumb{{EntityID: "proj-1"}},
	}, Title: "hello"}
	Meta(parent).SyncID = "sync-1"
	Meta(parent).Hash = strings.Repeat("b", 64)

	c := NewChunk(parent, 3, "slice of text")
	require.Equal(t, "t-1.__chunk_3", c.EntityID())
	require.Equal(t, "tracker/ticket", c.Tag())
	require.Equal(t, "t-1", Meta(c).OriginalEntityID)
	require.Equal(t, 3, Meta(c).ChunkIndex)
	require.Equal(t, "sync-1", Meta(c).SyncID)
	require.Equal(t, Meta(parent).Hash, Meta(c).Hash)
	require.Equal(t, parent.Breadcrumbs, Trail(c))
}
