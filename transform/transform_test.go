package transform

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/sync-engine/entity"
)

func TestRecursiveChunkerPrefersParagraphs(t *testing.T) {
	text := "First paragraph one.\n\nSecond paragraph two.\n\nThird paragraph three."
	chunks := Recursive{MaxSize: 30}.Chunk(text)

	require.Len(t, chunks, 3)
	require.Equal(t, "First paragraph one.", chunks[0])
	require.Equal(t, "Second paragraph two.", chunks[1])
	require.Equal(t, "Third paragraph three.", chunks[2])
}

func TestRecursiveChunkerPacksSmallSegments(t *testing.T) {
	text := "a.\n\nb.\n\nc.\n\nd."
	chunks := Recursive{MaxSize: 100}.Chunk(text)
	require.Len(t, chunks, 1)
}

func TestRecursiveChunkerBoundsEveryChunk(t *testing.T) {
	// No separators at all: the hard cut still has to apply.
	text := strings.Repeat("x", 1000)
	chunks := Recursive{MaxSize: 128}.Chunk(text)
	require.NotEmpty(t, chunks)
	var total int
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 128)
		total += len(c)
	}
	require.Equal(t, 1000, total)

	// Empty input produces no chunks.
	require.Empty(t, Recursive{}.Chunk("   \n  "))
}

func TestTextConverter(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(good, []byte("# heading"), 0600))
	binary := filepath.Join(dir, "b.md")
	require.NoError(t, os.WriteFile(binary, []byte{0xff, 0xfe, 0x00, 0x01}, 0600))

	texts, err := Text{}.Convert(context.Background(), []string{good, binary})
	require.NoError(t, err)
	require.Equal(t, "# heading", texts[0])
	// Invalid UTF-8 skips the file, not the batch.
	require.Equal(t, "", texts[1])
}

func TestConverterRouter(t *testing.T) {
	router, err := NewConverterRouter(Text{})
	require.NoError(t, err)

	c, ok := router.For("/tmp/x/report.MD")
	require.True(t, ok)
	require.Equal(t, "text", c.Name())

	_, ok = router.For("/tmp/x/report.pdf")
	require.False(t, ok)

	// Two converters claiming the same extension is a wiring error.
	_, err = NewConverterRouter(Text{}, Text{})
	require.Error(t, err)
}

type memo struct {
	entity.Base
	Subject string `json:"subject"`
}

func (*memo) Tag() string { return "app/memo" }

func TestEntityChunkerMultipliesByTextualRep(t *testing.T) {
	m := &memo{Base: entity.Base{ID: "m-1"}, Subject: "hello"}
	entity.Meta(m).TextualRep = "Alpha.\n\nBeta.\n\nGamma."

	reg, err := NewRegistry(&EntityChunker{Chunker: Recursive{MaxSize: 10}})
	require.NoError(t, err)
	tr, ok := reg.Get("entity-chunker")
	require.True(t, ok)

	out, err := tr.Transform(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "m-1.__chunk_0", out[0].EntityID())
	require.Equal(t, "app/memo", out[0].Tag())
	require.Equal(t, "m-1", entity.Meta(out[0]).OriginalEntityID)
	require.Equal(t, 2, entity.Meta(out[2]).ChunkIndex)
}

func TestEntityChunkerPassesThroughWithoutText(t *testing.T) {
	m := &memo{Base: entity.Base{ID: "m-1"}}
	out, err := (&EntityChunker{}).Transform(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Same(t, entity.Entity(m), out[0])
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&EntityChunker{}, &EntityChunker{})
	require.Error(t, err)
}
