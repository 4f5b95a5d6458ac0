package filesource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MadBomber/htm/internal/longterm"
	"github.com/MadBomber/htm/internal/store"
)

func newTestLoader(t *testing.T, chunkTokens int) *Loader {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "htm.db"), store.DefaultOptions())
	require.NoError(t, err)
	mem := longterm.New(s, longterm.Options{})
	t.Cleanup(func() {
		_ = mem.Close(context.Background())
		_ = s.Close()
	})
	return NewLoader(mem, chunkTokens, nil)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSplitFrontmatter(t *testing.T) {
	fm, body := splitFrontmatter("---\ntitle: Notes\ntags: [a]\n---\nThe body.\n")
	assert.Equal(t, "title: Notes\ntags: [a]", fm)
	assert.Equal(t, "The body.\n", body)

	fm, body = splitFrontmatter("no frontmatter here")
	assert.Empty(t, fm)
	assert.Equal(t, "no frontmatter here", body)
}

func TestChunkRespectsParagraphs(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
	chunks := Chunk(text, 8, nil) // ~8 tokens per chunk, each para ~4
	require.Len(t, chunks, 2)
	assert.Equal(t, "first paragraph\n\nsecond paragraph", chunks[0])
	assert.Equal(t, "third paragraph", chunks[1])
}

func TestChunkSplitsOversizedParagraph(t *testing.T) {
	long := strings.Repeat("word ", 200) // one paragraph far over budget
	chunks := Chunk(long, 10, nil)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 10*4+8)
	}
}

func TestLoadFileCreatesChunksWithMetadata(t *testing.T) {
	l := newTestLoader(t, 0)
	ctx := context.Background()
	dir := t.TempDir()

	path := writeFile(t, dir, "notes.md", "---\nproject: htm\n---\nPostgres tuning notes.\n\nVacuum thresholds matter.\n")
	res, err := l.LoadFile(ctx, 0, path)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Chunks)

	ids, err := l.mem.Store().NodeIDsForSource(ctx, res.SourceID)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	node, err := l.mem.Store().FindNode(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "htm", node.Metadata["project"])
	assert.Contains(t, node.Content, "Vacuum thresholds")
}

func TestLoadFileSkipsUnchanged(t *testing.T) {
	l := newTestLoader(t, 0)
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "doc.md", "stable content")

	first, err := l.LoadFile(ctx, 0, path)
	require.NoError(t, err)
	second, err := l.LoadFile(ctx, 0, path)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.SourceID, second.SourceID)
}

func TestLoadFileReplacesChangedChunks(t *testing.T) {
	l := newTestLoader(t, 0)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.md", "original version")

	first, err := l.LoadFile(ctx, 0, path)
	require.NoError(t, err)

	writeFile(t, dir, "doc.md", "rewritten version")
	second, err := l.LoadFile(ctx, 0, path)
	require.NoError(t, err)
	assert.Equal(t, first.SourceID, second.SourceID)

	ids, err := l.mem.Store().NodeIDsForSource(ctx, second.SourceID)
	require.NoError(t, err)
	require.Len(t, ids, 1, "old chunks must be gone from the active set")
	node, err := l.mem.Store().FindNode(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "rewritten version", node.Content)
}

func TestLoadDirectoryFiltersExtensions(t *testing.T) {
	l := newTestLoader(t, 0)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "a.md", "markdown file")
	writeFile(t, dir, "b.txt", "text file")
	writeFile(t, dir, "c.bin", "binary-ish file")

	results, err := l.LoadDirectory(ctx, 0, dir, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestResyncReloadsChangedAndUnloadsMissing(t *testing.T) {
	l := newTestLoader(t, 0)
	ctx := context.Background()
	dir := t.TempDir()

	changed := writeFile(t, dir, "changed.md", "version one")
	stable := writeFile(t, dir, "stable.md", "never edited")
	doomed := writeFile(t, dir, "doomed.md", "about to vanish")
	for _, p := range []string{changed, stable, doomed} {
		_, err := l.LoadFile(ctx, 0, p)
		require.NoError(t, err)
	}

	writeFile(t, dir, "changed.md", "version two")
	require.NoError(t, os.Remove(doomed))

	results, unloaded, err := l.Resync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, unloaded)
	require.Len(t, results, 2)

	reloaded := 0
	for _, res := range results {
		if !res.Skipped {
			reloaded++
			assert.Equal(t, changed, res.Path)
		}
	}
	assert.Equal(t, 1, reloaded)

	src, err := l.mem.Store().FindFileSource(ctx, changed)
	require.NoError(t, err)
	ids, err := l.mem.Store().NodeIDsForSource(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	node, err := l.mem.Store().FindNode(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "version two", node.Content)
}

func TestUnloadFile(t *testing.T) {
	l := newTestLoader(t, 0)
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "doc.md", "searchable unload target")

	_, err := l.LoadFile(ctx, 0, path)
	require.NoError(t, err)

	n, err := l.UnloadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := l.mem.Search(ctx, longterm.Query{Text: "unload target", Strategy: longterm.StrategyFulltext})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
