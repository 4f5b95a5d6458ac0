// Package filesource loads documents into long-term memory: YAML
// frontmatter becomes node metadata, the body is chunked to a token
// budget, and each chunk is remembered with a source reference so the
// file can be reloaded or unloaded as a unit.
package filesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
	"github.com/MadBomber/htm/internal/longterm"
	"github.com/MadBomber/htm/internal/store"
	"github.com/MadBomber/htm/internal/tokens"
)

// DefaultChunkTokens is the target chunk size.
const DefaultChunkTokens = 512

// DefaultExtensions are the file types LoadDirectory picks up.
var DefaultExtensions = []string{".md", ".markdown", ".txt"}

// Loader pushes files into long-term memory.
type Loader struct {
	mem         *longterm.Memory
	chunkTokens int
	count       tokens.CounterFunc
}

// NewLoader builds a Loader. chunkTokens <= 0 selects the default.
func NewLoader(mem *longterm.Memory, chunkTokens int, count tokens.CounterFunc) *Loader {
	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	if count == nil {
		count = tokens.Count
	}
	return &Loader{mem: mem, chunkTokens: chunkTokens, count: count}
}

// LoadResult reports what one LoadFile did.
type LoadResult struct {
	SourceID int64
	Path     string
	Chunks   int
	Skipped  bool // content unchanged since last load
}

// LoadFile reads, chunks and remembers one file for a robot. Unchanged
// files (same content hash) are skipped. A changed file replaces its old
// chunks: previous chunk nodes are soft-deleted first.
func (l *Loader) LoadFile(ctx context.Context, robotID int64, path string) (*LoadResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrValidation, abs, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", errs.ErrValidation, abs, err)
	}

	hash := longterm.ContentHash(string(raw))
	st := l.mem.Store()
	if existing, err := st.FindFileSource(ctx, abs); err == nil && existing.ContentHash == hash {
		logging.Debugf(logging.CategoryFileSource, "%s unchanged, skipping", abs)
		return &LoadResult{SourceID: existing.ID, Path: abs, Skipped: true}, nil
	}

	frontmatter, body := splitFrontmatter(string(raw))
	meta, fmJSON := parseFrontmatter(frontmatter)

	srcID, err := st.UpsertFileSource(ctx, abs, hash, info.ModTime(), fmJSON)
	if err != nil {
		return nil, err
	}

	// Replace: old chunks of this source stop matching recall.
	oldIDs, err := st.NodeIDsForSource(ctx, srcID)
	if err != nil {
		return nil, err
	}
	for _, id := range oldIDs {
		if err := l.mem.Forget(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}

	chunks := Chunk(body, l.chunkTokens, l.count)
	for i, chunk := range chunks {
		_, err := l.mem.RememberChunk(ctx, robotID, chunk, nil, meta, &store.SourceRef{SourceID: srcID, Position: i})
		if err != nil {
			return nil, fmt.Errorf("chunk %d of %s: %w", i, abs, err)
		}
	}
	logging.Infof(logging.CategoryFileSource, "loaded %s: %d chunks", abs, len(chunks))
	return &LoadResult{SourceID: srcID, Path: abs, Chunks: len(chunks)}, nil
}

// LoadDirectory walks root and loads every file with a recognized
// extension. Returns per-file results; a single bad file aborts the walk.
func (l *Loader) LoadDirectory(ctx context.Context, robotID int64, root string, extensions []string) ([]LoadResult, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	var results []LoadResult
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := allowed[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		res, err := l.LoadFile(ctx, robotID, path)
		if err != nil {
			return err
		}
		results = append(results, *res)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load directory %s: %w", root, err)
	}
	return results, nil
}

// Resync walks every tracked source: files that changed on disk are
// reloaded, files that disappeared are unloaded. Returns the reload
// results and the number of sources unloaded.
func (l *Loader) Resync(ctx context.Context, robotID int64) ([]LoadResult, int, error) {
	sources, err := l.mem.Store().ListFileSources(ctx)
	if err != nil {
		return nil, 0, err
	}
	var results []LoadResult
	unloaded := 0
	for _, src := range sources {
		if _, err := os.Stat(src.Path); err != nil {
			if !os.IsNotExist(err) {
				return results, unloaded, fmt.Errorf("stat %s: %w", src.Path, err)
			}
			if _, err := l.UnloadFile(ctx, src.Path); err != nil {
				return results, unloaded, err
			}
			unloaded++
			continue
		}
		res, err := l.LoadFile(ctx, robotID, src.Path)
		if err != nil {
			return results, unloaded, err
		}
		results = append(results, *res)
	}
	return results, unloaded, nil
}

// UnloadFile forgets every chunk of a loaded file and drops the source
// record. The chunks are soft-deleted, so an accidental unload is
// recoverable per node.
func (l *Loader) UnloadFile(ctx context.Context, path string) (int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	st := l.mem.Store()
	src, err := st.FindFileSource(ctx, abs)
	if err != nil {
		return 0, err
	}
	ids, err := st.NodeIDsForSource(ctx, src.ID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := l.mem.Forget(ctx, id); err != nil {
			return 0, err
		}
	}
	if err := st.DeleteFileSource(ctx, src.ID); err != nil {
		return 0, err
	}
	logging.Infof(logging.CategoryFileSource, "unloaded %s: %d chunks forgotten", abs, len(ids))
	return len(ids), nil
}

// splitFrontmatter separates a leading "---" YAML block from the body.
func splitFrontmatter(content string) (frontmatter, body string) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return "", content
	}
	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", content
	}
	frontmatter = rest[:end]
	body = rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return frontmatter, body
}

// parseFrontmatter returns the YAML block as node metadata plus its JSON
// form for the file_sources row. Unparseable frontmatter is kept as raw
// text under a single key rather than failing the load.
func parseFrontmatter(frontmatter string) (map[string]interface{}, string) {
	if strings.TrimSpace(frontmatter) == "" {
		return nil, ""
	}
	meta := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		logging.Warnf(logging.CategoryFileSource, "frontmatter not valid YAML: %v", err)
		meta = map[string]interface{}{"frontmatter_raw": frontmatter}
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		return meta, ""
	}
	return meta, string(buf)
}

// Chunk splits text into pieces of at most budget tokens, preferring
// paragraph boundaries and splitting oversized paragraphs by line.
func Chunk(text string, budget int, count tokens.CounterFunc) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if count == nil {
		count = tokens.Count
	}

	var chunks []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentTokens = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		pt := count(para)
		if pt > budget {
			// Oversized paragraph: split by lines, hard-split any line
			// that alone exceeds the budget.
			flush()
			for _, piece := range splitOversized(para, budget, count) {
				chunks = append(chunks, piece)
			}
			continue
		}
		if currentTokens+pt > budget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += pt
	}
	flush()
	return chunks
}

func splitOversized(para string, budget int, count tokens.CounterFunc) []string {
	var out []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
		currentTokens = 0
	}

	for _, line := range strings.Split(para, "\n") {
		lt := count(line)
		if lt > budget {
			flush()
			// Roughly 4 chars per token; slice the raw line.
			maxChars := budget * 4
			for len(line) > maxChars {
				out = append(out, strings.TrimSpace(line[:maxChars]))
				line = line[maxChars:]
			}
			if s := strings.TrimSpace(line); s != "" {
				out = append(out, s)
			}
			continue
		}
		if currentTokens+lt > budget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
		currentTokens += lt
	}
	flush()
	return out
}
