package tags

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MadBomber/htm/internal/errs"
)

func TestValidate(t *testing.T) {
	valid := []string{"project", "project:htm", "a:b:c:d", "infra-2:db", "x0"}
	for _, name := range valid {
		if err := Validate(name, 4); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Project", "a:", ":a", "a::b", "a b", "a:b:c:d:e", "über"}
	for _, name := range invalid {
		if err := Validate(name, 4); err == nil {
			t.Errorf("Validate(%q) should fail", name)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, 3, Depth("a:b:c"))
	assert.Equal(t, 1, Depth("a"))
	assert.Equal(t, "a", Root("a:b:c"))
	assert.Equal(t, "a", Root("a"))
	assert.Equal(t, "a:b", Parent("a:b:c"))
	assert.Equal(t, "", Parent("a"))
}

func TestExtractorDropsInvalidNames(t *testing.T) {
	fn := func(ctx context.Context, text string, ontology []string) ([]string, error) {
		return []string{"good:tag", "Bad Tag", "good:tag", "too:deep:for:this:config", "trailing!"}, nil
	}
	ext := NewExtractor(fn, 4, 0)

	got, err := ext.Extract(context.Background(), "text", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"good:tag"}, got)
}

func TestExtractorWrapsFailure(t *testing.T) {
	fn := func(ctx context.Context, text string, ontology []string) ([]string, error) {
		return nil, errors.New("llm timeout")
	}
	ext := NewExtractor(fn, 4, 0)

	_, err := ext.Extract(context.Background(), "text", nil)
	assert.ErrorIs(t, err, errs.ErrTagExtraction)
}

func TestExtractorNilFunc(t *testing.T) {
	ext := NewExtractor(nil, 4, 0)
	got, err := ext.Extract(context.Background(), "text", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBuildTreeAndRenderText(t *testing.T) {
	tree := BuildTree([]string{"db:postgres", "db:sqlite", "db", "lang:go"}, "")
	text := tree.RenderText()

	want := "db\n  postgres\n  sqlite\nlang\n  go\n"
	assert.Equal(t, want, text)
}

func TestBuildTreePrefixFilter(t *testing.T) {
	tree := BuildTree([]string{"db:postgres", "db:sqlite:wal", "lang:go"}, "db")
	text := tree.RenderText()

	assert.Contains(t, text, "postgres")
	assert.Contains(t, text, "wal")
	assert.NotContains(t, text, "go")
}

func TestRenderMermaid(t *testing.T) {
	tree := BuildTree([]string{"db:postgres"}, "")
	out := tree.RenderMermaid()

	assert.True(t, strings.HasPrefix(out, "flowchart TD\n"))
	assert.Contains(t, out, `db --> db_postgres["postgres"]`)
}

func TestRenderSVG(t *testing.T) {
	tree := BuildTree([]string{"db:postgres"}, "")
	out := tree.RenderSVG()

	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, ">postgres</text>")
}
