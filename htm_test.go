package htm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "htm.db")
	cfg.Jobs.Mode = JobModeInline // deterministic enrichment in tests
	return cfg
}

func openHive(t *testing.T, cfg Config) *Hive {
	t.Helper()
	h, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

// fixedEmbedder returns preset unit vectors per exact text, a default for
// everything else.
func fixedEmbedder(vectors map[string][]float32) EmbedFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		if v, ok := vectors[text]; ok {
			return v, nil
		}
		return []float32{0, 0, 1}, nil
	}
}

func TestRememberDeduplicates(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	first, err := robot.Remember(ctx, "the deploy failed at 3am", RememberOptions{})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := robot.Remember(ctx, "the deploy failed at 3am", RememberOptions{})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.NodeID, second.NodeID)

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["nodes"])
}

func TestRecallFulltext(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	_, err = robot.Remember(ctx, "the payment service uses stripe webhooks", RememberOptions{})
	require.NoError(t, err)
	_, err = robot.Remember(ctx, "the auth service issues JWT tokens", RememberOptions{})
	require.NoError(t, err)

	hits, err := robot.Recall(ctx, "stripe webhooks", RecallOptions{Strategy: "fulltext"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Content, "stripe")
}

func TestRecallHybridLexicalWins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.Provider = "custom"
	cfg.Embedding.Func = fixedEmbedder(map[string][]float32{
		"INC-2291 postmortem: cache stampede": {0, 1, 0},
		"general caching guidance":            {1, 0, 0},
		"INC-2291":                            {0.9, 0.1, 0},
	})
	h := openHive(t, cfg)
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	_, err = robot.Remember(ctx, "INC-2291 postmortem: cache stampede", RememberOptions{})
	require.NoError(t, err)
	_, err = robot.Remember(ctx, "general caching guidance", RememberOptions{})
	require.NoError(t, err)

	// The embedder puts the query nearest the wrong doc; the exact
	// identifier match must still rank first.
	hits, err := robot.Recall(ctx, "INC-2291", RecallOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Content, "INC-2291")
}

func TestForgetRestoreRecall(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	res, err := robot.Remember(ctx, "temporary credentials rotation runbook", RememberOptions{})
	require.NoError(t, err)

	require.NoError(t, robot.Forget(ctx, res.NodeID))
	hits, err := robot.Recall(ctx, "credentials rotation", RecallOptions{Strategy: "fulltext"})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NotContains(t, robot.WorkingSet(), res.NodeID)

	require.NoError(t, robot.Restore(ctx, res.NodeID))
	hits, err = robot.Recall(ctx, "credentials rotation", RecallOptions{Strategy: "fulltext"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.NodeID, hits[0].NodeID)
}

func TestForgetPermanentlyRequiresConfirmation(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	res, err := robot.Remember(ctx, "to be purged", RememberOptions{})
	require.NoError(t, err)

	err = robot.ForgetPermanently(ctx, res.NodeID, "yes")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, robot.ForgetPermanently(ctx, res.NodeID, PurgeConfirmation))
	err = robot.Restore(ctx, res.NodeID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecallTimeframeAuto(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	_, err = robot.Remember(ctx, "standup notes from the sprint", RememberOptions{})
	require.NoError(t, err)

	// "yesterday" is extracted from the query and excludes today's note.
	hits, err := robot.Recall(ctx, "what did I say about standup notes yesterday", RecallOptions{
		Strategy:  "fulltext",
		Timeframe: ":auto",
	})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Without the timeframe word the note matches.
	hits, err = robot.Recall(ctx, "standup notes", RecallOptions{Strategy: "fulltext"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestRecallTimeframeIntervals(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	_, err = robot.Remember(ctx, "incident postmortem notes", RememberOptions{})
	require.NoError(t, err)

	today := time.Now().Format("2006-01-02")
	lastMonth := time.Now().AddDate(0, -1, 0).Format("2006-01-02")

	// An explicit interval ending before today excludes the note.
	hits, err := robot.Recall(ctx, "postmortem", RecallOptions{
		Strategy:  "fulltext",
		Timeframe: "(" + lastMonth + ", " + lastMonth + ")",
	})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// A date literal for today includes it.
	hits, err = robot.Recall(ctx, "postmortem", RecallOptions{
		Strategy:  "fulltext",
		Timeframe: today,
	})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	// Several expressions OR together: either window matching suffices.
	hits, err = robot.Recall(ctx, "postmortem", RecallOptions{
		Strategy:   "fulltext",
		Timeframes: []string{lastMonth, "today"},
	})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = robot.Recall(ctx, "postmortem", RecallOptions{
		Strategy:  "fulltext",
		Timeframe: "(" + today + ")",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRecallTopicSubtree(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	_, err = robot.Remember(ctx, "pg vacuum notes", RememberOptions{Tags: []string{"database:postgresql"}})
	require.NoError(t, err)
	_, err = robot.Remember(ctx, "mysql binlog notes", RememberOptions{Tags: []string{"database:mysql"}})
	require.NoError(t, err)
	_, err = robot.Remember(ctx, "go scheduler notes", RememberOptions{Tags: []string{"language:go"}})
	require.NoError(t, err)

	hits, err := robot.Recall(ctx, "", RecallOptions{Topic: "database"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestWorkingMemoryEviction(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkingMemory.MaxTokens = 20
	h := openHive(t, cfg)
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	// Each item is ~10 tokens (40+ chars); the third add evicts the first.
	contents := []string{
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"cccccccccccccccccccccccccccccccccccccccc",
	}
	var ids []int64
	for _, c := range contents {
		res, err := robot.Remember(ctx, c, RememberOptions{})
		require.NoError(t, err)
		ids = append(ids, res.NodeID)
	}

	ws := robot.WorkingSet()
	assert.NotContains(t, ws, ids[0], "oldest entry is evicted first")
	assert.Contains(t, ws, ids[1])
	assert.Contains(t, ws, ids[2])

	stats := robot.WorkingMemory()
	assert.LessOrEqual(t, stats.Tokens, stats.MaxTokens)
}

func TestImportanceProtectsFromEviction(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkingMemory.MaxTokens = 20
	h := openHive(t, cfg)
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	important, err := robot.Remember(ctx, "1111111111111111111111111111111111111111", RememberOptions{Importance: 10})
	require.NoError(t, err)
	_, err = robot.Remember(ctx, "2222222222222222222222222222222222222222", RememberOptions{})
	require.NoError(t, err)
	_, err = robot.Remember(ctx, "3333333333333333333333333333333333333333", RememberOptions{})
	require.NoError(t, err)

	assert.Contains(t, robot.WorkingSet(), important.NodeID, "high-importance entry survives eviction")
}

func TestCreateContext(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	_, err = robot.Remember(ctx, "first remembered line", RememberOptions{})
	require.NoError(t, err)
	_, err = robot.Remember(ctx, "second remembered line", RememberOptions{})
	require.NoError(t, err)

	out, err := robot.CreateContext(StrategyRecent, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "first remembered line")
	assert.Contains(t, out, "second remembered line")

	_, err = robot.CreateContext("bogus", 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLoadAndUnloadFile(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "runbook.md")
	require.NoError(t, os.WriteFile(path, []byte("---\nservice: billing\n---\nRestart the billing worker first.\n"), 0o644))

	res, err := robot.LoadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)

	hits, err := robot.Recall(ctx, "billing worker", RecallOptions{Strategy: "fulltext"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "billing", hits[0].Metadata["service"])

	n, err := robot.UnloadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err = robot.Recall(ctx, "billing worker", RecallOptions{Strategy: "fulltext"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTagTree(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	_, err = robot.Remember(ctx, "pg notes", RememberOptions{Tags: []string{"database:postgresql:tuning"}})
	require.NoError(t, err)

	tree, err := h.TagTree(ctx)
	require.NoError(t, err)
	assert.Contains(t, tree, "database")
	assert.Contains(t, tree, "postgresql")
}

func TestPurgeDeletedBefore(t *testing.T) {
	h := openHive(t, testConfig(t))
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	res, err := robot.Remember(ctx, "short-lived", RememberOptions{})
	require.NoError(t, err)
	require.NoError(t, robot.Forget(ctx, res.NodeID))

	n, err := h.PurgeDeletedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExternalJobMode(t *testing.T) {
	var queued []EnrichmentJob
	cfg := testConfig(t)
	cfg.Embedding.Provider = "custom"
	cfg.Embedding.Func = fixedEmbedder(nil)
	cfg.Jobs.Mode = JobModeExternal
	cfg.Jobs.Enqueue = func(_ context.Context, job EnrichmentJob) error {
		queued = append(queued, job)
		return nil
	}
	h := openHive(t, cfg)
	ctx := context.Background()
	robot, err := h.Robot(ctx, "alpha")
	require.NoError(t, err)

	res, err := robot.Remember(ctx, "externally enriched", RememberOptions{})
	require.NoError(t, err)
	require.Len(t, queued, 1, "embedding job goes to the external queue")

	// Simulate the external worker.
	require.NoError(t, h.RunEnrichmentJob(ctx, queued[0]))
	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["nodes_unembedded"])
	_ = res
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabasePath = ""
	assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Embedding.Provider = "mystery"
	assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Jobs.Mode = JobModeExternal
	assert.ErrorIs(t, cfg.Validate(), ErrConfiguration, "external mode without enqueue func")
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path: /tmp/test-htm.db
working_memory:
  max_tokens: 64000
  strategy: recent
recall:
  week_starts_on: monday
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-htm.db", cfg.DatabasePath)
	assert.Equal(t, 64000, cfg.WorkingMemory.MaxTokens)
	assert.Equal(t, "recent", cfg.WorkingMemory.Strategy)
	assert.Equal(t, "monday", cfg.Recall.WeekStartsOn)
	assert.Equal(t, 5, cfg.Jobs.Concurrency, "unset fields keep defaults")
}
