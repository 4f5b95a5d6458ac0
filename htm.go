// Package htm is a durable, searchable episodic memory for LLM-driven
// agents. A Hive owns the shared long-term store; each robot gets an HTM
// handle combining that store with its own token-bounded working memory.
//
// Content is deduplicated by hash, enriched asynchronously with
// embeddings and hierarchical tags, and recalled through vector,
// fulltext, hybrid, or topic search with natural-language timeframes.
package htm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MadBomber/htm/internal/embedding"
	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/filesource"
	"github.com/MadBomber/htm/internal/jobs"
	"github.com/MadBomber/htm/internal/logging"
	"github.com/MadBomber/htm/internal/longterm"
	"github.com/MadBomber/htm/internal/store"
	"github.com/MadBomber/htm/internal/tags"
	"github.com/MadBomber/htm/internal/timeframe"
	"github.com/MadBomber/htm/internal/tokens"
	"github.com/MadBomber/htm/internal/workingmem"

	"go.uber.org/zap"
)

// SetLogger installs a zap logger for all HTM subsystems. The library is
// silent by default. Passing nil restores the nop logger.
func SetLogger(l *zap.Logger) { logging.SetLogger(l) }

// EnrichmentJob is handed to an external queue in "external" job mode.
// The worker on the other side calls Hive.RunEnrichmentJob with it.
type EnrichmentJob struct {
	ID     string
	Kind   string
	NodeID int64
}

// Hive owns the shared store and long-term memory for a fleet of robots.
type Hive struct {
	cfg   Config
	store *store.Store
	mem   *longterm.Memory
	genai *embedding.GenAIGenerator

	mu     sync.Mutex
	robots map[string]*HTM
	closed bool
}

// Open builds a Hive from the configuration.
func Open(cfg Config) (*Hive, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath, store.Options{
		MaxConns:     cfg.Store.MaxConns,
		BusyTimeout:  cfg.Store.BusyTimeout,
		OpTimeout:    cfg.Store.OpTimeout,
		PollInterval: cfg.Store.PollInterval,
	})
	if err != nil {
		return nil, err
	}

	h := &Hive{cfg: cfg, store: st, robots: make(map[string]*HTM)}

	embedFn, err := h.buildEmbedFunc()
	if err != nil {
		st.Close()
		return nil, err
	}
	var embedSvc *embedding.Service
	if embedFn != nil {
		embedSvc = embedding.NewService(embedFn, embedding.DefaultStorageWidth, cfg.Embedding.Timeout)
	}

	var extractor *tags.Extractor
	if cfg.Tags.Func != nil {
		extractor = tags.NewExtractor(tags.ExtractorFunc(cfg.Tags.Func), cfg.Tags.MaxDepth, cfg.Tags.Timeout)
	}

	count := tokens.Count
	if cfg.CountTokens != nil {
		count = tokens.CounterFunc(cfg.CountTokens)
	}

	// The runner's handler closes over the memory built after it; jobs
	// only flow once Remember is callable, by which point mem is set.
	var mem *longterm.Memory
	handler := func(ctx context.Context, job jobs.Job) error {
		return mem.HandleJob(ctx, job)
	}
	var runner jobs.Runner
	switch cfg.Jobs.Mode {
	case JobModeInline:
		runner = jobs.NewInline(handler)
	case JobModePool:
		runner = jobs.NewPool(handler, cfg.Jobs.Concurrency)
	case JobModeExternal:
		enqueue := cfg.Jobs.Enqueue
		runner = jobs.NewExternal(func(ctx context.Context, job jobs.Job) error {
			return enqueue(ctx, EnrichmentJob{ID: job.ID, Kind: string(job.Kind), NodeID: job.NodeID})
		})
	}

	mem = longterm.New(st, longterm.Options{
		Embed:           embedSvc,
		Extract:         extractor,
		Runner:          runner,
		CountTokens:     count,
		MaxContentBytes: cfg.Limits.MaxContentBytes,
		MaxTags:         cfg.Limits.MaxTags,
		OntologySample:  cfg.Tags.OntologySample,
		CacheSize:       cfg.Recall.CacheSize,
		CacheTTL:        cfg.Recall.CacheTTL,
		AccessFlush:     cfg.Recall.AccessFlush,
	})
	h.mem = mem
	return h, nil
}

func (h *Hive) buildEmbedFunc() (embedding.Func, error) {
	switch h.cfg.Embedding.Provider {
	case "none":
		return nil, nil
	case "custom":
		if h.cfg.Embedding.Func == nil {
			return nil, fmt.Errorf("%w: custom embedding provider requires a func", errs.ErrConfiguration)
		}
		return embedding.Func(h.cfg.Embedding.Func), nil
	case "ollama":
		return embedding.NewOllamaFunc(h.cfg.Embedding.Endpoint, h.cfg.Embedding.Model), nil
	case "genai":
		gen, err := embedding.NewGenAIGenerator(h.cfg.Embedding.APIKey, h.cfg.Embedding.Model, "RETRIEVAL_DOCUMENT")
		if err != nil {
			return nil, err
		}
		h.genai = gen
		return gen.Func(), nil
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", errs.ErrConfiguration, h.cfg.Embedding.Provider)
	}
}

// Robot returns the HTM handle for a named robot, creating the robot
// record on first use. Handles are cached per hive.
func (h *Hive) Robot(ctx context.Context, name string) (*HTM, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("%w: hive is closed", errs.ErrValidation)
	}
	if existing, ok := h.robots[name]; ok {
		return existing, nil
	}

	robot, err := h.store.UpsertRobot(ctx, name)
	if err != nil {
		return nil, err
	}
	wm := workingmem.New(h.cfg.WorkingMemory.MaxTokens)
	count := tokens.Count
	if h.cfg.CountTokens != nil {
		count = tokens.CounterFunc(h.cfg.CountTokens)
	}
	handle := &HTM{
		hive:   h,
		robot:  robot,
		wm:     wm,
		count:  count,
		loader: filesource.NewLoader(h.mem, h.cfg.Files.ChunkTokens, count),
	}
	h.robots[name] = handle
	logging.Infof(logging.CategoryFacade, "robot %q ready (id %d)", name, robot.ID)
	return handle, nil
}

// RunEnrichmentJob executes one externally queued job. Unknown kinds fail
// with ErrValidation.
func (h *Hive) RunEnrichmentJob(ctx context.Context, job EnrichmentJob) error {
	return h.mem.HandleJob(ctx, jobs.Job{ID: job.ID, Kind: jobs.Kind(job.Kind), NodeID: job.NodeID})
}

// Stats reports row counts and enrichment backlog.
func (h *Hive) Stats(ctx context.Context) (map[string]int64, error) {
	return h.store.Stats(ctx)
}

// ReembedMissing submits embedding jobs for nodes that missed enrichment,
// up to limit. Returns how many were submitted.
func (h *Hive) ReembedMissing(ctx context.Context, limit int) (int, error) {
	return h.mem.ReembedMissing(ctx, limit)
}

// ReapOrphanTags drops tags no active node references.
func (h *Hive) ReapOrphanTags(ctx context.Context) (int64, error) {
	return h.mem.ReapOrphanTags(ctx)
}

// PurgeDeletedBefore hard-deletes nodes forgotten before the cutoff. Group
// notifications older than the cutoff are pruned in the same sweep.
func (h *Hive) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := h.mem.PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if _, err := h.store.PruneNotifications(ctx, cutoff); err != nil {
		logging.Warnf(logging.CategoryFacade, "prune notifications: %v", err)
	}
	return n, nil
}

// TagTree renders the active tag ontology as indented text.
func (h *Hive) TagTree(ctx context.Context) (string, error) {
	return h.TagTreeAs(ctx, TagTreeText)
}

// Tag tree output formats.
const (
	TagTreeText    = "text"
	TagTreeMermaid = "mermaid"
	TagTreeSVG     = "svg"
)

// TagTreeAs renders the active tag ontology in the given format.
func (h *Hive) TagTreeAs(ctx context.Context, format string) (string, error) {
	names, err := h.mem.TagNames(ctx)
	if err != nil {
		return "", err
	}
	tree := tags.BuildTree(names, "")
	switch format {
	case TagTreeText, "":
		return tree.RenderText(), nil
	case TagTreeMermaid:
		return tree.RenderMermaid(), nil
	case TagTreeSVG:
		return tree.RenderSVG(), nil
	default:
		return "", fmt.Errorf("%w: unknown tag tree format %q", errs.ErrValidation, format)
	}
}

// Close drains enrichment, stops watchers, and releases the database.
func (h *Hive) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	handles := make([]*HTM, 0, len(h.robots))
	for _, r := range h.robots {
		handles = append(handles, r)
	}
	h.mu.Unlock()

	for _, r := range handles {
		r.stopWatchers()
	}
	err := h.mem.Close(ctx)
	if h.genai != nil {
		_ = h.genai.Close()
	}
	if cerr := h.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// HTM is one robot's view of the hive: shared long-term memory plus a
// private token-bounded working memory.
type HTM struct {
	hive   *Hive
	robot  *store.Robot
	wm     *workingmem.Memory
	count  tokens.CounterFunc
	loader *filesource.Loader

	mu       sync.Mutex
	watchers []*filesource.Watcher
}

// Name returns the robot's name.
func (r *HTM) Name() string { return r.robot.Name }

// RememberOptions tunes one Remember call.
type RememberOptions struct {
	// Tags are manual hierarchical tags; their presence suppresses
	// automatic extraction for this item.
	Tags []string
	// Metadata is stored as JSON and filterable on recall.
	Metadata map[string]interface{}
	// Importance weighs against eviction. Zero means default (1.0).
	Importance float64
}

// RememberResult reports what Remember did.
type RememberResult struct {
	NodeID     int64
	Created    bool // false when deduplicated to an existing node
	TokenCount int
	// Evicted lists nodes pushed out of working memory to make room.
	Evicted []int64
}

// Remember stores content durably and places it in working memory,
// evicting lower-importance entries if the token budget demands it.
func (r *HTM) Remember(ctx context.Context, content string, opts RememberOptions) (*RememberResult, error) {
	rem, err := r.hive.mem.Remember(ctx, r.robot.ID, content, opts.Tags, opts.Metadata)
	if err != nil {
		return nil, err
	}

	importance := opts.Importance
	if importance <= 0 {
		importance = workingmem.DefaultImportance
	}
	evicted := r.wm.Add(rem.NodeID, content, rem.TokenCount, importance, false)
	r.syncEvictions(ctx, evicted)

	return &RememberResult{
		NodeID:     rem.NodeID,
		Created:    rem.Created,
		TokenCount: rem.TokenCount,
		Evicted:    evicted,
	}, nil
}

func (r *HTM) syncEvictions(ctx context.Context, evicted []int64) {
	for _, id := range evicted {
		if err := r.hive.store.SetWorkingMemoryFlag(ctx, r.robot.ID, id, false); err != nil {
			logging.Warnf(logging.CategoryFacade, "eviction flag for node %d: %v", id, err)
		}
	}
}

// RecallOptions tunes one Recall call.
type RecallOptions struct {
	// Strategy: "hybrid" (default), "vector", "fulltext", or "topic".
	Strategy string
	Limit    int
	// MinSimilarity drops weak matches. Zero keeps everything.
	MinSimilarity float64
	// Timeframe restricts results by creation time. It takes the natural
	// grammar ("yesterday", "last week", "2 days ago"), a date or
	// datetime literal ("2024-06-12"), an explicit interval
	// ("(2024-06-01, 2024-06-30)"), or a ";"-separated list of any of
	// these, ORed together. The special value ":auto" extracts the
	// timeframe from the query text itself.
	Timeframe string
	// Timeframes ORs several expressions without list punctuation.
	// Combined with Timeframe when both are set.
	Timeframes []string
	// Metadata filters by exact match on stored metadata keys.
	Metadata map[string]interface{}
	// Topic recalls by tag (subtree unless ExactTopic).
	Topic      string
	ExactTopic bool
	// SkipWorkingMemory leaves results out of working memory.
	SkipWorkingMemory bool
}

// RecallResult is one recalled memory.
type RecallResult struct {
	NodeID     int64
	Content    string
	Score      float64
	Tags       []string
	Metadata   map[string]interface{}
	TokenCount int
	CreatedAt  time.Time
}

// Recall searches long-term memory. Results enter working memory (most
// relevant first) unless SkipWorkingMemory is set.
func (r *HTM) Recall(ctx context.Context, query string, opts RecallOptions) ([]RecallResult, error) {
	strategy := longterm.StrategyHybrid
	switch opts.Strategy {
	case "", "hybrid":
	case "vector":
		strategy = longterm.StrategyVector
	case "fulltext":
		strategy = longterm.StrategyFulltext
	case "topic":
		strategy = longterm.StrategyTopic
	default:
		return nil, fmt.Errorf("%w: unknown recall strategy %q", errs.ErrValidation, opts.Strategy)
	}
	if opts.Topic != "" && opts.Strategy == "" {
		strategy = longterm.StrategyTopic
	}

	var windows []timeframe.Window
	switch opts.Timeframe {
	case "":
	case ":auto":
		cleaned, found := timeframe.Auto(query, time.Now(), r.hive.cfg.weekStart())
		query = cleaned
		windows = found
	default:
		parsed, err := timeframe.Parse(opts.Timeframe, time.Now(), r.hive.cfg.weekStart())
		if err != nil {
			return nil, err
		}
		windows = parsed
	}
	for _, expr := range opts.Timeframes {
		parsed, err := timeframe.Parse(expr, time.Now(), r.hive.cfg.weekStart())
		if err != nil {
			return nil, err
		}
		windows = append(windows, parsed...)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = r.hive.cfg.Recall.DefaultLimit
	}

	results, err := r.hive.mem.Search(ctx, longterm.Query{
		Text:          query,
		Strategy:      strategy,
		Limit:         limit,
		MinSimilarity: opts.MinSimilarity,
		Windows:       windows,
		Metadata:      opts.Metadata,
		Topic:         opts.Topic,
		ExactTopic:    opts.ExactTopic,
	})
	if err != nil {
		return nil, err
	}

	out := make([]RecallResult, len(results))
	for i, res := range results {
		out[i] = RecallResult{
			NodeID:     res.Node.ID,
			Content:    res.Node.Content,
			Score:      res.Score,
			Tags:       res.Tags,
			Metadata:   res.Node.Metadata,
			TokenCount: res.Node.TokenCount,
			CreatedAt:  res.Node.CreatedAt,
		}
	}

	if !opts.SkipWorkingMemory {
		// Most relevant first so a tight budget keeps the best hits.
		for _, res := range results {
			evicted := r.wm.Add(res.Node.ID, res.Node.Content, res.Node.TokenCount, workingmem.DefaultImportance, true)
			r.syncEvictions(ctx, evicted)
			if err := r.hive.store.SetWorkingMemoryFlag(ctx, r.robot.ID, res.Node.ID, true); err != nil {
				logging.Debugf(logging.CategoryFacade, "recall flag for node %d: %v", res.Node.ID, err)
			}
		}
	}
	return out, nil
}

// SearchTags fuzzy-matches tag names, typo-tolerant.
func (r *HTM) SearchTags(ctx context.Context, query string) ([]TagMatch, error) {
	matches, err := r.hive.mem.SearchTags(ctx, query, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]TagMatch, len(matches))
	for i, m := range matches {
		out[i] = TagMatch{Name: m.Name, Similarity: m.Similarity}
	}
	return out, nil
}

// TagMatch is a fuzzy tag search hit.
type TagMatch struct {
	Name       string
	Similarity float64
}

// CreateContext assembles working memory into a prompt-ready string under
// maxTokens (0 means the full working-memory budget), ordered by the
// strategy: "recent", "important", or "balanced".
func (r *HTM) CreateContext(strategy string, maxTokens int) (string, error) {
	var s workingmem.Strategy
	switch strategy {
	case "", StrategyBalanced:
		s = workingmem.StrategyBalanced
	case StrategyRecent:
		s = workingmem.StrategyRecent
	case StrategyImportant:
		s = workingmem.StrategyImportant
	default:
		return "", fmt.Errorf("%w: unknown context strategy %q", errs.ErrValidation, strategy)
	}
	if maxTokens <= 0 {
		maxTokens = r.wm.MaxTokens()
	}
	return r.wm.AssembleContext(s, maxTokens), nil
}

// Forget soft-deletes a memory. It leaves every recall path and this
// robot's working memory, but remains restorable.
func (r *HTM) Forget(ctx context.Context, nodeID int64) error {
	if err := r.hive.mem.Forget(ctx, nodeID); err != nil {
		return err
	}
	r.wm.Remove(nodeID)
	if err := r.hive.store.SetWorkingMemoryFlag(ctx, r.robot.ID, nodeID, false); err != nil {
		logging.Debugf(logging.CategoryFacade, "forget flag for node %d: %v", nodeID, err)
	}
	return nil
}

// PurgeConfirmation is the exact string ForgetPermanently requires.
const PurgeConfirmation = "confirmed"

// ForgetPermanently hard-deletes a memory and all its associations.
// Irreversible, so it demands the literal confirmation string.
func (r *HTM) ForgetPermanently(ctx context.Context, nodeID int64, confirm string) error {
	if confirm != PurgeConfirmation {
		return fmt.Errorf("%w: permanent deletion requires confirm=%q", errs.ErrValidation, PurgeConfirmation)
	}
	r.wm.Remove(nodeID)
	return r.hive.mem.Purge(ctx, nodeID)
}

// Restore brings a forgotten memory back into recall.
func (r *HTM) Restore(ctx context.Context, nodeID int64) error {
	return r.hive.mem.Restore(ctx, nodeID)
}

// WorkingMemoryStats reports the working-memory budget state.
type WorkingMemoryStats struct {
	Nodes       int
	Tokens      int
	MaxTokens   int
	Utilization float64
}

// WorkingMemory returns the current budget state.
func (r *HTM) WorkingMemory() WorkingMemoryStats {
	tokensUsed := r.wm.Tokens()
	budget := r.wm.MaxTokens()
	var util float64
	if budget > 0 {
		util = float64(tokensUsed) / float64(budget)
	}
	return WorkingMemoryStats{
		Nodes:       r.wm.Len(),
		Tokens:      tokensUsed,
		MaxTokens:   budget,
		Utilization: util,
	}
}

// WorkingSet lists node ids currently in working memory, oldest first.
func (r *HTM) WorkingSet() []int64 { return r.wm.IDs() }

// RefreshWorkingMemory rebuilds working memory from the persisted
// working_memory flags, oldest remember first. Used after restart so a
// robot resumes with the set it had.
func (r *HTM) RefreshWorkingMemory(ctx context.Context) error {
	ids, err := r.hive.store.WorkingSetIDs(ctx, r.robot.ID)
	if err != nil {
		return err
	}
	nodes, err := r.hive.store.LoadNodes(ctx, ids)
	if err != nil {
		return err
	}
	r.wm.Clear()
	for _, id := range ids {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		evicted := r.wm.Add(id, node.Content, node.TokenCount, workingmem.DefaultImportance, false)
		r.syncEvictions(ctx, evicted)
	}
	return nil
}

// ClearWorkingMemory empties working memory without touching long-term
// storage.
func (r *HTM) ClearWorkingMemory(ctx context.Context) {
	for _, id := range r.wm.IDs() {
		if err := r.hive.store.SetWorkingMemoryFlag(ctx, r.robot.ID, id, false); err != nil {
			logging.Debugf(logging.CategoryFacade, "clear flag for node %d: %v", id, err)
		}
	}
	r.wm.Clear()
}

// LoadResult reports what loading one file did.
type LoadResult struct {
	Path    string
	Chunks  int
	Skipped bool
}

// LoadFile loads one file. Unchanged files are skipped; changed files
// replace their previous chunks.
func (r *HTM) LoadFile(ctx context.Context, path string) (*LoadResult, error) {
	res, err := r.loader.LoadFile(ctx, r.robot.ID, path)
	if err != nil {
		return nil, err
	}
	return &LoadResult{Path: res.Path, Chunks: res.Chunks, Skipped: res.Skipped}, nil
}

// LoadDirectory loads every recognized file under root.
func (r *HTM) LoadDirectory(ctx context.Context, root string) ([]LoadResult, error) {
	results, err := r.loader.LoadDirectory(ctx, r.robot.ID, root, r.hive.cfg.Files.Extensions)
	if err != nil {
		return nil, err
	}
	out := make([]LoadResult, len(results))
	for i, res := range results {
		out[i] = LoadResult{Path: res.Path, Chunks: res.Chunks, Skipped: res.Skipped}
	}
	return out, nil
}

// UnloadFile forgets every chunk of a loaded file. Returns the number of
// chunks forgotten.
func (r *HTM) UnloadFile(ctx context.Context, path string) (int, error) {
	return r.loader.UnloadFile(ctx, path)
}

// ResyncFiles reconciles every tracked file source with the disk: changed
// files are reloaded, deleted files unloaded. Returns the reload results
// and how many sources were unloaded.
func (r *HTM) ResyncFiles(ctx context.Context) ([]LoadResult, int, error) {
	results, unloaded, err := r.loader.Resync(ctx, r.robot.ID)
	if err != nil {
		return nil, unloaded, err
	}
	out := make([]LoadResult, len(results))
	for i, res := range results {
		out[i] = LoadResult{Path: res.Path, Chunks: res.Chunks, Skipped: res.Skipped}
	}
	return out, unloaded, nil
}

// WatchDirectory reloads files in dirs as they change on disk, until the
// hive closes.
func (r *HTM) WatchDirectory(dirs ...string) error {
	w, err := filesource.NewWatcher(r.loader, r.robot.ID, dirs, r.hive.cfg.Files.Extensions, r.hive.cfg.Files.Debounce)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.watchers = append(r.watchers, w)
	r.mu.Unlock()
	return nil
}

func (r *HTM) stopWatchers() {
	r.mu.Lock()
	watchers := r.watchers
	r.watchers = nil
	r.mu.Unlock()
	for _, w := range watchers {
		_ = w.Close()
	}
}
