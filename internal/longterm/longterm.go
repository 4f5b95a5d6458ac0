// Package longterm orchestrates durable memory: the remember pipeline,
// asynchronous enrichment, recall with caching and access tracking, and
// the soft-delete lifecycle.
package longterm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/MadBomber/htm/internal/embedding"
	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/jobs"
	"github.com/MadBomber/htm/internal/logging"
	"github.com/MadBomber/htm/internal/store"
	"github.com/MadBomber/htm/internal/tags"
	"github.com/MadBomber/htm/internal/tokens"
)

const (
	// DefaultMaxContentBytes bounds a single remembered item.
	DefaultMaxContentBytes = 1 << 20
	// DefaultMaxTags bounds manual tags per remember call.
	DefaultMaxTags = 1000
	// DefaultOntologySample is how many existing tag names anchor the
	// extraction prompt.
	DefaultOntologySample = 100
	// DefaultCacheSize and DefaultCacheTTL tune the recall cache.
	DefaultCacheSize = 1000
	// DefaultCacheTTL is deliberately short; writes invalidate anyway,
	// the TTL only covers cross-process writers.
	DefaultCacheTTL = 60 * time.Second
)

// Options wires the collaborators. Nil embedder or extractor disables the
// corresponding enrichment.
type Options struct {
	Embed   *embedding.Service
	Extract *tags.Extractor
	Runner  jobs.Runner

	CountTokens     tokens.CounterFunc
	MaxContentBytes int
	MaxTags         int
	OntologySample  int
	CacheSize       int
	CacheTTL        time.Duration
	AccessFlush     time.Duration
}

// Memory is the long-term tier.
type Memory struct {
	store   *store.Store
	embed   *embedding.Service
	extract *tags.Extractor
	runner  jobs.Runner
	count   tokens.CounterFunc

	maxContent  int
	maxTags     int
	ontologyN   int
	cache       *queryCache
	tracker     *accessTracker
}

// New builds the long-term tier over an open store.
func New(s *store.Store, opts Options) *Memory {
	if opts.CountTokens == nil {
		opts.CountTokens = tokens.Count
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	if opts.MaxTags <= 0 {
		opts.MaxTags = DefaultMaxTags
	}
	if opts.OntologySample <= 0 {
		opts.OntologySample = DefaultOntologySample
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	runner := opts.Runner
	m := &Memory{
		store:      s,
		embed:      opts.Embed,
		extract:    opts.Extract,
		count:      opts.CountTokens,
		maxContent: opts.MaxContentBytes,
		maxTags:    opts.MaxTags,
		ontologyN:  opts.OntologySample,
		cache:      newQueryCache(opts.CacheSize, opts.CacheTTL),
		tracker:    newAccessTracker(s, opts.AccessFlush),
	}
	if runner == nil {
		runner = jobs.NewInline(m.HandleJob)
	}
	m.runner = runner
	return m
}

// Close drains enrichment and flushes access tracking.
func (m *Memory) Close(ctx context.Context) error {
	err := m.runner.Close(ctx)
	m.tracker.close()
	return err
}

// Store exposes the persistence layer to the facade.
func (m *Memory) Store() *store.Store { return m.store }

// ContentHash is the canonical dedup key: SHA-256 of the exact content
// bytes, hex encoded.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Remembered reports the outcome of a Remember call.
type Remembered struct {
	NodeID     int64
	TokenCount int
	Created    bool // false when content deduplicated to an existing node
}

// Remember persists one item for a robot. Content is deduplicated against
// active nodes by hash; manual tags are validated and attached; enrichment
// (embedding, and tag extraction when no manual tags were given) runs
// through the job runner.
func (m *Memory) Remember(ctx context.Context, robotID int64, content string, manualTags []string, metadata map[string]interface{}) (*Remembered, error) {
	return m.remember(ctx, robotID, content, manualTags, metadata, nil)
}

// RememberChunk is Remember for file-sourced content: the node records its
// source and chunk position so unloading the file can find it.
func (m *Memory) RememberChunk(ctx context.Context, robotID int64, content string, manualTags []string, metadata map[string]interface{}, src *store.SourceRef) (*Remembered, error) {
	return m.remember(ctx, robotID, content, manualTags, metadata, src)
}

func (m *Memory) remember(ctx context.Context, robotID int64, content string, manualTags []string, metadata map[string]interface{}, src *store.SourceRef) (*Remembered, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is empty", errs.ErrValidation)
	}
	if len(content) > m.maxContent {
		return nil, fmt.Errorf("%w: content is %d bytes, limit %d", errs.ErrValidation, len(content), m.maxContent)
	}
	if len(manualTags) > m.maxTags {
		return nil, fmt.Errorf("%w: %d tags, limit %d", errs.ErrValidation, len(manualTags), m.maxTags)
	}
	for _, name := range manualTags {
		if err := tags.Validate(name, 0); err != nil {
			return nil, err
		}
	}

	tokenCount := m.count(content)
	nodeID, created, err := m.store.CreateNode(ctx, content, ContentHash(content), tokenCount, metadata, src)
	if err != nil {
		return nil, err
	}
	needsEmbedding := created
	if !created {
		logging.Debugf(logging.CategoryLongTerm, "remember deduplicated to node %d", nodeID)
		// Dedup still counts as a remember for this robot. A null
		// embedding means the original enrichment failed or never ran;
		// the job is idempotent, so resubmit it.
		if existing, ferr := m.store.FindNode(ctx, nodeID); ferr == nil {
			tokenCount = existing.TokenCount
			needsEmbedding = existing.Embedding == nil
		}
	}

	for _, name := range manualTags {
		tagID, err := m.store.UpsertTag(ctx, name)
		if err != nil {
			return nil, err
		}
		if _, err := m.store.AttachTag(ctx, nodeID, tagID); err != nil {
			return nil, err
		}
	}

	if robotID > 0 {
		if err := m.store.UpsertRobotNode(ctx, robotID, nodeID); err != nil {
			return nil, err
		}
	}

	if created {
		m.enqueueEnrichment(ctx, nodeID, len(manualTags) == 0)
	} else if needsEmbedding && m.embed != nil {
		if err := m.runner.Submit(ctx, jobs.NewJob(jobs.KindGenerateEmbedding, nodeID)); err != nil {
			logging.Warnf(logging.CategoryLongTerm, "embedding job for node %d not submitted: %v", nodeID, err)
		}
	}
	m.cache.invalidate()

	return &Remembered{NodeID: nodeID, TokenCount: tokenCount, Created: created}, nil
}

func (m *Memory) enqueueEnrichment(ctx context.Context, nodeID int64, wantTags bool) {
	if m.embed != nil {
		if err := m.runner.Submit(ctx, jobs.NewJob(jobs.KindGenerateEmbedding, nodeID)); err != nil {
			logging.Warnf(logging.CategoryLongTerm, "embedding job for node %d not submitted: %v", nodeID, err)
		}
	}
	if wantTags && m.extract != nil {
		if err := m.runner.Submit(ctx, jobs.NewJob(jobs.KindGenerateTags, nodeID)); err != nil {
			logging.Warnf(logging.CategoryLongTerm, "tag job for node %d not submitted: %v", nodeID, err)
		}
	}
}

// HandleJob executes one enrichment job. External job runners route their
// dequeued work back through this method.
func (m *Memory) HandleJob(ctx context.Context, job jobs.Job) error {
	switch job.Kind {
	case jobs.KindGenerateEmbedding:
		return m.generateEmbedding(ctx, job.NodeID)
	case jobs.KindGenerateTags:
		return m.generateTags(ctx, job.NodeID)
	default:
		return fmt.Errorf("%w: unknown job kind %q", errs.ErrValidation, job.Kind)
	}
}

func (m *Memory) generateEmbedding(ctx context.Context, nodeID int64) error {
	if m.embed == nil {
		return nil
	}
	node, err := m.store.FindNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if !node.Active() {
		return nil // forgotten while queued
	}
	padded, dim, err := m.embed.Generate(ctx, node.Content)
	if err != nil {
		return err
	}
	if err := m.store.UpdateEmbedding(ctx, nodeID, padded, dim); err != nil {
		return err
	}
	m.cache.invalidate()
	return nil
}

func (m *Memory) generateTags(ctx context.Context, nodeID int64) error {
	if m.extract == nil {
		return nil
	}
	node, err := m.store.FindNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if !node.Active() {
		return nil
	}
	// Manual tags arriving between enqueue and execution win; extraction
	// only fills a vacuum.
	has, err := m.store.NodeHasTags(ctx, nodeID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	ontology, err := m.store.OntologySample(ctx, m.ontologyN)
	if err != nil {
		return err
	}
	names, err := m.extract.Extract(ctx, node.Content, ontology)
	if err != nil {
		return err
	}
	for _, name := range names {
		tagID, err := m.store.UpsertTag(ctx, name)
		if err != nil {
			return err
		}
		if _, err := m.store.AttachTag(ctx, nodeID, tagID); err != nil {
			return err
		}
	}
	if len(names) > 0 {
		m.cache.invalidate()
	}
	return nil
}

// Forget soft-deletes a node. It stops matching every recall path but its
// row, embedding and tag links survive for Restore.
func (m *Memory) Forget(ctx context.Context, nodeID int64) error {
	if err := m.store.SoftDeleteNode(ctx, nodeID); err != nil {
		return err
	}
	m.cache.invalidate()
	return nil
}

// Restore brings a soft-deleted node back, unless its content now
// collides with a live node.
func (m *Memory) Restore(ctx context.Context, nodeID int64) error {
	if err := m.store.RestoreNode(ctx, nodeID); err != nil {
		return err
	}
	m.cache.invalidate()
	return nil
}

// Purge hard-deletes a node and its associations. Irreversible.
func (m *Memory) Purge(ctx context.Context, nodeID int64) error {
	if err := m.store.PurgeNode(ctx, nodeID); err != nil {
		return err
	}
	m.cache.invalidate()
	return nil
}

// PurgeDeletedBefore hard-deletes nodes soft-deleted before the cutoff.
func (m *Memory) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := m.store.PurgeDeletedBefore(ctx, cutoff)
	if n > 0 {
		m.cache.invalidate()
	}
	return n, err
}

// ReembedMissing submits embedding jobs for active nodes without
// embeddings, up to limit. Returns how many were submitted.
func (m *Memory) ReembedMissing(ctx context.Context, limit int) (int, error) {
	if m.embed == nil {
		return 0, fmt.Errorf("%w: no embedding generator configured", errs.ErrConfiguration)
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := m.store.UnembeddedNodeIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := m.runner.Submit(ctx, jobs.NewJob(jobs.KindGenerateEmbedding, id)); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		logging.Infof(logging.CategoryLongTerm, "re-embed submitted for %d nodes", len(ids))
	}
	return len(ids), nil
}

// ReapOrphanTags drops tags no active node references.
func (m *Memory) ReapOrphanTags(ctx context.Context) (int64, error) {
	return m.store.ReapOrphanTags(ctx)
}
