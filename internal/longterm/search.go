package longterm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
	"github.com/MadBomber/htm/internal/store"
	"github.com/MadBomber/htm/internal/timeframe"
)

// Strategy selects the recall path.
type Strategy string

const (
	StrategyVector   Strategy = "vector"
	StrategyFulltext Strategy = "fulltext"
	StrategyHybrid   Strategy = "hybrid"
	StrategyTopic    Strategy = "topic"
)

const (
	// Hybrid weighting: semantic relevance dominates, tag agreement
	// breaks ties and rewards curated structure.
	hybridSemanticWeight = 0.7
	hybridTagWeight      = 0.3

	// hybridFanout over-fetches each leg before fusion.
	hybridFanout = 2
)

// Query describes one recall.
type Query struct {
	Text          string
	Strategy      Strategy
	Limit         int
	MinSimilarity float64
	Windows       []timeframe.Window
	Metadata      map[string]interface{}

	// Topic recall: exact tag or subtree.
	Topic      string
	ExactTopic bool
}

// Result is one recalled node with its relevance and active tags.
type Result struct {
	Node  *store.Node
	Score float64
	Tags  []string
}

// Search runs a recall. Results are cached briefly; every write to
// long-term memory invalidates the cache.
func (m *Memory) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Strategy == "" {
		q.Strategy = StrategyHybrid
	}

	key := q.cacheKey()
	if hits, ok := m.cache.get(key); ok {
		logging.Debugf(logging.CategoryLongTerm, "recall cache hit for %q", q.Text)
		// The cache is a performance hint only: a cached read still
		// counts as an access.
		m.recordAccess(hits)
		return hits, nil
	}

	filter := store.Filter{Windows: q.Windows, Metadata: q.Metadata, MinSimilarity: q.MinSimilarity}

	var (
		results []Result
		err     error
	)
	switch q.Strategy {
	case StrategyVector:
		results, err = m.searchVector(ctx, q, filter)
	case StrategyFulltext:
		results, err = m.searchFulltext(ctx, q, filter)
	case StrategyHybrid:
		results, err = m.searchHybrid(ctx, q, filter)
	case StrategyTopic:
		results, err = m.searchTopic(ctx, q, filter)
	default:
		return nil, fmt.Errorf("%w: unknown search strategy %q", errs.ErrValidation, q.Strategy)
	}
	if err != nil {
		return nil, err
	}

	if err := m.decorate(ctx, results); err != nil {
		return nil, err
	}
	m.cache.put(key, results)
	m.recordAccess(results)
	return results, nil
}

func (m *Memory) recordAccess(results []Result) {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Node.ID
	}
	m.tracker.record(ids)
}

// SearchTags fuzzy-matches tag names for discovery and typo tolerance.
func (m *Memory) SearchTags(ctx context.Context, query string, minSimilarity float64, limit int) ([]store.TagMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	if minSimilarity <= 0 {
		minSimilarity = 0.3
	}
	return m.store.SearchTagsTrigram(ctx, query, minSimilarity, limit)
}

// TagNames lists the active ontology.
func (m *Memory) TagNames(ctx context.Context) ([]string, error) {
	return m.store.ActiveTagNames(ctx)
}

func (m *Memory) searchVector(ctx context.Context, q Query, f store.Filter) ([]Result, error) {
	if m.embed == nil {
		return nil, fmt.Errorf("%w: vector search requires an embedding generator", errs.ErrConfiguration)
	}
	vec, _, err := m.embed.Generate(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	hits, err := m.store.SearchVector(ctx, vec, q.Limit, f)
	if err != nil {
		return nil, err
	}
	return fromHits(hits), nil
}

func (m *Memory) searchFulltext(ctx context.Context, q Query, f store.Filter) ([]Result, error) {
	hits, err := m.store.SearchFulltext(ctx, q.Text, q.Limit, f)
	if err != nil {
		return nil, err
	}
	return fromHits(hits), nil
}

// searchHybrid fuses vector and fulltext candidates, then boosts by tag
// agreement with the query. Per-node score:
//
//	0.7 * max(cosine, normalized BM25) + 0.3 * matching-tags/tag-count
//
// A node found by only one leg keeps that leg's semantic score, so lexical
// matches the embedder missed still surface.
func (m *Memory) searchHybrid(ctx context.Context, q Query, f store.Filter) ([]Result, error) {
	fetch := q.Limit * hybridFanout

	var vecHits []store.Hit
	if m.embed != nil {
		vec, _, err := m.embed.Generate(ctx, q.Text)
		if err != nil {
			// Degrade to lexical rather than failing recall outright.
			logging.Warnf(logging.CategoryLongTerm, "hybrid embedding failed, lexical only: %v", err)
		} else if vecHits, err = m.store.SearchVector(ctx, vec, fetch, f); err != nil {
			return nil, err
		}
	}
	ftHits, err := m.store.SearchFulltext(ctx, q.Text, fetch, f)
	if err != nil {
		return nil, err
	}

	// Normalize BM25 into [0,1]; cosine already is.
	var maxFT float64
	for _, h := range ftHits {
		if h.Score > maxFT {
			maxFT = h.Score
		}
	}

	semantic := make(map[int64]float64)
	nodes := make(map[int64]*store.Node)
	for _, h := range vecHits {
		semantic[h.Node.ID] = h.Score
		nodes[h.Node.ID] = h.Node
	}
	for _, h := range ftHits {
		score := h.Score
		if maxFT > 0 {
			score = h.Score / maxFT
		}
		if score > semantic[h.Node.ID] {
			semantic[h.Node.ID] = score
		}
		if _, ok := nodes[h.Node.ID]; !ok {
			nodes[h.Node.ID] = h.Node
		}
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	tagsByNode, err := m.store.TagNamesForNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	terms := queryTerms(q.Text)

	results := make([]Result, 0, len(nodes))
	for id, node := range nodes {
		score := hybridSemanticWeight*semantic[id] + hybridTagWeight*tagBoost(terms, tagsByNode[id])
		if score < q.MinSimilarity {
			continue
		}
		results = append(results, Result{Node: node, Score: score, Tags: tagsByNode[id]})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Node.CreatedAt.After(results[j].Node.CreatedAt)
	})
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (m *Memory) searchTopic(ctx context.Context, q Query, f store.Filter) ([]Result, error) {
	if q.Topic == "" {
		return nil, fmt.Errorf("%w: topic search requires a topic", errs.ErrValidation)
	}
	tagIDs, err := m.store.TagIDsForTopic(ctx, q.Topic, q.ExactTopic)
	if err != nil {
		return nil, err
	}
	if len(tagIDs) == 0 {
		return nil, nil
	}
	hits, err := m.store.NodesForTags(ctx, tagIDs, q.Limit, f)
	if err != nil {
		return nil, err
	}
	return fromHits(hits), nil
}

// decorate fills in tag names for results that do not carry them yet.
func (m *Memory) decorate(ctx context.Context, results []Result) error {
	var missing []int64
	for _, r := range results {
		if r.Tags == nil {
			missing = append(missing, r.Node.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	byNode, err := m.store.TagNamesForNodes(ctx, missing)
	if err != nil {
		return err
	}
	for i := range results {
		if results[i].Tags == nil {
			results[i].Tags = byNode[results[i].Node.ID]
		}
	}
	return nil
}

func fromHits(hits []store.Hit) []Result {
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{Node: h.Node, Score: h.Score}
	}
	return out
}

func queryTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		terms[strings.Trim(f, ".,;:!?\"'")] = struct{}{}
	}
	return terms
}

// tagBoost is the fraction of a node's tags whose path contains a query
// term. Untagged nodes get no boost and no penalty beyond the weighting.
func tagBoost(terms map[string]struct{}, tagNames []string) float64 {
	if len(tagNames) == 0 {
		return 0
	}
	matched := 0
	for _, name := range tagNames {
		for _, segment := range strings.Split(name, ":") {
			if _, ok := terms[segment]; ok {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(tagNames))
}

func (q Query) cacheKey() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%d|%g|%s|%v", q.Strategy, q.Text, q.Limit, q.MinSimilarity, q.Topic, q.ExactTopic)
	for _, w := range q.Windows {
		fmt.Fprintf(&b, "|%d-%d", w.Start.UnixNano(), w.End.UnixNano())
	}
	if len(q.Metadata) > 0 {
		keys := make([]string, 0, len(q.Metadata))
		for k := range q.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%v", k, q.Metadata[k])
		}
	}
	return b.String()
}
