package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MadBomber/htm/internal/embedding"
	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
	"github.com/MadBomber/htm/internal/timeframe"
)

// Filter narrows search primitives to active nodes matching time windows
// and metadata containment. Multiple windows OR together.
type Filter struct {
	Windows       []timeframe.Window
	Metadata      map[string]interface{}
	MinSimilarity float64
}

// sql renders the filter as AND-able conditions over the nodes table
// (aliased n).
func (f Filter) sql() (string, []interface{}) {
	conds := []string{"n.deleted_at IS NULL"}
	var args []interface{}

	if len(f.Windows) > 0 {
		parts := make([]string, len(f.Windows))
		for i, w := range f.Windows {
			parts[i] = "(n.created_at >= ? AND n.created_at < ?)"
			args = append(args, w.Start.UTC().UnixNano(), w.End.UTC().UnixNano())
		}
		conds = append(conds, "("+strings.Join(parts, " OR ")+")")
	}
	for key, val := range f.Metadata {
		conds = append(conds, "json_extract(n.metadata, ?) = ?")
		args = append(args, "$."+key, val)
	}
	return strings.Join(conds, " AND "), args
}

// Hit is a scored search result.
type Hit struct {
	Node  *Node
	Score float64
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Node.CreatedAt.After(hits[j].Node.CreatedAt)
	})
}

// SearchVector ranks active embedded nodes by cosine similarity to the
// padded query vector. Uses the vec0 ANN index when available, otherwise an
// exact scan.
func (s *Store) SearchVector(ctx context.Context, queryVec []float32, k int, f Filter) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if s.vectorExt {
		hits, err := s.searchVecANN(ctx, queryVec, k, f)
		if err == nil {
			return hits, nil
		}
		logging.Warnf(logging.CategoryStore, "ANN search failed, falling back to scan: %v", err)
	}
	return s.searchVecScan(ctx, queryVec, k, f)
}

// searchVecANN queries the vec0 index, over-fetching to survive the
// post-filter by deletion state, windows and metadata.
func (s *Store) searchVecANN(ctx context.Context, queryVec []float32, k int, f Filter) ([]Hit, error) {
	fetch := k * 4
	rows, err := s.db.QueryContext(ctx,
		"SELECT rowid, distance FROM node_vec WHERE embedding MATCH ? AND k = ?",
		embedding.Encode(queryVec), fetch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, fetch)
	distance := make(map[int64]float64, fetch)
	for rows.Next() {
		var id int64
		var d float64
		if err := rows.Scan(&id, &d); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		distance[id] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cond, condArgs := f.sql()
	query, args := inClause("SELECT "+nodeColumns+" FROM nodes n WHERE "+cond+" AND n.id IN (%s)", ids)
	args = append(condArgs, args...)
	nrows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer nrows.Close()

	var hits []Hit
	for nrows.Next() {
		n, err := scanNode(nrows)
		if err != nil {
			return nil, err
		}
		score := 1 - distance[n.ID]
		if score < f.MinSimilarity {
			continue
		}
		hits = append(hits, Hit{Node: n, Score: score})
	}
	if err := nrows.Err(); err != nil {
		return nil, err
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// searchVecScan is the exact fallback: decode every candidate embedding
// and rank by cosine similarity in Go.
func (s *Store) searchVecScan(ctx context.Context, queryVec []float32, k int, f Filter) ([]Hit, error) {
	cond, args := f.sql()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+nodeColumns+" FROM nodes n WHERE "+cond+" AND n.embedding IS NOT NULL", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: vector scan: %v", errs.ErrStore, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		sim, err := embedding.CosineSimilarity(queryVec, n.Embedding)
		if err != nil {
			continue
		}
		if sim < f.MinSimilarity {
			continue
		}
		hits = append(hits, Hit{Node: n, Score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SearchFulltext ranks active nodes by lexical relevance. FTS5 BM25 when
// available; keyword containment fraction otherwise.
func (s *Store) SearchFulltext(ctx context.Context, query string, k int, f Filter) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if s.ftsExt {
		hits, err := s.searchFTS(ctx, query, k, f)
		if err == nil {
			return hits, nil
		}
		logging.Warnf(logging.CategoryStore, "FTS search failed, falling back to keyword scan: %v", err)
	}
	return s.searchKeyword(ctx, query, k, f)
}

func (s *Store) searchFTS(ctx context.Context, query string, k int, f Filter) ([]Hit, error) {
	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	cond, condArgs := f.sql()
	args := append([]interface{}{match}, condArgs...)
	args = append(args, k)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`, bm25(node_fts) AS rank
		FROM node_fts fts
		JOIN nodes n ON n.id = fts.rowid
		WHERE node_fts MATCH ? AND `+cond+`
		ORDER BY rank LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		n, rank, err := scanNodeWithRank(rows)
		if err != nil {
			return nil, err
		}
		// bm25 is smaller-is-better and non-positive for matches.
		hits = append(hits, Hit{Node: n, Score: -rank})
	}
	return hits, rows.Err()
}

// ftsMatchExpr quotes each term so user input cannot inject FTS5 syntax.
// Terms are OR-ed: fulltext serves candidate generation, relevance comes
// from BM25 ranking.
func ftsMatchExpr(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// searchKeyword is the LIKE fallback: candidates match any
// keyword; score is the fraction of query keywords present.
func (s *Store) searchKeyword(ctx context.Context, query string, k int, f Filter) ([]Hit, error) {
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}

	cond, args := f.sql()
	likes := make([]string, len(keywords))
	for i, kw := range keywords {
		likes[i] = "LOWER(n.content) LIKE ? ESCAPE '\\'"
		args = append(args, "%"+likeEscape(kw)+"%")
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+nodeColumns+" FROM nodes n WHERE "+cond+" AND ("+strings.Join(likes, " OR ")+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword scan: %v", errs.ErrStore, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		lower := strings.ToLower(n.Content)
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				matched++
			}
		}
		hits = append(hits, Hit{Node: n, Score: float64(matched) / float64(len(keywords))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// NodesForTags returns the most recent active nodes attached to any of the
// given tags.
func (s *Store) NodesForTags(ctx context.Context, tagIDs []int64, k int, f Filter) ([]Hit, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cond, condArgs := f.sql()
	query, inArgs := inClause(`
		SELECT DISTINCT `+nodeColumns+` FROM nodes n
		JOIN node_tags nt ON nt.node_id = n.id AND nt.deleted_at IS NULL
		WHERE `+cond+` AND nt.tag_id IN (%s)
		ORDER BY n.created_at DESC LIMIT ?`, tagIDs)
	args := append(condArgs, inArgs...)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: nodes for tags: %v", errs.ErrStore, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		hits = append(hits, Hit{Node: n, Score: 1})
	}
	return hits, rows.Err()
}
