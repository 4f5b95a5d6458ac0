package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
)

// Tag is one hierarchical label.
type Tag struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	DeletedAt time.Time
}

// UpsertTag creates a tag or revives/returns the existing one. A
// soft-deleted tag with the same name is restored rather than duplicated.
func (s *Store) UpsertTag(ctx context.Context, name string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM tags WHERE name = ? AND deleted_at IS NULL", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}

	// Revive a soft-deleted tag if one exists.
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM tags WHERE name = ? AND deleted_at IS NOT NULL ORDER BY id LIMIT 1", name).Scan(&id)
	if err == nil {
		if _, err := s.db.ExecContext(ctx, "UPDATE tags SET deleted_at = NULL WHERE id = ?", id); err != nil {
			return 0, fmt.Errorf("%w: revive tag: %v", errs.ErrStore, err)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO tags (name, created_at) VALUES (?, ?)", name, s.now())
	if err != nil {
		// Insert race: another writer created it first.
		if raceErr := s.db.QueryRowContext(ctx,
			"SELECT id FROM tags WHERE name = ? AND deleted_at IS NULL", name).Scan(&id); raceErr == nil {
			return id, nil
		}
		return 0, fmt.Errorf("%w: insert tag: %v", errs.ErrStore, err)
	}
	return res.LastInsertId()
}

// AttachTag links a tag to a node, reviving a soft-deleted link if present.
// Returns true when a new active link was made.
func (s *Store) AttachTag(ctx context.Context, nodeID, tagID int64) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var id int64
	var deleted sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, deleted_at FROM node_tags WHERE node_id = ? AND tag_id = ? ORDER BY deleted_at IS NOT NULL LIMIT 1",
		nodeID, tagID).Scan(&id, &deleted)
	switch {
	case err == nil && !deleted.Valid:
		return false, nil // already attached
	case err == nil:
		if _, err := s.db.ExecContext(ctx, "UPDATE node_tags SET deleted_at = NULL WHERE id = ?", id); err != nil {
			return false, fmt.Errorf("%w: revive node_tag: %v", errs.ErrStore, err)
		}
		return true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO node_tags (node_id, tag_id, created_at) VALUES (?, ?, ?)",
		nodeID, tagID, s.now()); err != nil {
		return false, fmt.Errorf("%w: insert node_tag: %v", errs.ErrStore, err)
	}
	return true, nil
}

// DetachNodeTags soft-deletes all tag links of a node.
func (s *Store) DetachNodeTags(ctx context.Context, nodeID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"UPDATE node_tags SET deleted_at = ? WHERE node_id = ? AND deleted_at IS NULL",
		s.now(), nodeID)
	if err != nil {
		return fmt.Errorf("%w: detach tags: %v", errs.ErrStore, err)
	}
	return nil
}

// NodeHasTags reports whether a node carries any active tag links.
func (s *Store) NodeHasTags(ctx context.Context, nodeID int64) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM node_tags WHERE node_id = ? AND deleted_at IS NULL LIMIT 1", nodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	return true, nil
}

// TagNamesForNode lists a node's active tag names, sorted.
func (s *Store) TagNamesForNode(ctx context.Context, nodeID int64) ([]string, error) {
	m, err := s.TagNamesForNodes(ctx, []int64{nodeID})
	if err != nil {
		return nil, err
	}
	return m[nodeID], nil
}

// TagNamesForNodes maps node id to active tag names for a batch of nodes.
func (s *Store) TagNamesForNodes(ctx context.Context, nodeIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return out, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query, args := inClause(`
		SELECT nt.node_id, t.name FROM node_tags nt
		JOIN tags t ON t.id = nt.tag_id AND t.deleted_at IS NULL
		WHERE nt.deleted_at IS NULL AND nt.node_id IN (%s)`, nodeIDs)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	defer rows.Close()
	for rows.Next() {
		var nodeID int64
		var name string
		if err := rows.Scan(&nodeID, &name); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		out[nodeID] = append(out[nodeID], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out, rows.Err()
}

// ActiveTagNames lists every active tag name, sorted.
func (s *Store) ActiveTagNames(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM tags WHERE deleted_at IS NULL ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// TagIDsForTopic resolves a topic to tag ids. exact matches only the topic
// itself; otherwise the topic and everything beneath it ("topic:...").
func (s *Store) TagIDsForTopic(ctx context.Context, topic string, exact bool) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rows *sql.Rows
	var err error
	if exact {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id FROM tags WHERE deleted_at IS NULL AND name = ?", topic)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id FROM tags WHERE deleted_at IS NULL AND (name = ? OR name LIKE ? ESCAPE '\\')",
			topic, likeEscape(topic)+":%")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TagMatch is a fuzzy tag search hit.
type TagMatch struct {
	ID         int64
	Name       string
	Similarity float64
}

// SearchTagsTrigram ranks active tags by trigram similarity to the query.
// Pure-Go equivalent of a pg_trgm index scan over tag names.
func (s *Store) SearchTagsTrigram(ctx context.Context, query string, minSimilarity float64, limit int) ([]TagMatch, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name FROM tags WHERE deleted_at IS NULL")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	defer rows.Close()

	var matches []TagMatch
	for rows.Next() {
		var m TagMatch
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		m.Similarity = trigramSimilarity(query, m.Name)
		if m.Similarity >= minSimilarity && m.Similarity > 0 {
			matches = append(matches, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Name < matches[j].Name
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// OntologySample returns up to limit tag names weighted by popularity
// (active link count) then recency, anchoring LLM extraction to existing
// conventions while keeping the prompt bounded.
func (s *Store) OntologySample(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name FROM tags t
		LEFT JOIN node_tags nt ON nt.tag_id = t.id AND nt.deleted_at IS NULL
		WHERE t.deleted_at IS NULL
		GROUP BY t.id
		ORDER BY COUNT(nt.id) DESC, t.created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ReapOrphanTags soft-deletes tags with no active node_tag references.
func (s *Store) ReapOrphanTags(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tags SET deleted_at = ?
		WHERE deleted_at IS NULL AND id NOT IN (
			SELECT DISTINCT tag_id FROM node_tags WHERE deleted_at IS NULL
		)`, s.now())
	if err != nil {
		return 0, fmt.Errorf("%w: reap orphan tags: %v", errs.ErrStore, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Infof(logging.CategoryTags, "reaped %d orphan tags", n)
	}
	return n, nil
}

func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
