package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MadBomber/htm/internal/embedding"
	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
)

// Node is one unit of remembered content.
type Node struct {
	ID            int64
	Content       string
	ContentHash   string
	TokenCount    int
	Embedding     []float32 // nil until enrichment completes
	EmbeddingDim  int       // original generator dimension, 0 if unembedded
	Metadata      map[string]interface{}
	SourceID      int64 // 0 when not file-sourced
	ChunkPosition int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastAccessed  time.Time
	AccessCount   int
	DeletedAt     time.Time // zero when active
}

// Active reports whether the node is not soft-deleted.
func (n *Node) Active() bool { return n.DeletedAt.IsZero() }

// SourceRef ties a chunk node to its file source.
type SourceRef struct {
	SourceID int64
	Position int
}

// nodeColumns is prefixed for queries aliasing nodes as n, which every
// multi-table query here does.
const nodeColumns = `n.id, n.content, n.content_hash, n.token_count, n.embedding, n.embedding_dimension,
	n.metadata, n.source_id, n.chunk_position, n.created_at, n.updated_at, n.last_accessed, n.access_count, n.deleted_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*Node, error) {
	var (
		n            Node
		emb          []byte
		embDim       sql.NullInt64
		meta         sql.NullString
		sourceID     sql.NullInt64
		chunkPos     sql.NullInt64
		created      int64
		updated      int64
		lastAccessed sql.NullInt64
		deleted      sql.NullInt64
	)
	err := row.Scan(&n.ID, &n.Content, &n.ContentHash, &n.TokenCount, &emb, &embDim,
		&meta, &sourceID, &chunkPos, &created, &updated, &lastAccessed, &n.AccessCount, &deleted)
	if err != nil {
		return nil, err
	}
	if len(emb) > 0 {
		if n.Embedding, err = embedding.Decode(emb); err != nil {
			return nil, err
		}
	}
	n.EmbeddingDim = int(embDim.Int64)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &n.Metadata)
	}
	n.SourceID = sourceID.Int64
	n.ChunkPosition = int(chunkPos.Int64)
	n.CreatedAt = time.Unix(0, created).UTC()
	n.UpdatedAt = time.Unix(0, updated).UTC()
	if lastAccessed.Valid {
		n.LastAccessed = time.Unix(0, lastAccessed.Int64).UTC()
	}
	if deleted.Valid {
		n.DeletedAt = time.Unix(0, deleted.Int64).UTC()
	}
	return &n, nil
}

// scanNodeWithRank scans node columns followed by one ranking column.
func scanNodeWithRank(rows *sql.Rows) (*Node, float64, error) {
	var (
		n            Node
		emb          []byte
		embDim       sql.NullInt64
		meta         sql.NullString
		sourceID     sql.NullInt64
		chunkPos     sql.NullInt64
		created      int64
		updated      int64
		lastAccessed sql.NullInt64
		deleted      sql.NullInt64
		rank         float64
	)
	err := rows.Scan(&n.ID, &n.Content, &n.ContentHash, &n.TokenCount, &emb, &embDim,
		&meta, &sourceID, &chunkPos, &created, &updated, &lastAccessed, &n.AccessCount, &deleted, &rank)
	if err != nil {
		return nil, 0, err
	}
	if len(emb) > 0 {
		if n.Embedding, err = embedding.Decode(emb); err != nil {
			return nil, 0, err
		}
	}
	n.EmbeddingDim = int(embDim.Int64)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &n.Metadata)
	}
	n.SourceID = sourceID.Int64
	n.ChunkPosition = int(chunkPos.Int64)
	n.CreatedAt = time.Unix(0, created).UTC()
	n.UpdatedAt = time.Unix(0, updated).UTC()
	if lastAccessed.Valid {
		n.LastAccessed = time.Unix(0, lastAccessed.Int64).UTC()
	}
	if deleted.Valid {
		n.DeletedAt = time.Unix(0, deleted.Int64).UTC()
	}
	return &n, rank, nil
}

func marshalMetadata(meta map[string]interface{}) (interface{}, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata not serializable: %v", errs.ErrValidation, err)
	}
	return string(buf), nil
}

// CreateNode inserts a node, deduplicating on content_hash among active
// nodes. Returns the node id and whether a new row was created; on a hash
// collision the existing active node's id is returned with created=false.
func (s *Store) CreateNode(ctx context.Context, content, contentHash string, tokenCount int, meta map[string]interface{}, src *SourceRef) (int64, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metaVal, err := marshalMetadata(meta)
	if err != nil {
		return 0, false, err
	}

	var sourceID, chunkPos interface{}
	if src != nil {
		sourceID, chunkPos = src.SourceID, src.Position
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (content, content_hash, token_count, metadata, source_id, chunk_position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		content, contentHash, tokenCount, metaVal, sourceID, chunkPos, now, now)
	if err != nil {
		// Unique-index race or pre-existing active node with this hash.
		if id, findErr := s.ActiveNodeIDByHash(ctx, contentHash); findErr == nil {
			logging.Debugf(logging.CategoryStore, "dedup hit for hash %s -> node %d", contentHash[:8], id)
			return id, false, nil
		}
		return 0, false, fmt.Errorf("%w: insert node: %v", errs.ErrStore, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	return id, true, nil
}

// ActiveNodeIDByHash finds the active node carrying a content hash.
func (s *Store) ActiveNodeIDByHash(ctx context.Context, contentHash string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM nodes WHERE content_hash = ? AND deleted_at IS NULL", contentHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: no active node with hash %s", errs.ErrNotFound, contentHash)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	return id, nil
}

// FindNode loads a node by id regardless of deletion state.
func (s *Store) FindNode(ctx context.Context, id int64) (*Node, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := scanNode(s.db.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM nodes n WHERE n.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	return n, nil
}

// LoadNodes loads nodes by ids (active only), keyed by id.
func (s *Store) LoadNodes(ctx context.Context, ids []int64) (map[int64]*Node, error) {
	out := make(map[int64]*Node, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query, args := inClause("SELECT "+nodeColumns+" FROM nodes n WHERE n.deleted_at IS NULL AND n.id IN (%s)", ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	defer rows.Close()
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		out[n.ID] = n
	}
	return out, rows.Err()
}

// UpdateEmbedding writes a padded embedding and its original dimension.
func (s *Store) UpdateEmbedding(ctx context.Context, nodeID int64, padded []float32, origDim int) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if len(padded) != vecWidth {
		return fmt.Errorf("%w: padded length %d, storage width %d", errs.ErrEmbeddingDimension, len(padded), vecWidth)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE nodes SET embedding = ?, embedding_dimension = ?, updated_at = ? WHERE id = ?",
		embedding.Encode(padded), origDim, s.now(), nodeID)
	if err != nil {
		return fmt.Errorf("%w: update embedding: %v", errs.ErrStore, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: node %d", errs.ErrNotFound, nodeID)
	}

	if s.vectorExt {
		if err := s.upsertVecRow(ctx, nodeID, padded); err != nil {
			logging.Warnf(logging.CategoryStore, "vec index update for node %d failed: %v", nodeID, err)
		}
	}
	return nil
}

// SoftDeleteNode marks a node deleted and drops it from the ANN index.
func (s *Store) SoftDeleteNode(ctx context.Context, nodeID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		"UPDATE nodes SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
		s.now(), s.now(), nodeID)
	if err != nil {
		return fmt.Errorf("%w: soft delete: %v", errs.ErrStore, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: active node %d", errs.ErrNotFound, nodeID)
	}
	if s.vectorExt {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM node_vec WHERE rowid = ?", nodeID)
	}
	return nil
}

// RestoreNode clears deleted_at. Restoring a node whose hash now collides
// with another active node fails with ErrDuplicateContent.
func (s *Store) RestoreNode(ctx context.Context, nodeID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.FindNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.Active() {
		return nil
	}
	if other, err := s.ActiveNodeIDByHash(ctx, n.ContentHash); err == nil && other != nodeID {
		return fmt.Errorf("%w: active node %d already holds this content", errs.ErrDuplicateContent, other)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE nodes SET deleted_at = NULL, updated_at = ? WHERE id = ?", s.now(), nodeID); err != nil {
		return fmt.Errorf("%w: restore: %v", errs.ErrStore, err)
	}
	if s.vectorExt && n.Embedding != nil {
		if err := s.upsertVecRow(ctx, nodeID, n.Embedding); err != nil {
			logging.Warnf(logging.CategoryStore, "vec index restore for node %d failed: %v", nodeID, err)
		}
	}
	return nil
}

// PurgeNode hard-deletes a node; cascades remove its associations.
func (s *Store) PurgeNode(ctx context.Context, nodeID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", nodeID)
	if err != nil {
		return fmt.Errorf("%w: purge: %v", errs.ErrStore, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: node %d", errs.ErrNotFound, nodeID)
	}
	if s.vectorExt {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM node_vec WHERE rowid = ?", nodeID)
	}
	return nil
}

// PurgeDeletedBefore hard-deletes soft-deleted nodes older than cutoff.
func (s *Store) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM nodes WHERE deleted_at IS NOT NULL AND deleted_at < ?", cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: purge deleted: %v", errs.ErrStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TouchAccess bumps access tracking for the given nodes in one statement.
// Called from the batched tracker, eventually consistent by design.
func (s *Store) TouchAccess(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query, args := inClause("UPDATE nodes SET access_count = access_count + 1, last_accessed = ? WHERE id IN (%s)", ids)
	args = append([]interface{}{s.now()}, args...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: touch access: %v", errs.ErrStore, err)
	}
	return nil
}

// UnembeddedNodeIDs lists active nodes still waiting for an embedding.
func (s *Store) UnembeddedNodeIDs(ctx context.Context, limit int) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM nodes WHERE deleted_at IS NULL AND embedding IS NULL ORDER BY id LIMIT ?", limit)
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

// inClause expands a query containing %s into an IN-list of placeholders.
func inClause(format string, ids []int64) (string, []interface{}) {
	placeholders := make([]byte, 0, 2*len(ids))
	args := make([]interface{}, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	return fmt.Sprintf(format, placeholders), args
}
