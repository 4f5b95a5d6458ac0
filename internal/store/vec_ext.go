package store

import (
	"context"

	"github.com/MadBomber/htm/internal/embedding"
)

// upsertVecRow mirrors a node's embedding into the vec0 index. Only called
// when the extension probe succeeded.
func (s *Store) upsertVecRow(ctx context.Context, nodeID int64, vec []float32) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM node_vec WHERE rowid = ?", nodeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO node_vec (rowid, embedding) VALUES (?, ?)", nodeID, embedding.Encode(vec))
	return err
}
