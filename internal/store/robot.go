package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MadBomber/htm/internal/errs"
)

// Robot is an agent identity.
type Robot struct {
	ID           int64
	Name         string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// UpsertRobot creates or looks up a robot by name, refreshing
// last_active_at either way.
func (s *Store) UpsertRobot(ctx context.Context, name string) (*Robot, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: robot name is required", errs.ErrValidation)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO robots (name, created_at, last_active_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_active_at = excluded.last_active_at`,
		name, now, now); err != nil {
		return nil, fmt.Errorf("%w: upsert robot: %v", errs.ErrStore, err)
	}

	var r Robot
	var created, lastActive int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at, last_active_at FROM robots WHERE name = ?", name).
		Scan(&r.ID, &r.Name, &created, &lastActive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.LastActiveAt = time.Unix(0, lastActive).UTC()
	return &r, nil
}

// TouchRobot refreshes last_active_at.
func (s *Store) TouchRobot(ctx context.Context, robotID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"UPDATE robots SET last_active_at = ? WHERE id = ?", s.now(), robotID)
	if err != nil {
		return fmt.Errorf("%w: touch robot: %v", errs.ErrStore, err)
	}
	return nil
}

// RobotNode is a robot's relationship to a node.
type RobotNode struct {
	RobotID           int64
	NodeID            int64
	FirstRememberedAt time.Time
	LastRememberedAt  time.Time
	RememberCount     int
	WorkingMemory     bool
}

// UpsertRobotNode records a remember: creates the association or bumps
// remember_count, and raises the working_memory flag.
func (s *Store) UpsertRobotNode(ctx context.Context, robotID, nodeID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, first_remembered_at, last_remembered_at, remember_count, working_memory)
		VALUES (?, ?, ?, ?, 1, 1)
		ON CONFLICT(robot_id, node_id) DO UPDATE SET
			remember_count = remember_count + 1,
			last_remembered_at = excluded.last_remembered_at,
			working_memory = 1`,
		robotID, nodeID, now, now)
	if err != nil {
		return fmt.Errorf("%w: upsert robot_node: %v", errs.ErrStore, err)
	}
	return nil
}

// FindRobotNode loads one association.
func (s *Store) FindRobotNode(ctx context.Context, robotID, nodeID int64) (*RobotNode, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rn RobotNode
	var first, last int64
	var wm int
	err := s.db.QueryRowContext(ctx, `
		SELECT robot_id, node_id, first_remembered_at, last_remembered_at, remember_count, working_memory
		FROM robot_nodes WHERE robot_id = ? AND node_id = ?`, robotID, nodeID).
		Scan(&rn.RobotID, &rn.NodeID, &first, &last, &rn.RememberCount, &wm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: robot %d has no record of node %d", errs.ErrNotFound, robotID, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	rn.FirstRememberedAt = time.Unix(0, first).UTC()
	rn.LastRememberedAt = time.Unix(0, last).UTC()
	rn.WorkingMemory = wm != 0
	return &rn, nil
}

// SetWorkingMemoryFlag mirrors the in-memory working-set state. Eviction
// and restore both write unconditionally; last writer wins.
func (s *Store) SetWorkingMemoryFlag(ctx context.Context, robotID, nodeID int64, inMemory bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	flag := 0
	if inMemory {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE robot_nodes SET working_memory = ? WHERE robot_id = ? AND node_id = ?",
		flag, robotID, nodeID)
	if err != nil {
		return fmt.Errorf("%w: set working_memory: %v", errs.ErrStore, err)
	}
	return nil
}

// WorkingSetIDs lists node ids flagged as in a robot's working memory.
func (s *Store) WorkingSetIDs(ctx context.Context, robotID int64) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT rn.node_id FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id AND n.deleted_at IS NULL
		WHERE rn.robot_id = ? AND rn.working_memory = 1
		ORDER BY rn.last_remembered_at`, robotID)
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

// SharedWorkingSetIDs returns the union of the robots' flagged node ids,
// ordered by most recent remember. This is the canonical group set.
func (s *Store) SharedWorkingSetIDs(ctx context.Context, robotIDs []int64) ([]int64, error) {
	if len(robotIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query, args := inClause(`
		SELECT rn.node_id, MAX(rn.last_remembered_at) AS latest FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id AND n.deleted_at IS NULL
		WHERE rn.working_memory = 1 AND rn.robot_id IN (%s)
		GROUP BY rn.node_id ORDER BY latest`, robotIDs)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id, latest int64
		if err := rows.Scan(&id, &latest); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
