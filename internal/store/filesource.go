package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MadBomber/htm/internal/errs"
)

// FileSource tracks a loaded document so re-loads can skip unchanged files
// and unloads can find every chunk they produced.
type FileSource struct {
	ID           int64
	Path         string
	ContentHash  string
	ModTime      time.Time
	Frontmatter  string
	LastSyncedAt time.Time
}

// UpsertFileSource records (or refreshes) a loaded file and returns its id.
func (s *Store) UpsertFileSource(ctx context.Context, path, contentHash string, modTime time.Time, frontmatter string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_sources (path, content_hash, mtime, frontmatter, last_synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			mtime = excluded.mtime,
			frontmatter = excluded.frontmatter,
			last_synced_at = excluded.last_synced_at`,
		path, contentHash, modTime.UTC().UnixNano(), frontmatter, now)
	if err != nil {
		return 0, fmt.Errorf("%w: upsert file source: %v", errs.ErrStore, err)
	}
	src, err := s.FindFileSource(ctx, path)
	if err != nil {
		return 0, err
	}
	return src.ID, nil
}

// FindFileSource looks up a source by path. ErrNotFound when absent.
func (s *Store) FindFileSource(ctx context.Context, path string) (*FileSource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, content_hash, mtime, frontmatter, last_synced_at
		FROM file_sources WHERE path = ?`, path)
	return scanFileSource(row)
}

func scanFileSource(row *sql.Row) (*FileSource, error) {
	var src FileSource
	var mtime, synced int64
	var fm sql.NullString
	err := row.Scan(&src.ID, &src.Path, &src.ContentHash, &mtime, &fm, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file source", errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	src.ModTime = time.Unix(0, mtime).UTC()
	src.LastSyncedAt = time.Unix(0, synced).UTC()
	src.Frontmatter = fm.String
	return &src, nil
}

// ListFileSources returns every tracked source, most recently synced first.
func (s *Store) ListFileSources(ctx context.Context) ([]FileSource, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, content_hash, mtime, frontmatter, last_synced_at
		FROM file_sources ORDER BY last_synced_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list file sources: %v", errs.ErrStore, err)
	}
	defer rows.Close()

	var out []FileSource
	for rows.Next() {
		var src FileSource
		var mtime, synced int64
		var fm sql.NullString
		if err := rows.Scan(&src.ID, &src.Path, &src.ContentHash, &mtime, &fm, &synced); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		src.ModTime = time.Unix(0, mtime).UTC()
		src.LastSyncedAt = time.Unix(0, synced).UTC()
		src.Frontmatter = fm.String
		out = append(out, src)
	}
	return out, rows.Err()
}

// NodeIDsForSource returns the active chunk nodes produced from a source,
// in chunk order.
func (s *Store) NodeIDsForSource(ctx context.Context, sourceID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM nodes
		WHERE source_id = ? AND deleted_at IS NULL
		ORDER BY chunk_position`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: nodes for source: %v", errs.ErrStore, err)
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

// DeleteFileSource removes the source row. Node source_id references are
// nulled by the schema; soft-deleting the chunks themselves is the
// caller's job.
func (s *Store) DeleteFileSource(ctx context.Context, sourceID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM file_sources WHERE id = ?", sourceID)
	if err != nil {
		return fmt.Errorf("%w: delete file source: %v", errs.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: file source %d", errs.ErrNotFound, sourceID)
	}
	return nil
}
