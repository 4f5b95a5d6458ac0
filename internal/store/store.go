// Package store implements HTM persistence over SQLite: nodes, tags,
// robots and their associations, file sources, and the notification
// sidecar used for cross-process group sync.
//
// Vector search uses the sqlite-vec extension when the driver has it
// compiled in (see vec_ext.go); otherwise an exact cosine scan over the
// embedding column. Full-text search uses FTS5 when available, with a
// keyword LIKE fallback. Both capabilities are probed at open time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
)

// Options tunes store behavior.
type Options struct {
	// MaxConns bounds the connection pool. SQLite writes serialize anyway;
	// the default keeps one writer and lets WAL readers share.
	MaxConns int

	// BusyTimeout is passed to SQLite's busy handler.
	BusyTimeout time.Duration

	// OpTimeout bounds each database operation.
	OpTimeout time.Duration

	// PollInterval is the notification poll cadence for cross-process
	// subscribers.
	PollInterval time.Duration
}

// DefaultOptions returns the defaults used by Open.
func DefaultOptions() Options {
	return Options{
		MaxConns:     10,
		BusyTimeout:  5 * time.Second,
		OpTimeout:    30 * time.Second,
		PollInterval: 200 * time.Millisecond,
	}
}

// Store owns all persistent rows.
type Store struct {
	db   *sql.DB
	path string
	opts Options

	vectorExt bool // vec0 virtual tables available
	ftsExt    bool // FTS5 available

	mu   sync.Mutex // serializes writers; readers go straight to the pool
	subs *subscribers

	nowFn func() time.Time
}

// Open initializes the database at path, creating the schema as needed.
// Use ":memory:" for an ephemeral store.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxConns <= 0 {
		opts = DefaultOptions()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create directory: %v", errs.ErrStore, err)
		}
	}

	dsn := path
	if path == ":memory:" {
		// Shared cache so the pool's connections see one database.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", errs.ErrStore, err)
	}
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.MaxConns)

	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Debugf(logging.CategoryStore, "pragma failed (%s): %v", pragma, err)
		}
	}

	s := &Store{
		db:    db,
		path:  path,
		opts:  opts,
		subs:  newSubscribers(),
		nowFn: time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	s.detectFTS()
	if s.vectorExt {
		logging.Infof(logging.CategoryStore, "sqlite-vec available; ANN search enabled")
		if err := s.initVecTable(); err != nil {
			logging.Warnf(logging.CategoryStore, "vec table init failed, falling back to cosine scan: %v", err)
			s.vectorExt = false
		}
	} else {
		logging.Infof(logging.CategoryStore, "sqlite-vec unavailable; using exact cosine scan")
	}
	if s.ftsExt {
		if err := s.initFTSTable(); err != nil {
			logging.Warnf(logging.CategoryStore, "fts table init failed, falling back to keyword scan: %v", err)
			s.ftsExt = false
		}
	} else {
		logging.Infof(logging.CategoryStore, "FTS5 unavailable; using keyword scan")
	}

	logging.Infof(logging.CategoryStore, "store ready at %s", path)
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.subs.closeAll()
	return s.db.Close()
}

// DB exposes the underlying handle for inspection tooling.
func (s *Store) DB() *sql.DB { return s.db }

// setClock is a test hook.
func (s *Store) setClock(fn func() time.Time) { s.nowFn = fn }

func (s *Store) now() int64 { return s.nowFn().UTC().UnixNano() }

// opCtx applies the configured database timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

// detectVecExtension probes for vec0 virtual table support.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// detectFTS probes for FTS5 support.
func (s *Store) detectFTS() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS fts_probe USING fts5(content)"); err == nil {
		s.ftsExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS fts_probe")
		return
	}
	s.ftsExt = false
}

// Stats returns row counts per table plus enrichment backlog numbers.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	stats := make(map[string]int64)
	counts := map[string]string{
		"nodes":              "SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL",
		"nodes_deleted":      "SELECT COUNT(*) FROM nodes WHERE deleted_at IS NOT NULL",
		"nodes_unembedded":   "SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL AND embedding IS NULL",
		"tags":               "SELECT COUNT(*) FROM tags WHERE deleted_at IS NULL",
		"node_tags":          "SELECT COUNT(*) FROM node_tags WHERE deleted_at IS NULL",
		"robots":             "SELECT COUNT(*) FROM robots",
		"robot_nodes":        "SELECT COUNT(*) FROM robot_nodes",
		"file_sources":       "SELECT COUNT(*) FROM file_sources",
		"notifications":      "SELECT COUNT(*) FROM notifications",
	}
	for name, q := range counts {
		var n int64
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			logging.Debugf(logging.CategoryStore, "stat %s failed: %v", name, err)
			continue
		}
		stats[name] = n
	}
	return stats, nil
}
