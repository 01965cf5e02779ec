// Package sqlite implements the durable crawl store on a single local SQLite
// file using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/metrics"
	"github.com/JakeFAU/bucket-folder-stats/internal/retry"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	id         TEXT PRIMARY KEY,
	policy     TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	generation   TEXT NOT NULL,
	folder       TEXT NOT NULL,
	path         TEXT NOT NULL,
	type         TEXT NOT NULL CHECK (type IN ('folder', 'file')),
	size         INTEGER NOT NULL DEFAULT 0,
	time_created TEXT,
	updated      TEXT,
	md5_hash     TEXT,
	media_link   TEXT
);

CREATE INDEX IF NOT EXISTS idx_metadata_generation_path ON metadata(generation, path);
CREATE INDEX IF NOT EXISTS idx_metadata_generation_folder ON metadata(generation, folder);

CREATE TABLE IF NOT EXISTS folders (
	folder_path TEXT PRIMARY KEY,
	processed   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS progress (
	id                    INTEGER PRIMARY KEY CHECK (id = 1),
	last_processed_folder TEXT NOT NULL,
	timestamp             TEXT NOT NULL
);
`

// Config controls where the database lives and how busy errors are retried.
type Config struct {
	Path        string
	BusyRetries int
	BusyBackoff time.Duration
	// BusyTimeout is how long SQLite itself waits on a lock before a write
	// fails with SQLITE_BUSY and the retry policy takes over.
	BusyTimeout time.Duration
	// MaxOpenConns bounds the pool; readers use separate connections.
	MaxOpenConns int
	Logger       *zap.Logger
}

// Store persists crawl state inside a SQLite database.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	busy   retry.Policy

	genMu      sync.RWMutex
	generation string
}

// Open initializes (or reuses) a SQLite database at the provided path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store.path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busyTimeout.Milliseconds())
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.BusyRetries
	if retries <= 0 {
		retries = 5
	}
	backoff := cfg.BusyBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	s := &Store{
		db:     db,
		logger: logger.Named("sqlite"),
	}
	s.busy = retry.Fixed(retries, backoff, func(err error) bool {
		return errors.Is(err, crawler.ErrStoreBusy)
	})
	s.busy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ObserveStoreBusyRetry(driverName)
		s.logger.Warn("store busy, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return s, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite database: %w", err)
	}
	return nil
}

// InitSchema creates the tables if absent and adds the generations.target
// column to databases created before it existed.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	var hasTarget int
	if err := s.db.GetContext(ctx, &hasTarget,
		`SELECT COUNT(*) FROM pragma_table_info('generations') WHERE name = 'target'`); err != nil {
		return fmt.Errorf("inspect generations: %w", err)
	}
	if hasTarget == 0 {
		if _, err := s.db.ExecContext(ctx,
			`ALTER TABLE generations ADD COLUMN target TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add generations.target: %w", err)
		}
	}
	return nil
}

// Generation returns the active generation ID.
func (s *Store) Generation() string {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.generation
}

// ActivateGeneration resumes the latest generation, or starts newID when
// fresh is set or no generation exists yet. A fresh crawl clears the folder
// worklist and checkpoint; the truncate policy also drops all records.
// Resuming a generation recorded for another target fails with
// crawler.ErrTargetMismatch so its pending folders are not listed against
// the wrong bucket.
func (s *Store) ActivateGeneration(
	ctx context.Context,
	fresh bool,
	policy crawler.GenerationPolicy,
	target string,
	newID string,
) (string, error) {
	if !policy.Valid() {
		return "", fmt.Errorf("%w: unknown generation policy %q", crawler.ErrMalformedInput, policy)
	}
	var active string
	err := s.write(ctx, "activate_generation", func(ctx context.Context, tx *sqlx.Tx) error {
		var latest struct {
			ID     string `db:"id"`
			Target string `db:"target"`
		}
		err := tx.GetContext(ctx, &latest,
			`SELECT id, target FROM generations ORDER BY started_at DESC, rowid DESC LIMIT 1`)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select generation: %w", err)
		}
		if latest.ID != "" && !fresh {
			switch {
			case target == "" || latest.Target == target:
			case latest.Target == "":
				if _, err := tx.ExecContext(ctx,
					`UPDATE generations SET target = ? WHERE id = ?`, target, latest.ID); err != nil {
					return fmt.Errorf("record generation target: %w", err)
				}
			default:
				return fmt.Errorf("%w: %q, not %q (use a fresh crawl)",
					crawler.ErrTargetMismatch, latest.Target, target)
			}
			active = latest.ID
			return nil
		}
		if newID == "" {
			return errors.New("generation id is required")
		}
		if fresh {
			stmts := []string{`DELETE FROM folders`, `DELETE FROM progress`}
			if policy == crawler.GenerationTruncate {
				stmts = append(stmts, `DELETE FROM metadata`, `DELETE FROM generations`)
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("reset crawl state: %w", err)
				}
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO generations (id, policy, target, started_at) VALUES (?, ?, ?, ?)`,
			newID, string(policy), target, crawler.FormatTimestamp(time.Now()),
		); err != nil {
			return fmt.Errorf("insert generation: %w", err)
		}
		active = newID
		return nil
	})
	if err != nil {
		return "", err
	}
	s.genMu.Lock()
	s.generation = active
	s.genMu.Unlock()
	return active, nil
}

// InsertObjectBatch inserts all records in one transaction.
func (s *Store) InsertObjectBatch(ctx context.Context, records []crawler.ObjectRecord) error {
	if len(records) == 0 {
		return nil
	}
	gen, err := s.activeGeneration()
	if err != nil {
		return err
	}
	return s.write(ctx, "insert_batch", func(ctx context.Context, tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
INSERT INTO metadata (generation, folder, path, type, size, time_created, updated, md5_hash, media_link)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range records {
			if !rec.Kind.Valid() {
				return fmt.Errorf("%w: record kind %q", crawler.ErrMalformedInput, rec.Kind)
			}
			if _, err := stmt.ExecContext(ctx,
				gen,
				rec.Folder,
				rec.Path,
				string(rec.Kind),
				rec.Size,
				nullTime(rec.CreatedAt),
				nullTime(rec.UpdatedAt),
				nullString(rec.ContentHash),
				nullString(rec.MediaLink),
			); err != nil {
				return fmt.Errorf("insert record %q: %w", rec.Path, err)
			}
		}
		return nil
	})
}

// ResetFolder removes the active generation's records listed from folder.
func (s *Store) ResetFolder(ctx context.Context, folder string) error {
	gen, err := s.activeGeneration()
	if err != nil {
		return err
	}
	return s.write(ctx, "reset_folder", func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM metadata WHERE generation = ? AND folder = ?`, gen, folder); err != nil {
			return fmt.Errorf("delete folder records: %w", err)
		}
		return nil
	})
}

// UpsertFolders adds folders to the worklist, ignoring known ones.
func (s *Store) UpsertFolders(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.write(ctx, "upsert_folders", func(ctx context.Context, tx *sqlx.Tx) error {
		for _, p := range paths {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO folders (folder_path) VALUES (?) ON CONFLICT(folder_path) DO NOTHING`, p); err != nil {
				return fmt.Errorf("upsert folder %q: %w", p, err)
			}
		}
		return nil
	})
}

// MarkFolderProcessed flags one folder as fully listed.
func (s *Store) MarkFolderProcessed(ctx context.Context, path string) error {
	return s.write(ctx, "mark_processed", func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE folders SET processed = 1 WHERE folder_path = ?`, path)
		if err != nil {
			return fmt.Errorf("mark folder processed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("folder %q: %w", path, crawler.ErrNotFound)
		}
		return nil
	})
}

// ListUnprocessedFolders returns pending folders ordered by path.
func (s *Store) ListUnprocessedFolders(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.db.SelectContext(ctx, &out,
		`SELECT folder_path FROM folders WHERE processed = 0 ORDER BY folder_path`); err != nil {
		return nil, fmt.Errorf("list unprocessed folders: %w", err)
	}
	return out, nil
}

type folderRow struct {
	Path      string `db:"folder_path"`
	Processed bool   `db:"processed"`
}

// ListFolders returns the whole worklist.
func (s *Store) ListFolders(ctx context.Context) ([]crawler.FolderEntry, error) {
	var rows []folderRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT folder_path, processed FROM folders ORDER BY folder_path`); err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	out := make([]crawler.FolderEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, crawler.FolderEntry{Path: r.Path, Processed: r.Processed})
	}
	return out, nil
}

// FolderProgress counts known and processed folders.
func (s *Store) FolderProgress(ctx context.Context) (crawler.FolderProgress, error) {
	var row struct {
		Total     int `db:"total"`
		Processed int `db:"processed"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS total, COALESCE(SUM(processed), 0) AS processed FROM folders`); err != nil {
		return crawler.FolderProgress{}, fmt.Errorf("folder progress: %w", err)
	}
	return crawler.FolderProgress{Total: row.Total, Processed: row.Processed}, nil
}

// SetCheckpoint replaces the singleton checkpoint row.
func (s *Store) SetCheckpoint(ctx context.Context, path string, at time.Time) error {
	return s.write(ctx, "set_checkpoint", func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO progress (id, last_processed_folder, timestamp) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	last_processed_folder = excluded.last_processed_folder,
	timestamp = excluded.timestamp`,
			path, crawler.FormatTimestamp(at)); err != nil {
			return fmt.Errorf("set checkpoint: %w", err)
		}
		return nil
	})
}

// GetCheckpoint returns the checkpoint, or nil when none was recorded.
func (s *Store) GetCheckpoint(ctx context.Context) (*crawler.Checkpoint, error) {
	var row struct {
		Folder    string `db:"last_processed_folder"`
		Timestamp string `db:"timestamp"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT last_processed_folder, timestamp FROM progress WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	ts, err := crawler.ParseTimestamp(row.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint timestamp: %w", err)
	}
	return &crawler.Checkpoint{LastProcessedFolder: row.Folder, Timestamp: ts}, nil
}

type statsRow struct {
	Path            string         `db:"path"`
	TotalSize       int64          `db:"total_size"`
	FileCount       int64          `db:"file_count"`
	FolderCount     int64          `db:"folder_count"`
	EarliestCreated sql.NullString `db:"earliest_created"`
	LatestUpdated   sql.NullString `db:"latest_updated"`
}

// AggregateByPath groups the active generation's records by path.
func (s *Store) AggregateByPath(ctx context.Context) ([]crawler.PathStats, error) {
	gen, err := s.activeGeneration()
	if err != nil {
		return nil, err
	}
	var rows []statsRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT
	path,
	COALESCE(SUM(CASE WHEN type = 'file' THEN size ELSE 0 END), 0) AS total_size,
	COUNT(CASE WHEN type = 'file' THEN 1 END) AS file_count,
	COUNT(DISTINCT CASE WHEN type = 'folder' THEN path END) AS folder_count,
	MIN(time_created) AS earliest_created,
	MAX(updated) AS latest_updated
FROM metadata
WHERE generation = ?
GROUP BY path
ORDER BY path`, gen); err != nil {
		return nil, fmt.Errorf("aggregate by path: %w", err)
	}
	out := make([]crawler.PathStats, 0, len(rows))
	for _, r := range rows {
		st := crawler.PathStats{
			Path:        r.Path,
			TotalSize:   r.TotalSize,
			FileCount:   r.FileCount,
			FolderCount: r.FolderCount,
		}
		if st.EarliestCreated, err = parseNullTime(r.EarliestCreated); err != nil {
			return nil, err
		}
		if st.LatestUpdated, err = parseNullTime(r.LatestUpdated); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) activeGeneration() (string, error) {
	gen := s.Generation()
	if gen == "" {
		return "", errors.New("no active crawl generation")
	}
	return gen, nil
}

// write runs fn in a transaction, retrying the whole transaction while the
// database reports contention.
func (s *Store) write(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	err := retry.Run(ctx, s.busy, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return classify(fmt.Errorf("begin %s: %w", op, err))
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			return classify(fmt.Errorf("commit %s: %w", op, err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite %s: %w", op, err)
	}
	return nil
}

// classify tags contention errors with crawler.ErrStoreBusy.
func classify(err error) error {
	if err == nil || errors.Is(err, crawler.ErrStoreBusy) {
		return err
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %w", crawler.ErrStoreBusy, err)
	}
	return err
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return crawler.FormatTimestamp(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := crawler.ParseTimestamp(ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}
