// Package postgres provides a Postgres-backed durable crawl store for
// deployments where several crawler processes share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/metrics"
	"github.com/JakeFAU/bucket-folder-stats/internal/retry"
)

const driverName = "postgres"

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	id         TEXT PRIMARY KEY,
	policy     TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE generations ADD COLUMN IF NOT EXISTS target TEXT NOT NULL DEFAULT '';
CREATE TABLE IF NOT EXISTS metadata (
	id           BIGSERIAL PRIMARY KEY,
	generation   TEXT NOT NULL,
	folder       TEXT NOT NULL,
	path         TEXT NOT NULL,
	type         TEXT NOT NULL CHECK (type IN ('folder', 'file')),
	size         BIGINT NOT NULL DEFAULT 0,
	time_created TIMESTAMPTZ,
	updated      TIMESTAMPTZ,
	md5_hash     TEXT,
	media_link   TEXT
);
CREATE INDEX IF NOT EXISTS idx_metadata_generation_path ON metadata (generation, path);
CREATE INDEX IF NOT EXISTS idx_metadata_generation_folder ON metadata (generation, folder);
CREATE TABLE IF NOT EXISTS folders (
	folder_path TEXT PRIMARY KEY,
	processed   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS progress (
	id                    SMALLINT PRIMARY KEY CHECK (id = 1),
	last_processed_folder TEXT NOT NULL,
	timestamp             TIMESTAMPTZ NOT NULL
);
`

var metadataColumns = []string{
	"generation", "folder", "path", "type", "size", "time_created", "updated", "md5_hash", "media_link",
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	BusyRetries     int
	BusyBackoff     time.Duration
	Logger          *zap.Logger
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists crawl state in Postgres.
type Store struct {
	pool   pool
	logger *zap.Logger
	busy   retry.Policy

	genMu      sync.RWMutex
	generation string
}

// New connects a pgx pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, cfg)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
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
	s := &Store{pool: p, logger: logger.Named("postgres")}
	s.busy = retry.Fixed(retries, backoff, func(err error) bool {
		return errors.Is(err, crawler.ErrStoreBusy)
	})
	s.busy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ObserveStoreBusyRetry(driverName)
		s.logger.Warn("store busy, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	return s, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// InitSchema creates the tables if absent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// Generation returns the active generation ID.
func (s *Store) Generation() string {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.generation
}

// ActivateGeneration resumes the latest generation or starts newID. It
// refuses to resume a generation recorded for another target.
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
	err := s.write(ctx, "activate_generation", func(ctx context.Context, tx pgx.Tx) error {
		var latest, latestTarget string
		err := tx.QueryRow(ctx,
			`SELECT id, target FROM generations ORDER BY started_at DESC LIMIT 1`).Scan(&latest, &latestTarget)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("select generation: %w", err)
		}
		if latest != "" && !fresh {
			switch {
			case target == "" || latestTarget == target:
			case latestTarget == "":
				if _, err := tx.Exec(ctx,
					`UPDATE generations SET target = $1 WHERE id = $2`, target, latest); err != nil {
					return fmt.Errorf("record generation target: %w", err)
				}
			default:
				return fmt.Errorf("%w: %q, not %q (use a fresh crawl)",
					crawler.ErrTargetMismatch, latestTarget, target)
			}
			active = latest
			return nil
		}
		if newID == "" {
			return errors.New("generation id is required")
		}
		if fresh {
			stmts := []string{`DELETE FROM folders`, `DELETE FROM progress`}
			if policy == crawler.GenerationTruncate {
				stmts = append(stmts, `TRUNCATE metadata`, `DELETE FROM generations`)
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("reset crawl state: %w", err)
				}
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO generations (id, policy, target, started_at) VALUES ($1, $2, $3, $4)`,
			newID, string(policy), target, time.Now().UTC(),
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

// InsertObjectBatch copies all records in one transaction.
func (s *Store) InsertObjectBatch(ctx context.Context, records []crawler.ObjectRecord) error {
	if len(records) == 0 {
		return nil
	}
	gen, err := s.activeGeneration()
	if err != nil {
		return err
	}
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		if !rec.Kind.Valid() {
			return fmt.Errorf("%w: record kind %q", crawler.ErrMalformedInput, rec.Kind)
		}
		rows = append(rows, []any{
			gen, rec.Folder, rec.Path, string(rec.Kind), rec.Size,
			rec.CreatedAt, rec.UpdatedAt, nullString(rec.ContentHash), nullString(rec.MediaLink),
		})
	}
	return s.write(ctx, "insert_batch", func(ctx context.Context, tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"metadata"}, metadataColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy records: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("copy records: wrote %d of %d rows", n, len(rows))
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
	return s.write(ctx, "reset_folder", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM metadata WHERE generation = $1 AND folder = $2`, gen, folder); err != nil {
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
	return s.write(ctx, "upsert_folders", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO folders (folder_path)
SELECT unnest($1::text[])
ON CONFLICT (folder_path) DO NOTHING`, paths); err != nil {
			return fmt.Errorf("upsert folders: %w", err)
		}
		return nil
	})
}

// MarkFolderProcessed flags one folder as fully listed.
func (s *Store) MarkFolderProcessed(ctx context.Context, path string) error {
	return s.write(ctx, "mark_processed", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE folders SET processed = TRUE WHERE folder_path = $1`, path)
		if err != nil {
			return fmt.Errorf("mark folder processed: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("folder %q: %w", path, crawler.ErrNotFound)
		}
		return nil
	})
}

// ListUnprocessedFolders returns pending folders ordered by path.
func (s *Store) ListUnprocessedFolders(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT folder_path FROM folders WHERE NOT processed ORDER BY folder_path`)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed folders: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan unprocessed folders: %w", err)
	}
	return out, nil
}

// ListFolders returns the whole worklist.
func (s *Store) ListFolders(ctx context.Context) ([]crawler.FolderEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT folder_path, processed FROM folders ORDER BY folder_path`)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.FolderEntry, error) {
		var e crawler.FolderEntry
		err := row.Scan(&e.Path, &e.Processed)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan folders: %w", err)
	}
	return out, nil
}

// FolderProgress counts known and processed folders.
func (s *Store) FolderProgress(ctx context.Context) (crawler.FolderProgress, error) {
	var p crawler.FolderProgress
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE processed) FROM folders`,
	).Scan(&p.Total, &p.Processed); err != nil {
		return crawler.FolderProgress{}, fmt.Errorf("folder progress: %w", err)
	}
	return p, nil
}

// SetCheckpoint replaces the singleton checkpoint row.
func (s *Store) SetCheckpoint(ctx context.Context, path string, at time.Time) error {
	return s.write(ctx, "set_checkpoint", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO progress (id, last_processed_folder, timestamp) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET
	last_processed_folder = EXCLUDED.last_processed_folder,
	timestamp = EXCLUDED.timestamp`, path, at.UTC()); err != nil {
			return fmt.Errorf("set checkpoint: %w", err)
		}
		return nil
	})
}

// GetCheckpoint returns the checkpoint, or nil when none was recorded.
func (s *Store) GetCheckpoint(ctx context.Context) (*crawler.Checkpoint, error) {
	var cp crawler.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT last_processed_folder, timestamp FROM progress WHERE id = 1`,
	).Scan(&cp.LastProcessedFolder, &cp.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// AggregateByPath groups the active generation's records by path.
func (s *Store) AggregateByPath(ctx context.Context) ([]crawler.PathStats, error) {
	gen, err := s.activeGeneration()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT
	path,
	COALESCE(SUM(CASE WHEN type = 'file' THEN size ELSE 0 END), 0)::BIGINT,
	COUNT(*) FILTER (WHERE type = 'file'),
	COUNT(DISTINCT path) FILTER (WHERE type = 'folder'),
	MIN(time_created),
	MAX(updated)
FROM metadata
WHERE generation = $1
GROUP BY path
ORDER BY path`, gen)
	if err != nil {
		return nil, fmt.Errorf("aggregate by path: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.PathStats, error) {
		var st crawler.PathStats
		err := row.Scan(&st.Path, &st.TotalSize, &st.FileCount, &st.FolderCount, &st.EarliestCreated, &st.LatestUpdated)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan aggregate: %w", err)
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

func (s *Store) write(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	err := retry.Run(ctx, s.busy, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classify(fmt.Errorf("begin %s: %w", op, err))
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback(ctx)
			return classify(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return classify(fmt.Errorf("commit %s: %w", op, err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return nil
}

// Serialization failures, deadlocks and lock timeouts are contention.
var busyCodes = map[string]struct{}{
	"40001": {},
	"40P01": {},
	"55P03": {},
}

func classify(err error) error {
	if err == nil || errors.Is(err, crawler.ErrStoreBusy) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := busyCodes[pgErr.Code]; ok {
			return fmt.Errorf("%w: %w", crawler.ErrStoreBusy, err)
		}
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
