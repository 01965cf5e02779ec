package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, Config{BusyRetries: 3, BusyBackoff: time.Millisecond})
	require.NoError(t, err)
	return store, mock
}

func activate(t *testing.T, store *Store, mock pgxmock.PgxPoolIface, gen string) {
	t.Helper()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM generations").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO generations").
		WithArgs(gen, "version", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	got, err := store.ActivateGeneration(context.Background(), false, crawler.GenerationVersion, "", gen)
	require.NoError(t, err)
	require.Equal(t, gen, got)
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, Config{})
	require.Error(t, err)
}

func TestActivateGenerationResumesLatest(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM generations").
		WillReturnRows(mock.NewRows([]string{"id", "target"}).AddRow("gen-old", ""))
	mock.ExpectCommit()

	got, err := store.ActivateGeneration(context.Background(), false, crawler.GenerationTruncate, "", "gen-new")
	require.NoError(t, err)
	require.Equal(t, "gen-old", got)
	require.Equal(t, "gen-old", store.Generation())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateGenerationFreshTruncate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM generations").
		WillReturnRows(mock.NewRows([]string{"id", "target"}).AddRow("gen-old", ""))
	mock.ExpectExec("DELETE FROM folders").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM progress").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("TRUNCATE metadata").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectExec("DELETE FROM generations").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO generations").
		WithArgs("gen-new", "truncate", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := store.ActivateGeneration(context.Background(), true, crawler.GenerationTruncate, "", "gen-new")
	require.NoError(t, err)
	require.Equal(t, "gen-new", got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateGenerationRejectsOtherTarget(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, target FROM generations").
		WillReturnRows(mock.NewRows([]string{"id", "target"}).AddRow("gen-old", "one/d/"))
	mock.ExpectRollback()

	_, err := store.ActivateGeneration(context.Background(), false, crawler.GenerationTruncate, "two/e/", "gen-new")
	require.ErrorIs(t, err, crawler.ErrTargetMismatch)
	require.Empty(t, store.Generation())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateGenerationClaimsUntaggedGeneration(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, target FROM generations").
		WillReturnRows(mock.NewRows([]string{"id", "target"}).AddRow("gen-old", ""))
	mock.ExpectExec("UPDATE generations SET target").
		WithArgs("b/", "gen-old").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := store.ActivateGeneration(context.Background(), false, crawler.GenerationVersion, "b/", "gen-new")
	require.NoError(t, err)
	require.Equal(t, "gen-old", got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertObjectBatchCopiesRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	activate(t, store, mock, "gen-1")

	records := []crawler.ObjectRecord{
		crawler.NormalizeEntry("a/", crawler.RemoteEntry{Name: "a/x.txt", Size: 100}),
		crawler.NormalizeEntry("a/", crawler.RemoteEntry{Name: "a/y.txt", Size: 200}),
	}
	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"metadata"}, metadataColumns).WillReturnResult(2)
	mock.ExpectCommit()

	require.NoError(t, store.InsertObjectBatch(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertObjectBatchRetriesSerializationFailures(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	activate(t, store, mock, "gen-1")

	busy := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	for range 2 {
		mock.ExpectBegin()
		mock.ExpectCopyFrom(pgx.Identifier{"metadata"}, metadataColumns).WillReturnError(busy)
		mock.ExpectRollback()
	}
	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"metadata"}, metadataColumns).WillReturnResult(1)
	mock.ExpectCommit()

	records := []crawler.ObjectRecord{crawler.NormalizeEntry("a/", crawler.RemoteEntry{Name: "a/x", Size: 1})}
	require.NoError(t, store.InsertObjectBatch(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertObjectBatchRequiresGeneration(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	err := store.InsertObjectBatch(context.Background(), []crawler.ObjectRecord{{Path: "a/", Kind: crawler.KindFile}})
	require.Error(t, err)
}

func TestMarkFolderProcessed(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE folders SET processed").
		WithArgs("a/").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	require.NoError(t, store.MarkFolderProcessed(context.Background(), "a/"))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE folders SET processed").
		WithArgs("missing/").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()
	err := store.MarkFolderProcessed(context.Background(), "missing/")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnprocessedFolders(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT folder_path FROM folders WHERE NOT processed").
		WillReturnRows(mock.NewRows([]string{"folder_path"}).AddRow("a/").AddRow("b/"))

	got, err := store.ListUnprocessedFolders(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a/", "b/"}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT last_processed_folder").WillReturnError(pgx.ErrNoRows)
	cp, err := store.GetCheckpoint(context.Background())
	require.NoError(t, err)
	require.Nil(t, cp)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO progress").WithArgs("a/", at).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	require.NoError(t, store.SetCheckpoint(context.Background(), "a/", at))

	mock.ExpectQuery("SELECT last_processed_folder").
		WillReturnRows(mock.NewRows([]string{"last_processed_folder", "timestamp"}).AddRow("a/", at))
	cp, err = store.GetCheckpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a/", cp.LastProcessedFolder)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateByPath(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	activate(t, store, mock, "gen-1")
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM metadata").
		WithArgs("gen-1").
		WillReturnRows(mock.NewRows([]string{"path", "total", "files", "folders", "created", "updated"}).
			AddRow("a/", int64(300), int64(2), int64(0), &created, &created))

	stats, err := store.AggregateByPath(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(300), stats[0].TotalSize)
	require.Equal(t, int64(2), stats[0].FileCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyBusyCodes(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, classify(&pgconn.PgError{Code: "40P01"}), crawler.ErrStoreBusy)
	require.NotErrorIs(t, classify(&pgconn.PgError{Code: "23505"}), crawler.ErrStoreBusy)
}
