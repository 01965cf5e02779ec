package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/id/uuid"
	"github.com/JakeFAU/bucket-folder-stats/internal/lister"
	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
	remote "github.com/JakeFAU/bucket-folder-stats/internal/remote/memory"
	"github.com/JakeFAU/bucket-folder-stats/internal/retry"
	"github.com/JakeFAU/bucket-folder-stats/internal/storage/memory"
	"github.com/JakeFAU/bucket-folder-stats/internal/storage/sqlite"
)

var target = crawler.Target{Bucket: "bucket", Prefix: "data/"}

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func fixture() *remote.Lister {
	r := remote.New()
	r.Put("bucket",
		crawler.RemoteEntry{Name: "data/top.txt", Size: 1, Created: at(1), Updated: at(1)},
		crawler.RemoteEntry{Name: "data/a/", Created: at(5)},
		crawler.RemoteEntry{Name: "data/a/x.txt", Size: 100, Created: at(10), Updated: at(20)},
		crawler.RemoteEntry{Name: "data/a/y.txt", Size: 200, Created: at(15), Updated: at(30)},
		crawler.RemoteEntry{Name: "data/b/c/z.txt", Size: 50, Created: at(40), Updated: at(41)},
		crawler.RemoteEntry{Name: "other/ignored.txt", Size: 999},
	)
	return r
}

func testConfig() Config {
	return Config{
		GenerationPolicy: crawler.GenerationTruncate,
		Workers:          1,
		QueueCapacity:    4,
		WriterPoll:       5 * time.Millisecond,
		MonitorInterval:  5 * time.Millisecond,
		Lister: lister.Config{
			BatchSize: 2,
			Retry: retry.Policy{
				MaxRetries:    2,
				InitialDelay:  time.Millisecond,
				BackoffFactor: 2,
				Sleep:         func(context.Context, time.Duration) error { return nil },
			},
		},
	}
}

type reportSink struct {
	mu         sync.Mutex
	generation string
	stats      []crawler.PathStats
	calls      int
}

func (r *reportSink) Report(_ context.Context, generation string, stats []crawler.PathStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation = generation
	r.stats = stats
	r.calls++
	return nil
}

func newOrchestrator(t *testing.T, cfg Config, store crawler.Store, r crawler.RemoteLister, emitter progress.Emitter, sinks ...crawler.ReportSink) *Orchestrator {
	t.Helper()
	o, err := New(cfg, Deps{
		Store:   store,
		Remote:  r,
		IDs:     uuid.New(),
		Emitter: emitter,
		Reports: sinks,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return o
}

func statsByPath(stats []crawler.PathStats) map[string]crawler.PathStats {
	out := make(map[string]crawler.PathStats, len(stats))
	for _, st := range stats {
		out[st.Path] = st
	}
	return out
}

func requireFixtureStats(t *testing.T, stats []crawler.PathStats) {
	t.Helper()
	byPath := statsByPath(stats)
	require.Len(t, byPath, 2)

	a := byPath["data/a/"]
	require.Equal(t, int64(300), a.TotalSize)
	require.Equal(t, int64(2), a.FileCount)
	require.Equal(t, int64(1), a.FolderCount)
	require.True(t, a.EarliestCreated.Equal(at(5)))
	require.True(t, a.LatestUpdated.Equal(at(30)))

	c := byPath["data/b/c/"]
	require.Equal(t, int64(50), c.TotalSize)
	require.Equal(t, int64(1), c.FileCount)
	require.Equal(t, int64(0), c.FolderCount)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	_, err := New(Config{GenerationPolicy: crawler.GenerationTruncate}, Deps{Remote: remote.New(), IDs: uuid.New()})
	require.Error(t, err)
	_, err = New(Config{GenerationPolicy: crawler.GenerationTruncate}, Deps{Store: store, IDs: uuid.New()})
	require.Error(t, err)
	_, err = New(Config{GenerationPolicy: crawler.GenerationTruncate}, Deps{Store: store, Remote: remote.New()})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Store: store, Remote: remote.New(), IDs: uuid.New()})
	require.ErrorIs(t, err, crawler.ErrMalformedInput)

	o, err := New(Config{GenerationPolicy: crawler.GenerationVersion}, Deps{Store: store, Remote: remote.New(), IDs: uuid.New()})
	require.NoError(t, err)
	require.Equal(t, crawler.StateIdle, o.State())
	require.False(t, o.Cancel())
}

func TestRunCrawlsWholeHierarchy(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) crawler.Store{
		"memory": func(*testing.T) crawler.Store { return memory.NewStore() },
		"sqlite": func(t *testing.T) crawler.Store {
			s, err := sqlite.Open(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "crawl.db")})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := open(t)
			sink := &reportSink{}
			o := newOrchestrator(t, testConfig(), store, fixture(), nil, sink)

			res, err := o.Run(context.Background(), target)
			require.NoError(t, err)
			require.Equal(t, crawler.StateDone, res.State)
			require.Equal(t, crawler.StateDone, o.State())
			require.False(t, res.Cancelled)
			require.Empty(t, res.FoldersFailed)
			require.Equal(t, 3, res.FoldersProcessed)
			require.Equal(t, int64(4), res.Records)
			require.Equal(t, int64(350), res.Bytes)
			requireFixtureStats(t, res.Stats)

			require.Equal(t, 1, sink.calls)
			require.Equal(t, res.Generation, sink.generation)
			require.Equal(t, res.Stats, sink.stats)

			folders, err := store.ListFolders(context.Background())
			require.NoError(t, err)
			require.Equal(t, []crawler.FolderEntry{
				{Path: "data/a/", Processed: true},
				{Path: "data/b/", Processed: true},
				{Path: "data/b/c/", Processed: true},
			}, folders)

			cp, err := store.GetCheckpoint(context.Background())
			require.NoError(t, err)
			require.NotNil(t, cp)
		})
	}
}

func TestRunIncludeRootCountsDirectFiles(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.IncludeRoot = true
	cfg.Workers = 3
	o := newOrchestrator(t, cfg, memory.NewStore(), fixture(), nil)

	res, err := o.Run(context.Background(), target)
	require.NoError(t, err)
	byPath := statsByPath(res.Stats)
	require.Len(t, byPath, 3)
	require.Equal(t, int64(1), byPath["data/"].TotalSize)
	require.Equal(t, int64(1), byPath["data/"].FileCount)
	require.Equal(t, 4, res.FoldersProcessed)
}

type cancelAfterFolders struct {
	mu     sync.Mutex
	left   int
	cancel context.CancelFunc
}

func (c *cancelAfterFolders) Emit(evt progress.Event) {
	if evt.Stage != progress.StageFolderDone {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left--
	if c.left == 0 {
		c.cancel()
	}
}

func TestRunBucketRoot(t *testing.T) {
	t.Parallel()

	r := remote.New()
	r.Put("b",
		crawler.RemoteEntry{Name: "a/x.txt", Size: 100, Created: at(10), Updated: at(20)},
		crawler.RemoteEntry{Name: "a/y.txt", Size: 200, Created: at(15), Updated: at(30)},
	)
	root, err := crawler.ParseTarget("b/")
	require.NoError(t, err)
	o := newOrchestrator(t, testConfig(), memory.NewStore(), r, nil)

	res, err := o.Run(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, crawler.StateDone, res.State)
	require.Equal(t, 1, res.FoldersProcessed)
	require.Len(t, res.Stats, 1)
	a := res.Stats[0]
	require.Equal(t, "a/", a.Path)
	require.Equal(t, int64(300), a.TotalSize)
	require.Equal(t, int64(2), a.FileCount)
	require.Equal(t, int64(0), a.FolderCount)
	require.True(t, a.EarliestCreated.Equal(at(10)))
	require.True(t, a.LatestUpdated.Equal(at(30)))
}

func TestRunRefusesStoreOfAnotherTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.ActivateGeneration(ctx, false, crawler.GenerationTruncate, "one/d/", "00000000-0000-7000-8000-000000000001")
	require.NoError(t, err)
	require.NoError(t, store.UpsertFolders(ctx, []string{"d/a/", "d/b/"}))

	r := remote.New()
	r.Put("one", crawler.RemoteEntry{Name: "d/a/x.txt", Size: 1}, crawler.RemoteEntry{Name: "d/b/y.txt", Size: 2})
	r.Put("two", crawler.RemoteEntry{Name: "e/c/z.txt", Size: 3})
	o := newOrchestrator(t, testConfig(), store, r, nil)

	res, err := o.Run(ctx, crawler.Target{Bucket: "two", Prefix: "e/"})
	require.ErrorIs(t, err, crawler.ErrTargetMismatch)
	require.Equal(t, crawler.StateFailed, res.State)
	require.Zero(t, r.Calls("d/a/"))
	require.Zero(t, r.Calls("e/"))

	pending, err := store.ListUnprocessedFolders(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"d/a/", "d/b/"}, pending)

	cfg := testConfig()
	cfg.Fresh = true
	fresh := newOrchestrator(t, cfg, store, r, nil)
	res, err = fresh.Run(ctx, crawler.Target{Bucket: "two", Prefix: "e/"})
	require.NoError(t, err)
	require.Len(t, res.Stats, 1)
	require.Equal(t, "e/c/", res.Stats[0].Path)
}

func TestRunCancelBetweenFoldersThenResume(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	r := fixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newOrchestrator(t, testConfig(), store, r, &cancelAfterFolders{left: 1, cancel: cancel})
	res, err := o.Run(ctx, target)
	require.NoError(t, err)
	require.True(t, res.Cancelled)
	require.Equal(t, crawler.StateIdle, res.State)
	require.Nil(t, res.Stats)
	require.Equal(t, 1, res.FoldersProcessed)

	pending, err := store.ListUnprocessedFolders(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"data/b/"}, pending)
	cp, err := store.GetCheckpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, "data/a/", cp.LastProcessedFolder)

	resumed := newOrchestrator(t, testConfig(), store, r, nil)
	res2, err := resumed.Run(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, crawler.StateDone, res2.State)
	require.Equal(t, res.Generation, res2.Generation)
	require.Equal(t, 2, res2.FoldersProcessed)
	require.Equal(t, 1, r.Calls("data/a/"), "processed folders are not listed again")
	requireFixtureStats(t, res2.Stats)
}

func TestRunLeavesExhaustedFolderUnprocessed(t *testing.T) {
	t.Parallel()

	r := fixture()
	r.FailFor = func(prefix string, _ int) error {
		if prefix == "data/b/" {
			return errors.New("503 backend error")
		}
		return nil
	}
	store := memory.NewStore()
	o := newOrchestrator(t, testConfig(), store, r, nil)

	res, err := o.Run(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, crawler.StateDone, res.State)
	require.Equal(t, []string{"data/b/"}, res.FoldersFailed)
	require.Equal(t, 2, r.Calls("data/b/"))
	require.Equal(t, 1, o.Status().FoldersFailed)

	pending, err := store.ListUnprocessedFolders(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"data/b/"}, pending)
	require.Len(t, res.Stats, 1)
}

func TestRunFailsWhenTopLevelListingFails(t *testing.T) {
	t.Parallel()

	r := fixture()
	r.FailFor = func(string, int) error { return errors.New("unavailable") }
	o := newOrchestrator(t, testConfig(), memory.NewStore(), r, nil)

	res, err := o.Run(context.Background(), target)
	require.ErrorIs(t, err, crawler.ErrTransientRemote)
	require.Equal(t, crawler.StateFailed, res.State)
	require.Equal(t, crawler.StateFailed, o.State())
}

func TestRunResumesKnownFoldersWhenTopLevelListingFails(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	_, err := store.ActivateGeneration(context.Background(), false, crawler.GenerationTruncate, "", "00000000-0000-7000-8000-000000000001")
	require.NoError(t, err)
	require.NoError(t, store.UpsertFolders(context.Background(), []string{"data/a/"}))

	r := fixture()
	r.FailFor = func(prefix string, _ int) error {
		if prefix == "data/" {
			return errors.New("unavailable")
		}
		return nil
	}
	o := newOrchestrator(t, testConfig(), store, r, nil)
	res, err := o.Run(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, crawler.StateDone, res.State)
	require.Equal(t, 1, res.FoldersProcessed)
}

func TestRunFailsOnWriterError(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.InsertHook = func([]crawler.ObjectRecord) error {
		return errors.New("disk full")
	}
	o := newOrchestrator(t, testConfig(), store, fixture(), nil)

	res, err := o.Run(context.Background(), target)
	require.Error(t, err)
	require.True(t, crawler.IsFatal(err))
	require.Equal(t, crawler.StateFailed, res.State)

	pending, err := store.ListUnprocessedFolders(context.Background())
	require.NoError(t, err)
	require.Contains(t, pending, "data/a/")
}

func TestRunFreshTruncateDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	cfg := testConfig()
	cfg.Fresh = true

	first := newOrchestrator(t, cfg, store, fixture(), nil)
	res1, err := first.Run(context.Background(), target)
	require.NoError(t, err)

	second := newOrchestrator(t, cfg, store, fixture(), nil)
	res2, err := second.Run(context.Background(), target)
	require.NoError(t, err)
	require.NotEqual(t, res1.Generation, res2.Generation)
	require.Len(t, store.Records(), 4)
	requireFixtureStats(t, res2.Stats)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	r := fixture()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	r.OnEntry = func(prefix string, _ crawler.RemoteEntry) {
		if prefix == "data/a/" {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
	}
	o := newOrchestrator(t, testConfig(), memory.NewStore(), r, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), target)
		done <- err
	}()
	<-entered
	require.Equal(t, crawler.StateCrawling, o.State())
	_, err := o.Run(context.Background(), target)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	st := o.Status()
	require.Equal(t, "bucket/data/", st.Target)
	require.NotEmpty(t, st.Generation)
	close(release)
	require.NoError(t, <-done)
}

func TestCancelStopsActiveRun(t *testing.T) {
	t.Parallel()

	r := fixture()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	r.OnEntry = func(prefix string, _ crawler.RemoteEntry) {
		if prefix == "data/a/" {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
	}
	o := newOrchestrator(t, testConfig(), memory.NewStore(), r, nil)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Run(context.Background(), target)
		done <- outcome{res, err}
	}()
	<-entered
	require.True(t, o.Cancel())
	close(release)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.True(t, out.res.Cancelled)
		require.Equal(t, crawler.StateIdle, out.res.State)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after Cancel")
	}
	require.Equal(t, crawler.StateIdle, o.State())
	require.False(t, o.Cancel())
}
