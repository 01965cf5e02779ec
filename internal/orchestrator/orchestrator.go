// Package orchestrator drives a crawl through its states: it seeds the
// folder worklist, fans folders out to listers, drains the writer and
// aggregates the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/clock/system"
	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/dispatcher"
	"github.com/JakeFAU/bucket-folder-stats/internal/lister"
	"github.com/JakeFAU/bucket-folder-stats/internal/metrics"
	"github.com/JakeFAU/bucket-folder-stats/internal/monitor"
	"github.com/JakeFAU/bucket-folder-stats/internal/policy/ratelimit"
	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
	"github.com/JakeFAU/bucket-folder-stats/internal/queue/memory"
	"github.com/JakeFAU/bucket-folder-stats/internal/writer"
)

// Config holds crawl tuning.
type Config struct {
	Fresh            bool
	GenerationPolicy crawler.GenerationPolicy
	IncludeRoot      bool
	Workers          int
	QueueCapacity    int
	WriterPoll       time.Duration
	MonitorInterval  time.Duration
	Lister           lister.Config
}

// Deps are the collaborators of a crawl. Limiter, Clock, Emitter and Logger
// are optional.
type Deps struct {
	Store   crawler.Store
	Remote  crawler.RemoteLister
	IDs     crawler.IDGenerator
	Limiter *ratelimit.Limiter
	Clock   crawler.Clock
	Emitter progress.Emitter
	Reports []crawler.ReportSink
	Logger  *zap.Logger
}

// Result summarizes a finished Run.
type Result struct {
	State            crawler.State
	Generation       string
	FoldersProcessed int
	FoldersFailed    []string
	Records          int64
	Bytes            int64
	Stats            []crawler.PathStats
	Cancelled        bool
	Duration         time.Duration
}

// Status is a point-in-time view of the orchestrator for status endpoints.
type Status struct {
	State            crawler.State `json:"state"`
	Target           string        `json:"target,omitempty"`
	Generation       string        `json:"generation,omitempty"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	QueueDepth       int           `json:"queue_depth"`
	FoldersProcessed int           `json:"folders_processed"`
	FoldersFailed    int           `json:"folders_failed"`
	Records          int64         `json:"records"`
}

// ErrAlreadyRunning is returned when Run is called during another run.
var ErrAlreadyRunning = errors.New("crawl already running")

// Orchestrator runs crawls one at a time.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu      sync.RWMutex
	state   crawler.State
	running bool
	cancel  context.CancelFunc
	queue   *memory.Queue
	run     *runState
}

type runState struct {
	target     crawler.Target
	generation string
	crawlID    [16]byte
	startedAt  time.Time

	mu        sync.Mutex
	processed int
	records   int64
	bytes     int64
	failed    map[string]error
}

// New validates deps and returns an idle Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("remote lister is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if !cfg.GenerationPolicy.Valid() {
		return nil, fmt.Errorf("%w: generation policy must be %q or %q",
			crawler.ErrMalformedInput, crawler.GenerationTruncate, crawler.GenerationVersion)
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("orchestrator"),
		state:  crawler.StateIdle,
	}, nil
}

// State returns the current state.
func (o *Orchestrator) State() crawler.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Status reports progress of the current or last run.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	st := Status{State: o.state}
	q, run := o.queue, o.run
	if run != nil {
		started := run.startedAt
		st.Target = run.target.String()
		st.Generation = run.generation
		st.StartedAt = &started
	}
	o.mu.RUnlock()
	if q != nil {
		st.QueueDepth = q.Len()
	}
	if run != nil {
		run.mu.Lock()
		st.FoldersProcessed = run.processed
		st.FoldersFailed = len(run.failed)
		st.Records = run.records
		run.mu.Unlock()
	}
	return st
}

// Cancel stops the active run. It reports whether a run was active.
func (o *Orchestrator) Cancel() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.running || o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

func (o *Orchestrator) setState(s crawler.State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Info("state transition", zap.String("from", string(prev)), zap.String("to", string(s)))
}

// Run executes one crawl of target. Cancelling ctx stops the crawl after
// in-flight batches are committed and returns a cancelled Result with a nil
// error; the next Run resumes from the store.
func (o *Orchestrator) Run(ctx context.Context, target crawler.Target) (Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	o.running = true
	o.cancel = cancel
	run := &runState{target: target, startedAt: o.deps.Clock.Now(), failed: map[string]error{}}
	o.run = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	logger := o.logger.With(zap.String("target", target.String()))
	res, err := o.execute(runCtx, target, run, logger)
	res.Duration = o.deps.Clock.Now().Sub(run.startedAt)
	switch {
	case err != nil:
		o.setState(crawler.StateFailed)
		res.State = crawler.StateFailed
		o.emit(run, progress.StageCrawlError, "", 0, 0, res.Duration, err.Error())
		logger.Error("crawl failed", zap.Error(err))
	case res.Cancelled:
		o.setState(crawler.StateIdle)
		res.State = crawler.StateIdle
		o.emit(run, progress.StageCrawlError, "", 0, 0, res.Duration, progress.NoteCancelled)
		logger.Info("crawl stopped before completion",
			zap.Int("folders_processed", res.FoldersProcessed),
			zap.Int64("records", res.Records),
		)
	default:
		o.setState(crawler.StateDone)
		res.State = crawler.StateDone
		o.emit(run, progress.StageCrawlDone, "", res.Records, res.Bytes, res.Duration, "")
		logger.Info("crawl complete",
			zap.Int("folders_processed", res.FoldersProcessed),
			zap.Int("folders_failed", len(res.FoldersFailed)),
			zap.Int64("records", res.Records),
			zap.Int("paths", len(res.Stats)),
			zap.Duration("duration", res.Duration),
		)
	}
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, target crawler.Target, run *runState, logger *zap.Logger) (Result, error) {
	// INIT
	o.setState(crawler.StateInit)
	store := o.deps.Store
	if err := store.InitSchema(ctx); err != nil {
		return o.stopped(ctx, run, fmt.Errorf("init schema: %w", err))
	}
	newID, err := o.deps.IDs.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("new generation id: %w", err)
	}
	gen, err := store.ActivateGeneration(ctx, o.cfg.Fresh, o.cfg.GenerationPolicy, target.String(), newID)
	if err != nil {
		return o.stopped(ctx, run, fmt.Errorf("activate generation: %w", err))
	}
	o.mu.Lock()
	run.generation = gen
	run.crawlID = progress.ParseCrawlID(gen)
	o.mu.Unlock()
	logger = logger.With(zap.String("generation", gen))
	cp, err := store.GetCheckpoint(ctx)
	if err != nil {
		return o.stopped(ctx, run, fmt.Errorf("get checkpoint: %w", err))
	}
	if cp != nil {
		logger.Info("resuming crawl",
			zap.String("last_processed_folder", cp.LastProcessedFolder),
			zap.Time("checkpoint_at", cp.Timestamp),
		)
	}
	o.emit(run, progress.StageCrawlStart, "", 0, 0, 0, target.String())

	q := memory.NewQueue(o.cfg.QueueCapacity)
	o.mu.Lock()
	o.queue = q
	o.mu.Unlock()
	l, err := lister.New(o.deps.Remote, q, o.deps.Limiter, o.cfg.Lister, o.deps.Logger)
	if err != nil {
		return Result{}, err
	}

	// LISTING_FOLDERS
	o.setState(crawler.StateListingFolders)
	if err := o.seedFolders(ctx, l, target, logger); err != nil {
		return o.stopped(ctx, run, err)
	}

	// CRAWLING
	o.setState(crawler.StateCrawling)
	crawlCtx, cancelCrawl := context.WithCancelCause(ctx)
	defer cancelCrawl(nil)

	w, err := writer.New(q, store, writer.Config{PollTimeout: o.cfg.WriterPoll, CrawlID: run.crawlID},
		o.deps.Emitter, o.deps.Clock, o.deps.Logger)
	if err != nil {
		return Result{}, err
	}
	writerDone := make(chan error, 1)
	go func() {
		// the writer stops on the sentinel, never on cancellation
		err := w.Run(context.WithoutCancel(crawlCtx))
		if err != nil {
			cancelCrawl(err)
		}
		writerDone <- err
	}()
	monCtx, stopMonitor := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMonitor()
	mon := monitor.New(q,
		monitor.WithInterval(o.cfg.MonitorInterval),
		monitor.WithEmitter(o.deps.Emitter, run.crawlID),
		monitor.WithLogger(o.deps.Logger),
	)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		mon.Watch(monCtx)
	}()

	crawlErr := o.crawl(crawlCtx, l, target.Bucket, run, logger)

	// DRAINING
	o.setState(crawler.StateDraining)
	q.Close()
	writerErr := <-writerDone
	stopMonitor()
	<-monitorDone
	metrics.SetQueueDepth(0)

	res := o.result(run)
	if writerErr != nil {
		return res, writerErr
	}
	if crawlErr != nil && !crawler.IsShutdown(crawlErr) {
		return res, crawlErr
	}
	if ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}

	// DONE
	stats, err := store.AggregateByPath(context.WithoutCancel(ctx))
	if err != nil {
		return res, fmt.Errorf("aggregate by path: %w", err)
	}
	res.Stats = stats
	for _, sink := range o.deps.Reports {
		if err := sink.Report(context.WithoutCancel(ctx), gen, stats); err != nil {
			logger.Warn("report sink failed", zap.Error(err))
		}
	}
	return res, nil
}

// stopped turns an error caused by cancellation into a cancelled result.
func (o *Orchestrator) stopped(ctx context.Context, run *runState, err error) (Result, error) {
	if ctx.Err() != nil {
		res := o.result(run)
		res.Cancelled = true
		return res, nil
	}
	return Result{Generation: run.generation}, err
}

func (o *Orchestrator) seedFolders(ctx context.Context, l *lister.Lister, target crawler.Target, logger *zap.Logger) error {
	store := o.deps.Store
	subs, err := l.Subfolders(ctx, target.Bucket, target.Prefix)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		pending, lerr := store.ListUnprocessedFolders(ctx)
		if lerr != nil || len(pending) == 0 {
			return fmt.Errorf("list top-level folders: %w", err)
		}
		logger.Warn("top-level listing failed, resuming known folders",
			zap.Int("pending", len(pending)),
			zap.Error(err),
		)
		return nil
	}
	folders := subs
	if o.cfg.IncludeRoot {
		folders = append([]string{target.Prefix}, subs...)
	}
	if err := store.UpsertFolders(ctx, folders); err != nil {
		return fmt.Errorf("seed folders: %w", err)
	}
	logger.Info("folder worklist seeded", zap.Int("folders", len(folders)))
	return nil
}

// crawl repeatedly processes unprocessed folders until none remain, ctx is
// done, or a fatal error occurs. Subfolders found while listing are added to
// the worklist and picked up by the next pass.
func (o *Orchestrator) crawl(ctx context.Context, l *lister.Lister, bucket string, run *runState, logger *zap.Logger) error {
	d := dispatcher.New(o.cfg.Workers)
	for ctx.Err() == nil {
		pending, err := o.deps.Store.ListUnprocessedFolders(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return crawler.Fatal("orchestrator", fmt.Errorf("list unprocessed folders: %w", err))
		}
		todo := run.withoutFailed(pending)
		if len(todo) == 0 {
			return nil
		}
		logger.Info("crawling folders", zap.Int("folders", len(todo)), zap.Int("workers", d.Workers()))
		if err := d.Run(ctx, todo, func(ctx context.Context, folder string) error {
			return o.processFolder(ctx, l, bucket, folder, run, logger)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) processFolder(ctx context.Context, l *lister.Lister, bucket, folder string, run *runState, logger *zap.Logger) error {
	start := o.deps.Clock.Now()
	o.emit(run, progress.StageFolderStart, folder, 0, 0, 0, "")
	res, err := l.ListFolder(ctx, bucket, folder)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
			return nil
		}
		run.fail(folder, err)
		o.emit(run, progress.StageFolderFailed, folder, 0, 0, 0, err.Error())
		logger.Warn("folder left unprocessed", zap.String("folder", folder), zap.Error(err))
		return nil
	}
	if res.Cancelled {
		return nil
	}
	select {
	case err := <-res.Committed:
		if err != nil {
			return crawler.Fatal("writer", err)
		}
	case <-ctx.Done():
		return nil
	}

	// the folder's rows are durable; record that even if shutdown starts now
	storeCtx := context.WithoutCancel(ctx)
	store := o.deps.Store
	if err := store.UpsertFolders(storeCtx, res.Subfolders); err != nil {
		return crawler.Fatal("orchestrator", fmt.Errorf("upsert subfolders of %q: %w", folder, err))
	}
	if err := store.MarkFolderProcessed(storeCtx, folder); err != nil {
		return crawler.Fatal("orchestrator", fmt.Errorf("mark %q processed: %w", folder, err))
	}
	now := o.deps.Clock.Now()
	if err := store.SetCheckpoint(storeCtx, folder, now); err != nil {
		return crawler.Fatal("orchestrator", fmt.Errorf("checkpoint %q: %w", folder, err))
	}
	run.done(res)
	o.emit(run, progress.StageFolderDone, folder, int64(res.Records), res.Bytes, max(now.Sub(start), 0), "")
	logger.Debug("folder processed",
		zap.String("folder", folder),
		zap.Int("records", res.Records),
		zap.Int("subfolders", len(res.Subfolders)),
	)
	return nil
}

func (o *Orchestrator) emit(run *runState, stage progress.Stage, folder string, records, bytes int64, dur time.Duration, note string) {
	o.deps.Emitter.Emit(progress.Event{
		CrawlID: run.crawlID,
		TS:      o.deps.Clock.Now(),
		Stage:   stage,
		Folder:  folder,
		Records: records,
		Bytes:   bytes,
		Dur:     dur,
		Note:    note,
	})
}

func (o *Orchestrator) result(run *runState) Result {
	run.mu.Lock()
	defer run.mu.Unlock()
	failed := make([]string, 0, len(run.failed))
	for f := range run.failed {
		failed = append(failed, f)
	}
	sort.Strings(failed)
	return Result{
		Generation:       run.generation,
		FoldersProcessed: run.processed,
		FoldersFailed:    failed,
		Records:          run.records,
		Bytes:            run.bytes,
	}
}

func (r *runState) fail(folder string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[folder] = err
}

func (r *runState) done(res lister.FolderResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	r.records += int64(res.Records)
	r.bytes += res.Bytes
}

func (r *runState) withoutFailed(folders []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := folders[:0]
	for _, f := range folders {
		if _, bad := r.failed[f]; !bad {
			out = append(out, f)
		}
	}
	return out
}
