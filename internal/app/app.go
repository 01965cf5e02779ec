// Package app builds and holds the long-lived services of the crawler: the
// durable store, remote listing clients, progress hub, publishers, report
// sinks and the status API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/bucket-folder-stats/internal/api"
	"github.com/JakeFAU/bucket-folder-stats/internal/clock/system"
	"github.com/JakeFAU/bucket-folder-stats/internal/config"
	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/id/uuid"
	"github.com/JakeFAU/bucket-folder-stats/internal/lister"
	"github.com/JakeFAU/bucket-folder-stats/internal/orchestrator"
	"github.com/JakeFAU/bucket-folder-stats/internal/policy/ratelimit"
	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
	progresssinks "github.com/JakeFAU/bucket-folder-stats/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/bucket-folder-stats/internal/publisher/pubsub"
	gcsremote "github.com/JakeFAU/bucket-folder-stats/internal/remote/gcs"
	memoryremote "github.com/JakeFAU/bucket-folder-stats/internal/remote/memory"
	s3remote "github.com/JakeFAU/bucket-folder-stats/internal/remote/s3"
	"github.com/JakeFAU/bucket-folder-stats/internal/report"
	memorystore "github.com/JakeFAU/bucket-folder-stats/internal/storage/memory"
	pgstore "github.com/JakeFAU/bucket-folder-stats/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/bucket-folder-stats/internal/storage/sqlite"
)

// Option overrides a dependency, mostly for tests.
type Option func(*App)

// WithStore uses store instead of the configured driver.
func WithStore(store crawler.Store) Option {
	return func(a *App) { a.store = store }
}

// WithRemote uses remote instead of the configured provider.
func WithRemote(remote crawler.RemoteLister) Option {
	return func(a *App) { a.remote = remote }
}

// WithPublisher publishes progress and reports to p instead of Pub/Sub.
func WithPublisher(p crawler.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithRegisterer registers progress collectors against reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithClock replaces the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// App contains the application's dependencies. Remote clients and
// publishers are only created when a crawl starts, so read-only commands
// need no cloud credentials.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      crawler.Clock
	registerer prometheus.Registerer

	store   crawler.Store
	reports *report.Memory
	api     *api.Server

	mu              sync.Mutex
	prepared        bool
	remote          crawler.RemoteLister
	gcsClient       *storage.Client
	publisher       crawler.Publisher
	pubsubPublisher *gcppublisher.Publisher
	progressHub     *progress.Hub
	orch            *orchestrator.Orchestrator
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	a.logger.Info("building application dependencies",
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("remote_provider", cfg.Remote.Provider),
		zap.String("generation_policy", cfg.Crawl.GenerationPolicy),
	)
	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	a.reports = report.NewMemory(a.clock)
	a.api = api.NewServer(api.Options{
		Crawl:   a,
		Store:   a.store,
		Reports: a.reports,
		APIKey:  cfg.Server.APIKey,
		Logger:  a.logger,
	})
	return a, nil
}

// Store returns the durable store.
func (a *App) Store() crawler.Store {
	return a.store
}

// Handler returns the status API handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Status reports the active or last crawl.
func (a *App) Status() orchestrator.Status {
	a.mu.Lock()
	o := a.orch
	a.mu.Unlock()
	if o == nil {
		return orchestrator.Status{State: crawler.StateIdle}
	}
	return o.Status()
}

// Cancel stops the active crawl, if any.
func (a *App) Cancel() bool {
	a.mu.Lock()
	o := a.orch
	a.mu.Unlock()
	return o != nil && o.Cancel()
}

// Crawl runs one crawl of target. fresh starts a new generation instead of
// resuming the latest one.
func (a *App) Crawl(ctx context.Context, target crawler.Target, fresh bool) (orchestrator.Result, error) {
	if err := a.prepareCrawl(ctx); err != nil {
		return orchestrator.Result{}, err
	}
	o, err := a.newOrchestrator(fresh)
	if err != nil {
		return orchestrator.Result{}, err
	}
	a.mu.Lock()
	if a.orch != nil && a.orch.State() != crawler.StateIdle && !a.orch.State().Terminal() {
		a.mu.Unlock()
		return orchestrator.Result{}, orchestrator.ErrAlreadyRunning
	}
	a.orch = o
	a.mu.Unlock()
	return o.Run(ctx, target)
}

// Folders lists the durable worklist.
func (a *App) Folders(ctx context.Context, unprocessedOnly bool) ([]crawler.FolderEntry, error) {
	if err := a.store.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	all, err := a.store.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	if !unprocessedOnly {
		return all, nil
	}
	out := all[:0]
	for _, f := range all {
		if !f.Processed {
			out = append(out, f)
		}
	}
	return out, nil
}

// ErrNoCrawl is returned by Report when the store holds no crawl.
var ErrNoCrawl = errors.New("no crawl recorded in the store")

// Report aggregates the latest generation in the store.
func (a *App) Report(ctx context.Context) (report.Report, error) {
	store := a.store
	if err := store.InitSchema(ctx); err != nil {
		return report.Report{}, fmt.Errorf("init schema: %w", err)
	}
	prog, err := store.FolderProgress(ctx)
	if err != nil {
		return report.Report{}, fmt.Errorf("folder progress: %w", err)
	}
	if prog.Total == 0 {
		return report.Report{}, ErrNoCrawl
	}
	gen, err := store.ActivateGeneration(ctx, false, a.cfg.Policy(), "", "")
	if err != nil {
		return report.Report{}, fmt.Errorf("activate generation: %w", err)
	}
	if prog.Remaining() > 0 {
		a.logger.Warn("report covers a partial crawl", zap.Int("folders_remaining", prog.Remaining()))
	}
	stats, err := store.AggregateByPath(ctx)
	if err != nil {
		return report.Report{}, fmt.Errorf("aggregate by path: %w", err)
	}
	return report.Build(gen, stats, a.clock.Now()), nil
}

// Serve runs the status API until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) setupStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	cfg := a.cfg.Store
	var err error
	switch cfg.Driver {
	case "sqlite":
		a.store, err = sqlitestore.Open(ctx, sqlitestore.Config{
			Path:        cfg.Path,
			BusyRetries: cfg.BusyRetries,
			BusyBackoff: cfg.BusyBackoff,
			BusyTimeout: cfg.BusyTimeout,
			Logger:      a.logger.Named("sqlite"),
		})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.logger.Info("using sqlite store", zap.String("path", cfg.Path))
	case "postgres":
		a.store, err = pgstore.New(ctx, pgstore.Config{
			DSN:         cfg.DSN,
			BusyRetries: cfg.BusyRetries,
			BusyBackoff: cfg.BusyBackoff,
			Logger:      a.logger.Named("postgres"),
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.logger.Info("using postgres store")
	case "memory":
		a.logger.Warn("using in-memory store; crawl state will not survive the process")
		a.store = memorystore.NewStore()
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	return nil
}

// prepareCrawl creates the remote client, publisher and progress hub once.
func (a *App) prepareCrawl(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prepared {
		return nil
	}
	if err := a.setupRemote(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupProgress(ctx); err != nil {
		return err
	}
	a.prepared = true
	return nil
}

func (a *App) setupRemote(ctx context.Context) error {
	if a.remote != nil {
		return nil
	}
	cfg := a.cfg.Remote
	switch cfg.Provider {
	case "gcs":
		var opts []option.ClientOption
		if cfg.GCS.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.GCS.Endpoint))
		}
		if cfg.GCS.WithoutAuth {
			opts = append(opts, option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		l, err := gcsremote.New(client)
		if err != nil {
			return fmt.Errorf("gcs lister init failed: %w", err)
		}
		a.remote = l
		a.logger.Info("using GCS remote", zap.String("endpoint", cfg.GCS.Endpoint))
	case "s3":
		l, err := s3remote.New(s3remote.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 lister init failed: %w", err)
		}
		a.remote = l
		a.logger.Info("using S3 remote", zap.String("endpoint", cfg.S3.Endpoint))
	case "memory":
		a.logger.Warn("using empty in-memory remote")
		a.remote = memoryremote.New()
	default:
		return fmt.Errorf("unknown remote provider %q", cfg.Provider)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisher != nil || !a.cfg.PubSub.Enabled {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub, err := gcppublisher.New(client, a.cfg.PubSub.Topic)
	if err != nil {
		_ = client.Close()
		return err
	}
	a.pubsubPublisher = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	sinks := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return err
	}
	sinks = append(sinks, promSink)
	if a.publisher != nil {
		sinks = append(sinks, progresssinks.NewPublishSink(a.publisher, "", a.logger.Named("progress_publish")))
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinks...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinks)))
	return nil
}

func (a *App) newOrchestrator(fresh bool) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	reports := []crawler.ReportSink{a.reports, report.NewLogSink(a.logger)}
	if a.publisher != nil {
		reports = append(reports, report.NewPublishSink(a.publisher, "", a.clock))
	}
	return orchestrator.New(orchestrator.Config{
		Fresh:            fresh,
		GenerationPolicy: cfg.Policy(),
		IncludeRoot:      cfg.Crawl.IncludeRoot,
		Workers:          cfg.Crawl.Workers,
		QueueCapacity:    cfg.Crawl.QueueCapacity,
		WriterPoll:       cfg.Crawl.WriterPoll,
		MonitorInterval:  cfg.Crawl.MonitorInterval,
		Lister: lister.Config{
			BatchSize: cfg.Crawl.BatchSize,
			Retry:     cfg.RemoteRetry(),
		},
	}, orchestrator.Deps{
		Store:  a.store,
		Remote: a.remote,
		IDs:    uuid.New(),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Remote.RequestsPerSecond,
			DefaultBurst: cfg.Remote.Burst,
		}),
		Clock:   a.clock,
		Emitter: a.progressHub,
		Reports: reports,
		Logger:  a.logger,
	})
}
