// Package writer drains the batch queue into the store. It is the only
// component that inserts object records.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/clock/system"
	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/metrics"
	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
	"github.com/JakeFAU/bucket-folder-stats/internal/queue/memory"
)

// DefaultPollTimeout is how long one Pop waits before re-checking shutdown.
const DefaultPollTimeout = time.Second

// Config tunes the writer loop.
type Config struct {
	PollTimeout time.Duration
	// CrawlID tags emitted progress events.
	CrawlID [16]byte
}

// Writer commits queued batches.
type Writer struct {
	queue   crawler.BatchQueue
	store   crawler.Store
	cfg     Config
	logger  *zap.Logger
	emitter progress.Emitter
	clock   crawler.Clock
}

// New builds a Writer. emitter and clock may be nil.
func New(queue crawler.BatchQueue, store crawler.Store, cfg Config, emitter progress.Emitter, clock crawler.Clock, logger *zap.Logger) (*Writer, error) {
	if queue == nil {
		return nil, fmt.Errorf("batch queue is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		queue:   queue,
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("writer"),
		emitter: emitter,
		clock:   clock,
	}, nil
}

// Run pops batches until the queue is closed and drained, ctx is done while
// the queue is idle, or a batch fails to commit. Store writes are detached
// from ctx so a batch that was dequeued is always committed or reported.
func (w *Writer) Run(ctx context.Context) error {
	storeCtx := context.WithoutCancel(ctx)
	var committed int
	for {
		batch, err := w.queue.Pop(w.cfg.PollTimeout)
		switch {
		case errors.Is(err, memory.ErrEmpty):
			if ctx.Err() != nil {
				w.logger.Info("writer stopping on shutdown", zap.Int("records_committed", committed))
				return nil
			}
			continue
		case errors.Is(err, memory.ErrClosed):
			w.logger.Info("writer drained queue", zap.Int("records_committed", committed))
			return nil
		case err != nil:
			return crawler.Fatal("writer", fmt.Errorf("pop batch: %w", err))
		}

		if err := w.commit(storeCtx, batch); err != nil {
			acknowledge(batch, err)
			w.logger.Error("batch commit failed",
				zap.String("folder", batch.Folder),
				zap.Int("records", len(batch.Records)),
				zap.Error(err),
			)
			return crawler.Fatal("writer", err)
		}
		committed += len(batch.Records)
		acknowledge(batch, nil)
	}
}

func (w *Writer) commit(ctx context.Context, batch crawler.Batch) error {
	start := w.clock.Now()
	if batch.Reset {
		if err := w.store.ResetFolder(ctx, batch.Folder); err != nil {
			return fmt.Errorf("reset folder %q: %w", batch.Folder, err)
		}
	}
	if len(batch.Records) == 0 {
		return nil
	}
	if err := w.store.InsertObjectBatch(ctx, batch.Records); err != nil {
		return fmt.Errorf("insert batch for %q: %w", batch.Folder, err)
	}
	metrics.ObserveCommit(len(batch.Records))
	var bytes int64
	for _, rec := range batch.Records {
		bytes += rec.Size
	}
	now := w.clock.Now()
	w.emitter.Emit(progress.Event{
		CrawlID: w.cfg.CrawlID,
		TS:      now,
		Stage:   progress.StageBatchCommitted,
		Folder:  batch.Folder,
		Records: int64(len(batch.Records)),
		Bytes:   bytes,
		Dur:     max(now.Sub(start), 0),
	})
	w.logger.Debug("batch committed",
		zap.String("folder", batch.Folder),
		zap.Int("records", len(batch.Records)),
	)
	return nil
}

func acknowledge(batch crawler.Batch, err error) {
	if batch.Committed == nil {
		return
	}
	select {
	case batch.Committed <- err:
	default:
	}
}
