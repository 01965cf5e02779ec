// Package lister turns remote listings into normalized records and pushes
// them to the work queue in bounded batches.
package lister

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/metrics"
	"github.com/JakeFAU/bucket-folder-stats/internal/policy/ratelimit"
	"github.com/JakeFAU/bucket-folder-stats/internal/queue/memory"
	"github.com/JakeFAU/bucket-folder-stats/internal/retry"
)

// DefaultBatchSize bounds how many records travel in one queue item.
const DefaultBatchSize = 11000

// Config tunes batching and remote retries.
type Config struct {
	BatchSize int
	Retry     retry.Policy
}

// DefaultRetry is the listing retry policy: 3 attempts, 1s initial delay,
// doubling.
func DefaultRetry() retry.Policy {
	return retry.Policy{MaxRetries: 3, InitialDelay: time.Second, BackoffFactor: 2}
}

// FolderResult describes one completed (or cancelled) folder listing.
type FolderResult struct {
	Folder     string
	Records    int
	Bytes      int64
	Subfolders []string
	Batches    int
	// Cancelled reports that ctx ended before the listing finished. No
	// commit acknowledgement is pending in that case.
	Cancelled bool
	// Committed receives the writer's outcome for the final batch.
	Committed <-chan error
}

// Lister reads folders from a remote store.
type Lister struct {
	remote  crawler.RemoteLister
	queue   crawler.BatchQueue
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *zap.Logger
}

// New builds a Lister. limiter may be nil.
func New(remote crawler.RemoteLister, queue crawler.BatchQueue, limiter *ratelimit.Limiter, cfg Config, logger *zap.Logger) (*Lister, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote lister is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("batch queue is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{
		remote:  remote,
		queue:   queue,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.Named("lister"),
	}, nil
}

// Records streams the normalized records of one folder listing. The stream
// is lazy and single-use; it ends early without an error when ctx is done.
func (l *Lister) Records(ctx context.Context, bucket, folder string) iter.Seq2[crawler.ObjectRecord, error] {
	seq, _ := l.records(ctx, bucket, folder)
	return seq
}

// records also returns an accessor for the sub-prefixes, which is complete
// once the sequence has been fully consumed.
func (l *Lister) records(ctx context.Context, bucket, folder string) (iter.Seq2[crawler.ObjectRecord, error], func() []string) {
	var listing crawler.Listing
	prefixes := func() []string {
		if listing == nil {
			return nil
		}
		return listing.Prefixes()
	}
	seq := func(yield func(crawler.ObjectRecord, error) bool) {
		var err error
		listing, err = l.open(ctx, bucket, folder)
		if err != nil {
			if ctx.Err() == nil {
				yield(crawler.ObjectRecord{}, err)
			}
			return
		}
		defer listing.Close()
		for {
			if ctx.Err() != nil {
				return
			}
			entry, err := listing.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					yield(crawler.ObjectRecord{}, err)
				}
				return
			}
			if !yield(crawler.NormalizeEntry(folder, entry), nil) {
				return
			}
		}
	}
	return seq, prefixes
}

func (l *Lister) open(ctx context.Context, bucket, prefix string) (crawler.Listing, error) {
	if err := l.limiter.Wait(ctx, bucket); err != nil {
		return nil, err
	}
	listing, err := l.remote.List(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("open listing %q: %w", prefix, err)
	}
	return listing, nil
}

// ListFolder lists folder and pushes its records to the queue. The whole
// attempt is retried; every attempt's first batch resets rows written by
// earlier attempts.
func (l *Lister) ListFolder(ctx context.Context, bucket, folder string) (FolderResult, error) {
	logger := l.logger.With(zap.String("bucket", bucket), zap.String("folder", folder))
	res, err := retry.Do(ctx, l.policy(bucket, logger), func(ctx context.Context) (FolderResult, error) {
		return l.attempt(ctx, bucket, folder)
	})
	if err != nil {
		if ctx.Err() != nil {
			return FolderResult{Folder: folder, Cancelled: true}, nil
		}
		return FolderResult{Folder: folder}, fmt.Errorf("list folder %q: %w", folder, exhausted(err))
	}
	return res, nil
}

func (l *Lister) attempt(ctx context.Context, bucket, folder string) (FolderResult, error) {
	res := FolderResult{Folder: folder}
	pending := make([]crawler.ObjectRecord, 0, l.cfg.BatchSize)
	reset := true
	push := func(final bool) error {
		batch := crawler.Batch{Folder: folder, Records: pending, Reset: reset}
		var ack chan error
		if final {
			ack = make(chan error, 1)
			batch.Committed = ack
		}
		if err := l.queue.Push(ctx, batch); err != nil {
			return err
		}
		if final {
			res.Committed = ack
		}
		reset = false
		res.Batches++
		pending = make([]crawler.ObjectRecord, 0, l.cfg.BatchSize)
		return nil
	}

	seq, prefixes := l.records(ctx, bucket, folder)
	for rec, err := range seq {
		if err != nil {
			return FolderResult{}, err
		}
		pending = append(pending, rec)
		res.Records++
		if rec.Kind == crawler.KindFile {
			res.Bytes += rec.Size
		}
		if len(pending) >= l.cfg.BatchSize {
			if err := push(false); err != nil {
				return l.pushFailed(ctx, res, err)
			}
		}
	}
	if ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}
	res.Subfolders = prefixes()
	if err := push(true); err != nil {
		return l.pushFailed(ctx, res, err)
	}
	return res, nil
}

func (l *Lister) pushFailed(ctx context.Context, res FolderResult, err error) (FolderResult, error) {
	if ctx.Err() != nil {
		res.Cancelled = true
		res.Committed = nil
		return res, nil
	}
	return FolderResult{}, fmt.Errorf("push batch: %w", err)
}

// Subfolders returns the immediate sub-prefixes of prefix.
func (l *Lister) Subfolders(ctx context.Context, bucket, prefix string) ([]string, error) {
	logger := l.logger.With(zap.String("bucket", bucket), zap.String("prefix", prefix))
	subs, err := retry.Do(ctx, l.policy(bucket, logger), func(ctx context.Context) ([]string, error) {
		seq, prefixes := l.records(ctx, bucket, prefix)
		for _, err := range seq {
			if err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return prefixes(), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("list subfolders %q: %w", prefix, ctx.Err())
		}
		return nil, fmt.Errorf("list subfolders %q: %w", prefix, exhausted(err))
	}
	return subs, nil
}

func (l *Lister) policy(bucket string, logger *zap.Logger) retry.Policy {
	p := l.cfg.Retry
	p.Retryable = func(err error) bool {
		return !errors.Is(err, crawler.ErrNotFound) &&
			!errors.Is(err, crawler.ErrMalformedInput) &&
			!errors.Is(err, memory.ErrClosed)
	}
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ObserveRemoteRetry(bucket)
		logger.Warn("remote listing failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return p
}

// exhausted marks a spent retry budget as a transient remote failure.
func exhausted(err error) error {
	if errors.Is(err, crawler.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %w", crawler.ErrTransientRemote, err)
	}
	return err
}
