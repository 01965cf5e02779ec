// Package monitor samples the work queue depth while a crawl runs.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/clock/system"
	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/metrics"
	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 5 * time.Second

// Monitor observes a queue without mutating it.
type Monitor struct {
	queue    crawler.BatchQueue
	interval time.Duration
	crawlID  [16]byte
	emitter  progress.Emitter
	clock    crawler.Clock
	logger   *zap.Logger
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithEmitter sends QUEUE_DEPTH events tagged with crawlID.
func WithEmitter(e progress.Emitter, crawlID [16]byte) Option {
	return func(m *Monitor) {
		if e != nil {
			m.emitter = e
			m.crawlID = crawlID
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Monitor for queue.
func New(queue crawler.BatchQueue, opts ...Option) *Monitor {
	m := &Monitor{
		queue:    queue,
		interval: DefaultInterval,
		emitter:  progress.Discard,
		clock:    system.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("monitor")
	return m
}

// Watch samples until the queue is closed and empty or ctx is done.
func (m *Monitor) Watch(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		depth := m.queue.Len()
		metrics.SetQueueDepth(depth)
		m.logger.Info("queue depth", zap.Int("depth", depth))
		m.emitter.Emit(progress.Event{
			CrawlID:    m.crawlID,
			TS:         m.clock.Now(),
			Stage:      progress.StageQueueDepth,
			QueueDepth: depth,
		})
		if m.queue.Closed() && depth == 0 {
			return
		}
	}
}
