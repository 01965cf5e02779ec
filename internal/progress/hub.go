package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes a Hub. Zero values pick the defaults below.
type Config struct {
	// Buffer is the number of events Emit can queue before dropping.
	Buffer int
	// BatchSize flushes a batch once it holds this many events.
	BatchSize int
	// FlushInterval bounds how long the oldest event of a batch waits.
	FlushInterval time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBuffer        = 1024
	defaultBatchSize     = 256
	defaultFlushInterval = time.Second
	defaultSinkTimeout   = 10 * time.Second
)

// Hub batches crawl events for its sinks on a single goroutine.
//
// Emit never blocks; events that do not fit in the buffer are counted and
// reported with the next flush. Within a batch only the newest QUEUE_DEPTH
// sample of each crawl survives. CRAWL_DONE and CRAWL_ERROR flush the batch
// at once so a finished crawl reaches the sinks without waiting for
// FlushInterval.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped   atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	// closeCtx is written before stop is closed.
	closeCtx context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
	}
}

// Close flushes queued events, closes the sinks and waits for the hub
// goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := newBatch()
	var timer *time.Timer
	var due <-chan time.Time
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, due = nil, nil
		}
		h.deliver(b.take())
	}
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
			switch {
			case evt.Stage.Terminal() || b.len() >= h.cfg.BatchSize:
				flush()
			case due == nil:
				timer = time.NewTimer(h.cfg.FlushInterval)
				due = timer.C
			}
		case <-due:
			timer, due = nil, nil
			h.deliver(b.take())
		case <-h.stop:
			for {
				select {
				case evt := <-h.events:
					b.add(evt)
					if b.len() >= h.cfg.BatchSize {
						h.deliver(b.take())
					}
				default:
					flush()
					h.closeSinks()
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(events []Event) {
	if n := h.dropped.Swap(0); n > 0 {
		h.logger.Warn("progress events dropped", zap.Int64("dropped", n))
	}
	if len(events) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(h.closeCtx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batch collects events between flushes.
type batch struct {
	events []Event
	// depthAt indexes each crawl's QUEUE_DEPTH sample in events.
	depthAt map[[16]byte]int
}

func newBatch() *batch {
	return &batch{depthAt: make(map[[16]byte]int)}
}

// add appends evt. A newer QUEUE_DEPTH sample replaces the crawl's earlier
// one in place.
func (b *batch) add(evt Event) {
	if evt.Stage == StageQueueDepth {
		if i, ok := b.depthAt[evt.CrawlID]; ok {
			b.events[i] = evt
			return
		}
		b.depthAt[evt.CrawlID] = len(b.events)
	}
	b.events = append(b.events, evt)
}

func (b *batch) len() int {
	return len(b.events)
}

// take hands the events to the caller and starts an empty batch.
func (b *batch) take() []Event {
	out := b.events
	b.events = nil
	clear(b.depthAt)
	return out
}
