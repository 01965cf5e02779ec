// Package memory provides the in-process work queue that carries record
// batches from listers to the single writer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

var (
	// ErrEmpty is returned by Pop when no batch arrived before the timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrClosed is returned once the queue is closed (and, for Pop, drained).
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO with context-aware Push and timed Pop. Close acts
// as the end-of-stream sentinel: batches queued before Close are still
// delivered.
type Queue struct {
	ch      chan crawler.Batch
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.Batch, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues a batch, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, batch crawler.Batch) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("push canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- batch:
		return nil
	}
}

// Pop waits up to timeout for the next batch.
func (q *Queue) Pop(timeout time.Duration) (crawler.Batch, error) {
	select {
	case b := <-q.ch:
		return b, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-q.ch:
		return b, nil
	case <-q.done:
		select {
		case b := <-q.ch:
			return b, nil
		default:
			return crawler.Batch{}, ErrClosed
		}
	case <-timer.C:
		return crawler.Batch{}, ErrEmpty
	}
}

// Len reports the number of queued batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return q.closed
}

// Close marks the end of the stream. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}
