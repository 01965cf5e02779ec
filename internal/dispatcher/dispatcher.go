// Package dispatcher fans folder work out to a bounded pool of goroutines.
package dispatcher

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Dispatcher runs one function per folder with bounded concurrency.
type Dispatcher struct {
	workers int
}

// New creates a Dispatcher; workers below one mean sequential processing.
func New(workers int) *Dispatcher {
	return &Dispatcher{workers: max(workers, 1)}
}

// Workers reports the concurrency limit.
func (d *Dispatcher) Workers() int {
	return d.workers
}

// Run calls fn for every folder in order, at most Workers at a time. It stops
// starting folders once ctx is done or fn fails; the first failure cancels
// the context passed to the others and is returned.
func (d *Dispatcher) Run(ctx context.Context, folders []string, fn func(ctx context.Context, folder string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, folder := range folders {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := fn(gctx, folder); err != nil {
				return fmt.Errorf("folder %q: %w", folder, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}
