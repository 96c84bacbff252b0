package shard

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs a fixed set of shards, each backed by a single goroutine that
// executes submitted closures one at a time. State owned by a shard is only
// ever touched from that shard's goroutine, so shard-local code needs no
// locking as long as all access goes through InvokeOn.
type Group struct {
	shards []*worker
}

type worker struct {
	tasks chan task
}

type task struct {
	fn   func()
	done chan struct{}
}

// NewGroup starts a group of n shards. The shards run until Close is called.
func NewGroup(n int) *Group {
	if n <= 0 {
		panic("shard group size must be positive")
	}

	g := &Group{
		shards: make([]*worker, n),
	}

	for i := range g.shards {
		w := &worker{
			tasks: make(chan task),
		}

		go w.run()

		g.shards[i] = w
	}

	return g
}

func (w *worker) run() {
	for t := range w.tasks {
		t.fn()
		close(t.done)
	}
}

// Count returns the number of shards in the group.
func (g *Group) Count() int {
	return len(g.shards)
}

// InvokeOn runs fn on the given shard and blocks until it has completed or
// the context is cancelled. A cancelled context only abandons the wait: once
// submitted, the closure still runs.
func (g *Group) InvokeOn(ctx context.Context, shardID int, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}

	select {
	case g.shards[shardID].tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InvokeOnAll runs fn concurrently on every shard and waits for all of them.
func (g *Group) InvokeOnAll(ctx context.Context, fn func(shardID int)) error {
	eg, ctx := errgroup.WithContext(ctx)

	for i := range g.shards {
		shardID := i

		eg.Go(func() error {
			return g.InvokeOn(ctx, shardID, func() {
				fn(shardID)
			})
		})
	}

	return eg.Wait()
}

// Close stops all shard goroutines. Pending tasks complete; submitting after
// Close panics.
func (g *Group) Close() {
	for _, w := range g.shards {
		close(w.tasks)
	}
}

// Map runs fn on every shard of the group and collects the results, indexed
// by shard ID.
func Map[T any](ctx context.Context, g *Group, fn func(shardID int) T) ([]T, error) {
	results := make([]T, g.Count())

	err := g.InvokeOnAll(ctx, func(shardID int) {
		results[shardID] = fn(shardID)
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}
