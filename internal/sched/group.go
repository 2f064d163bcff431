package sched

import (
	"context"
	"sync"
)

// Group runs a fixed set of tasks concurrently and waits for all of
// them, cancelling the shared context on the first error — the shape
// spec §4.4's Run() needs for its inbox worker, outbox worker, and
// socket listener. Modeled on task.Group, used by the teacher at
// go/flow/ingest.go — itself the external go.gazette.dev/core/task
// package, reimplemented here without its broker-task supervision and
// metrics machinery, since kstream has no gazette task registry to
// report into.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	firstErr error
}

// NewGroup returns a Group deriving its context from parent.
func NewGroup(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context is cancelled as soon as any queued task returns an error.
func (g *Group) Context() context.Context { return g.ctx }

// Go runs fn in its own goroutine as part of the group.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(g.ctx); err != nil {
			g.mu.Lock()
			if g.firstErr == nil {
				g.firstErr = err
				g.cancel()
			}
			g.mu.Unlock()
		}
	}()
}

// Wait blocks until every queued task has returned, then returns the
// first non-nil error any of them produced.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.firstErr
}
