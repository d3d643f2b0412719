package diffcore

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool is the concurrency runtime: two independent bounded worker
// pools, one per database side, because per-connection concurrency is
// the scarce resource. A checksum task needs one slot on
// its side; a local-fetch task needs one slot on each side, acquired in
// a fixed side order (left before right) to avoid deadlock.
//
// Spawning a unit of orchestration work (Go) is unbounded — the tree of
// pending segment pairs can fan out arbitrarily — but the actual query
// each unit issues against a side only runs while holding that side's
// slot, so the number of in-flight queries per database never exceeds
// threadsPerSide.
type Pool struct {
	left  chan struct{}
	right chan struct{}
	group *errgroup.Group
	ctx   context.Context
}

// NewPool creates a Pool sized threadsPerSide per side.
func NewPool(ctx context.Context, threadsPerSide int) *Pool {
	if threadsPerSide < 1 {
		threadsPerSide = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Pool{
		left:  make(chan struct{}, threadsPerSide),
		right: make(chan struct{}, threadsPerSide),
		group: g,
		ctx:   gctx,
	}
}

// Context is the group's derived context, cancelled as soon as any
// submitted task returns an error (errgroup semantics) or the caller
// cancels the parent.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Go schedules one unit of orchestration work (a segment pair's
// checksum-then-branch decision) as a tracked goroutine. It does not by
// itself hold any per-side slot — fn must acquire AcquireChecksum or
// AcquireFetch around the query it actually issues.
func (p *Pool) Go(fn func(ctx context.Context) error) {
	p.group.Go(func() error { return fn(p.ctx) })
}

// AcquireChecksum blocks until a slot on side's pool ("left" or "right")
// is free, then returns a release func the caller must invoke exactly
// once. Hold the slot only around the query itself, not the surrounding
// branch logic, so the bound reflects in-flight queries per database
// rather than in-flight segment-tree nodes.
func (p *Pool) AcquireChecksum(ctx context.Context, side string) (func(), error) {
	slots := p.slotsFor(side)
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { <-slots }, nil
}

// AcquireFetch blocks until one slot is free on each side, acquired
// left-then-right to guarantee a total order across every concurrently
// requesting caller and rule out circular waits.
func (p *Pool) AcquireFetch(ctx context.Context) (func(), error) {
	select {
	case p.left <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case p.right <- struct{}{}:
	case <-ctx.Done():
		<-p.left
		return nil, ctx.Err()
	}
	return func() { <-p.right; <-p.left }, nil
}

func (p *Pool) slotsFor(side string) chan struct{} {
	if side == "right" {
		return p.right
	}
	return p.left
}

// Wait blocks until every submitted task has returned, surfacing the
// first error any task returned.
func (p *Pool) Wait() error {
	return p.group.Wait()
}
