package syncutil

import (
	"context"
	"sync"
)

// Gate is a single-slot mutex implemented with a buffered channel so that
// waiters can give up when their context is cancelled.
type Gate struct {
	ch   chan struct{}
	once sync.Once
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	g := &Gate{}
	g.init()
	return g
}

func (g *Gate) init() {
	g.once.Do(func() {
		g.ch = make(chan struct{}, 1)
		g.ch <- struct{}{} // Start unlocked.
	})
}

// Enter blocks until the gate is free or ctx is done. On success the
// returned release func must be called exactly once; extra calls are no-ops.
func (g *Gate) Enter(ctx context.Context) (func(), error) {
	g.init()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-g.ch:
		var once sync.Once
		return func() { once.Do(func() { g.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryEnter acquires the gate only if it is free right now.
func (g *Gate) TryEnter() (func(), bool) {
	g.init()
	select {
	case <-g.ch:
		var once sync.Once
		return func() { once.Do(func() { g.ch <- struct{}{} }) }, true
	default:
		return nil, false
	}
}
