package http

import (
	"context"
	"sync"
	"time"
)

// keyedGate is a set of binary semaphores keyed by string. Each key admits
// one holder at a time.
type keyedGate struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func (g *keyedGate) slot(key string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.slots == nil {
		g.slots = make(map[string]chan struct{})
	}
	slot, ok := g.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		g.slots[key] = slot
	}
	return slot
}

// acquire blocks until key is free or ctx is done.
func (g *keyedGate) acquire(ctx context.Context, key string) error {
	select {
	case g.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *keyedGate) release(key string) {
	select {
	case <-g.slot(key):
	default:
	}
}

// pass holds key for d, so that callers sharing key are spaced at least d
// apart.
func (g *keyedGate) pass(ctx context.Context, key string, d time.Duration) error {
	if err := g.acquire(ctx, key); err != nil {
		return err
	}
	defer g.release(key)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
