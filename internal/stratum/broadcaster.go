package stratum

import (
	"context"
	"sync"
)

// Broadcaster wakes every waiter on each Notify. Waiters remember the last
// generation they saw, so one that starts at 0 catches up on the first
// event it missed without any per-subscriber bookkeeping here.
type Broadcaster struct {
	mu   sync.Mutex
	gen  uint64
	wake chan struct{}
}

// NewBroadcaster creates a broadcaster at generation 0
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{wake: make(chan struct{})}
}

// Notify advances the generation and wakes all current waiters
func (b *Broadcaster) Notify() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	close(b.wake)
	b.wake = make(chan struct{})
	return b.gen
}

// Generation returns the current generation
func (b *Broadcaster) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Wait blocks until the generation exceeds seen and returns it
func (b *Broadcaster) Wait(ctx context.Context, seen uint64) (uint64, error) {
	for {
		b.mu.Lock()
		gen, wake := b.gen, b.wake
		b.mu.Unlock()

		if gen > seen {
			return gen, nil
		}

		select {
		case <-ctx.Done():
			return seen, ctx.Err()
		case <-wake:
		}
	}
}
