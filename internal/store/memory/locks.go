package memory

import (
	"context"
	"sync"
)

// keyLocks hands out one exclusive lock per key. Acquisition honours context
// cancellation so a stuck holder cannot wedge callers forever.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]chan struct{})}
}

func (k *keyLocks) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *keyLocks) release(key string) {
	k.mu.Lock()
	ch := k.locks[key]
	k.mu.Unlock()
	if ch != nil {
		<-ch
	}
}
