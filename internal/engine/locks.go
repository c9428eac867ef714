package engine

import (
	"context"
	"sync"
)

// lockTable serializes all work per asset. Quote handling uses TryAcquire
// and skips on contention; trade updates and workers block via Acquire so
// fills are never dropped.
type lockTable struct {
	mu    sync.Mutex
	locks map[uint]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uint]chan struct{})}
}

func (t *lockTable) get(assetID uint) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[assetID]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[assetID] = ch
	}
	return ch
}

// TryAcquire takes the asset lock without blocking.
func (t *lockTable) TryAcquire(assetID uint) bool {
	select {
	case t.get(assetID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until the asset lock is held or ctx is done.
func (t *lockTable) Acquire(ctx context.Context, assetID uint) error {
	select {
	case t.get(assetID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *lockTable) Release(assetID uint) {
	<-t.get(assetID)
}
