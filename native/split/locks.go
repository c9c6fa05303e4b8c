package split

import (
	"context"
	"sync"

	"cashrail/native/ecash"
)

// LockKey identifies the deterministic counter state consumed by a swap.
type LockKey struct {
	Mint   string
	Unit   string
	Keyset string
}

// Locks serialises work per LockKey. Acquisition honours context
// cancellation; unrelated keys never block each other.
type Locks struct {
	mu    sync.Mutex
	slots map[LockKey]chan struct{}
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{slots: make(map[LockKey]chan struct{})}
}

func (l *Locks) slot(key LockKey) chan struct{} {
	key.Mint = ecash.NormalizeMintURL(key.Mint)
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Do runs fn while holding the lock for key.
func (l *Locks) Do(ctx context.Context, key LockKey, fn func(context.Context) error) error {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()
	return fn(ctx)
}
