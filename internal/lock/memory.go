package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLock is a process-local DistributedLock. Each name maps to a one-slot channel that is
// full while the lock is held.
type MemoryLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLock creates an empty MemoryLock
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{slots: make(map[string]chan struct{})}
}

func (m *MemoryLock) slot(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[name] = ch
	}
	return ch
}

// Acquire implements DistributedLock.
func (m *MemoryLock) Acquire(ctx context.Context, name string, timeout time.Duration) (Lease, error) {
	ch := m.slot(name)

	select {
	case ch <- struct{}{}:
		return &memoryLease{ch: ch}, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return &memoryLease{ch: ch}, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLease struct {
	once sync.Once
	ch   chan struct{}
}

func (l *memoryLease) Release(context.Context) error {
	released := false
	l.once.Do(func() {
		<-l.ch
		released = true
	})
	if !released {
		return ErrNotHeld
	}
	return nil
}
