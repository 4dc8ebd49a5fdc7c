// Package lock provides the named mutual exclusion that serializes reservations against one
// reward library. Implementations back onto Postgres advisory locks, Redis leases or, for
// single-process deployments and tests, an in-memory table.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a lock could not be acquired within the requested timeout
	ErrTimeout = errors.New("lock: acquisition timed out")
	// ErrNotHeld is returned when releasing a lease that has already expired or been released
	ErrNotHeld = errors.New("lock: lease not held")
)

// pollInterval is how often backends without blocking primitives retry acquisition
const pollInterval = 25 * time.Millisecond

// DistributedLock hands out exclusive leases on named resources
type DistributedLock interface {
	// Acquire blocks until the named lock is held, the timeout elapses (ErrTimeout) or ctx ends.
	Acquire(ctx context.Context, name string, timeout time.Duration) (Lease, error)
}

// Lease is a held lock. Release must be called exactly once.
type Lease interface {
	Release(ctx context.Context) error
}

// poll calls try until it reports success, the timeout elapses or ctx is done.
func poll(ctx context.Context, timeout time.Duration, try func(context.Context) (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}
