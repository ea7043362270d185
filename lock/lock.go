/*
Package lock provides mutual exclusion for lifecycle sweeps.

PURPOSE:
  Transitions re-check their preconditions under a row lock, but two
  overlapping sweeps would still double the work and contend on every row.
  A sweep takes a named lease before it starts and skips the run when the
  lease is held elsewhere.

IMPLEMENTATIONS:
  Local: in-process, for single-instance deployments and tests
  Redis: SET NX PX lease shared by every instance pointing at the same Redis

  Holders call Lease.Refresh while they work so a long sweep keeps its
  lease past the initial ttl. A Redis lease whose holder died expires.

SEE ALSO:
  - commission/processor.go: Acquires the sweep lease
*/
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker hands out named leases. TryAcquire never blocks waiting for a holder.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// Lease is a held lock. Release is safe to call more than once.
//
// Refresh pushes the expiry out to ttl from now. It reports false when the
// lease was lost (expired and taken by someone else, or already released).
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// =============================================================================
// LOCAL - In-process locker
// =============================================================================

type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryAcquire ignores ttl; the lease lives until Release.
func (l *Local) TryAcquire(_ context.Context, key string, _ time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	return &localLease{parent: l, key: key}, true, nil
}

type localLease struct {
	parent   *Local
	key      string
	once     sync.Once
	released bool // guarded by parent.mu
}

// Refresh reports whether the lease is still held; local leases never expire.
func (ll *localLease) Refresh(context.Context, time.Duration) (bool, error) {
	ll.parent.mu.Lock()
	defer ll.parent.mu.Unlock()
	_, ok := ll.parent.held[ll.key]
	return ok && !ll.released, nil
}

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		ll.parent.mu.Lock()
		if !ll.released {
			delete(ll.parent.held, ll.key)
			ll.released = true
		}
		ll.parent.mu.Unlock()
	})
	return nil
}
