package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/deployops/deployops-framework/pkg/logger"
)

// LockStore is the backing store for the advisory distributed lock: a
// lease-based key in shared storage with TTL expiry.
type LockStore interface {
	// TryLock attempts to take the named lease for ttl. It returns the
	// holder token on success and ok=false when the lease is held.
	TryLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)

	// Release releases the named lease if token still holds it. Releasing
	// an expired or stolen lease is a no-op, not an error.
	Release(ctx context.Context, name, token string) error
}

// Lease is a held lock. Release is idempotent and safe to call after the
// backing store has already expired the lease.
type Lease struct {
	store LockStore
	name  string
	token string

	mu       sync.Mutex
	released bool
}

// Release releases the lease.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	return l.store.Release(ctx, l.name, l.token)
}

// Locker serializes orchestrator runs across processes. It is advisory:
// correctness of a single-process run never depends on it.
type Locker struct {
	store        LockStore
	lggr         logger.Logger
	pollInterval time.Duration
}

// NewLocker creates a Locker over a lock store.
func NewLocker(lggr logger.Logger, store LockStore) *Locker {
	return &Locker{
		store:        store,
		lggr:         lggr,
		pollInterval: 50 * time.Millisecond,
	}
}

// Acquire takes the named lock, waiting up to timeout for a contested
// lease. Failure to acquire within timeout returns
// ErrLockAcquisitionTimeout; the Locker never retries past that on its own.
func (l *Locker) Acquire(ctx context.Context, name string, timeout, ttl time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)

	for {
		token, ok, err := l.store.TryLock(ctx, name, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %q: %w", name, err)
		}
		if ok {
			l.lggr.Debugw("Acquired lock", "name", name, "ttl", ttl)

			return &Lease{store: l.store, name: name, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %q held by another process after %s: %w",
				name, timeout, ErrLockAcquisitionTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// MemoryLockStore is an in-process LockStore, useful for tests and
// single-process runs.
type MemoryLockStore struct {
	mu     sync.Mutex
	leases map[string]memoryLease
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

var _ LockStore = (*MemoryLockStore)(nil)

// NewMemoryLockStore creates an empty MemoryLockStore.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{leases: make(map[string]memoryLease)}
}

// TryLock attempts to take the named lease.
func (s *MemoryLockStore) TryLock(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if lease, ok := s.leases[name]; ok && now.Before(lease.expiresAt) {
		return "", false, nil
	}

	token := ksuid.New().String()
	s.leases[name] = memoryLease{token: token, expiresAt: now.Add(ttl)}

	return token, true, nil
}

// Release releases the lease if token still holds it.
func (s *MemoryLockStore) Release(_ context.Context, name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[name]; ok && lease.token == token {
		delete(s.leases, name)
	}

	return nil
}
