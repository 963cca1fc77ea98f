package locks

import (
	"context"
	"sync"
	"time"

	"github.com/atriumhq/conductor/core"
)

const sweepInterval = 5 * time.Second

// MemoryManager implements Manager in process memory. Expiry is checked
// lazily on every read and a background sweeper reclaims abandoned locks
// so List stays clean even without traffic.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]core.ResourceLock
	clock core.Clock
	stop  chan struct{}
	once  sync.Once
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager creates a manager and starts its expiry sweeper.
func NewMemoryManager(clock core.Clock) *MemoryManager {
	if clock == nil {
		clock = core.RealClock{}
	}
	m := &MemoryManager{
		locks: make(map[string]core.ResourceLock),
		clock: clock,
		stop:  make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryManager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := m.clock.Now()
			m.mu.Lock()
			for id, lock := range m.locks {
				if lock.ExpiresAt.Before(now) {
					delete(m.locks, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the sweeper.
func (m *MemoryManager) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryManager) live(resourceID string) (core.ResourceLock, bool) {
	lock, ok := m.locks[resourceID]
	if !ok {
		return core.ResourceLock{}, false
	}
	if lock.ExpiresAt.Before(m.clock.Now()) {
		delete(m.locks, resourceID)
		return core.ResourceLock{}, false
	}
	return lock, true
}

func (m *MemoryManager) Acquire(ctx context.Context, resourceID, owner string, ttl time.Duration, reason string) (*core.ResourceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.live(resourceID); ok && existing.Owner != owner {
		return nil, &core.Error{
			Op: "locks.Acquire", Kind: "lock", ID: resourceID,
			Err: core.ErrLockConflict,
		}
	}
	now := m.clock.Now().UTC()
	lock := core.ResourceLock{
		ResourceID: resourceID,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Reason:     reason,
	}
	m.locks[resourceID] = lock
	return &lock, nil
}

func (m *MemoryManager) Release(ctx context.Context, resourceID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.live(resourceID)
	if !ok {
		return &core.Error{Op: "locks.Release", Kind: "lock", ID: resourceID, Err: core.ErrNotFound}
	}
	if lock.Owner != owner {
		return &core.Error{Op: "locks.Release", Kind: "lock", ID: resourceID, Err: core.ErrLockConflict}
	}
	delete(m.locks, resourceID)
	return nil
}

func (m *MemoryManager) ForceRelease(ctx context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(resourceID); !ok {
		return &core.Error{Op: "locks.ForceRelease", Kind: "lock", ID: resourceID, Err: core.ErrNotFound}
	}
	delete(m.locks, resourceID)
	return nil
}

func (m *MemoryManager) Get(ctx context.Context, resourceID string) (*core.ResourceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.live(resourceID)
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (m *MemoryManager) List(ctx context.Context) ([]core.ResourceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := make([]core.ResourceLock, 0, len(m.locks))
	for _, lock := range m.locks {
		if lock.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, lock)
	}
	return out, nil
}
