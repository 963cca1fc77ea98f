// Package locks implements advisory resource locking for workflow steps:
// TTL'd, owner-checked mutexes over shared resources like repos and deploy
// targets. Redis backs production; an in-memory manager serves development
// mode with identical semantics.
package locks

import (
	"context"
	"sort"
	"time"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

const (
	// Wait-mode polling starts fast and backs off to a cap; lock hold
	// times are typically seconds, so sub-second polling finds a release
	// quickly without hammering the backend.
	waitPollInitial = 25 * time.Millisecond
	waitPollCap     = 800 * time.Millisecond
)

// Manager is the advisory lock API. Absence of a lock means unlocked.
type Manager interface {
	// Acquire takes the lock or fails immediately with ErrLockConflict.
	// Re-acquiring a lock you already own extends its TTL.
	Acquire(ctx context.Context, resourceID, owner string, ttl time.Duration, reason string) (*core.ResourceLock, error)

	// Release frees the lock if owner holds it. Releasing someone else's
	// lock fails with ErrLockConflict; releasing an absent lock with
	// ErrNotFound.
	Release(ctx context.Context, resourceID, owner string) error

	// ForceRelease frees the lock regardless of owner. Operator escape
	// hatch for wedged workflows; callers must audit it.
	ForceRelease(ctx context.Context, resourceID string) error

	// Get returns the current lock, or nil when unlocked.
	Get(ctx context.Context, resourceID string) (*core.ResourceLock, error)

	// List returns all currently held locks.
	List(ctx context.Context) ([]core.ResourceLock, error)
}

// AcquireWait polls Acquire until it succeeds or maxWait elapses.
// Polling starts at 25ms and doubles to an 800ms cap. Expiry of maxWait or
// the context fails with ErrTimeout / ctx.Err().
func AcquireWait(ctx context.Context, m Manager, resourceID, owner string, ttl time.Duration, reason string, maxWait time.Duration) (*core.ResourceLock, error) {
	deadline := time.Now().Add(maxWait)
	poll := waitPollInitial
	for {
		lock, err := m.Acquire(ctx, resourceID, owner, ttl, reason)
		if err == nil {
			return lock, nil
		}
		if !core.IsRetryable(err) {
			return nil, err
		}
		if time.Now().Add(poll).After(deadline) {
			telemetry.Counter("locks.wait_timeout", "resource", resourceID)
			return nil, &core.Error{
				Op: "locks.AcquireWait", Kind: "lock", ID: resourceID,
				Err: core.ErrTimeout,
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
		poll *= 2
		if poll > waitPollCap {
			poll = waitPollCap
		}
	}
}

// AcquireAll takes every lock in lexicographic order, which gives all
// callers a total order and rules out deadlock between workflows that
// need overlapping resource sets. On any failure it releases what it
// already took and returns the original error.
func AcquireAll(ctx context.Context, m Manager, resourceIDs []string, owner string, ttl time.Duration, reason string) ([]*core.ResourceLock, error) {
	ordered := append([]string(nil), resourceIDs...)
	sort.Strings(ordered)

	acquired := make([]*core.ResourceLock, 0, len(ordered))
	for _, id := range ordered {
		lock, err := m.Acquire(ctx, id, owner, ttl, reason)
		if err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				_ = m.Release(ctx, acquired[i].ResourceID, owner)
			}
			return nil, err
		}
		acquired = append(acquired, lock)
	}
	return acquired, nil
}

// AcquireAllWait is AcquireAll with waiting acquisition: each lock is
// taken via AcquireWait, still in lexicographic order, under one shared
// deadline. On any failure it releases what it already took and returns
// the original error.
func AcquireAllWait(ctx context.Context, m Manager, resourceIDs []string, owner string, ttl time.Duration, reason string, maxWait time.Duration) ([]*core.ResourceLock, error) {
	ordered := append([]string(nil), resourceIDs...)
	sort.Strings(ordered)
	deadline := time.Now().Add(maxWait)

	acquired := make([]*core.ResourceLock, 0, len(ordered))
	for _, id := range ordered {
		lock, err := AcquireWait(ctx, m, id, owner, ttl, reason, time.Until(deadline))
		if err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				_ = m.Release(ctx, acquired[i].ResourceID, owner)
			}
			return nil, err
		}
		acquired = append(acquired, lock)
	}
	return acquired, nil
}

// ReleaseAll frees a set of held locks, ignoring individual failures.
func ReleaseAll(ctx context.Context, m Manager, resourceIDs []string, owner string) {
	for _, id := range resourceIDs {
		_ = m.Release(ctx, id, owner)
	}
}
