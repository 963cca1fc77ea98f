package locks

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/conductor/core"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newMemory(t *testing.T, clock core.Clock) *MemoryManager {
	t.Helper()
	m := NewMemoryManager(clock)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newMemory(t, nil)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "repo:payment-service", "wf-1", time.Minute, "deploy step")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", lock.Owner)

	got, err := m.Get(ctx, "repo:payment-service")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "deploy step", got.Reason)

	require.NoError(t, m.Release(ctx, "repo:payment-service", "wf-1"))

	got, err = m.Get(ctx, "repo:payment-service")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAcquireConflict(t *testing.T) {
	m := newMemory(t, nil)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "repo:api", "wf-1", time.Minute, "")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "repo:api", "wf-2", time.Minute, "")
	assert.ErrorIs(t, err, core.ErrLockConflict)

	// Owner-checked release: a non-owner cannot free it.
	err = m.Release(ctx, "repo:api", "wf-2")
	assert.ErrorIs(t, err, core.ErrLockConflict)

	// Releasing an absent lock reports it.
	err = m.Release(ctx, "repo:unlocked", "wf-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReacquireExtendsTTL(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newMemory(t, clock)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "repo:api", "wf-1", time.Minute, "")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	second, err := m.Acquire(ctx, "repo:api", "wf-1", time.Minute, "")
	require.NoError(t, err)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newMemory(t, clock)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "repo:api", "wf-crashed", time.Minute, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	got, err := m.Get(ctx, "repo:api")
	require.NoError(t, err)
	assert.Nil(t, got, "expired lock should read as unlocked")

	_, err = m.Acquire(ctx, "repo:api", "wf-2", time.Minute, "")
	assert.NoError(t, err, "expired lock should be reclaimable")
}

func TestForceRelease(t *testing.T) {
	m := newMemory(t, nil)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "deploy:prod", "wf-wedged", time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, m.ForceRelease(ctx, "deploy:prod"))

	_, err = m.Acquire(ctx, "deploy:prod", "wf-2", time.Minute, "")
	assert.NoError(t, err)

	err = m.ForceRelease(ctx, "deploy:missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAcquireWait(t *testing.T) {
	m := newMemory(t, nil)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "repo:api", "wf-1", time.Minute, "")
	require.NoError(t, err)

	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = m.Release(ctx, "repo:api", "wf-1")
	}()

	lock, err := AcquireWait(ctx, m, "repo:api", "wf-2", time.Minute, "", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "wf-2", lock.Owner)
}

func TestAcquireWaitTimeout(t *testing.T) {
	m := newMemory(t, nil)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "repo:api", "wf-1", time.Hour, "")
	require.NoError(t, err)

	start := time.Now()
	_, err = AcquireWait(ctx, m, "repo:api", "wf-2", time.Minute, "", 150*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireAllOrdersAndRollsBack(t *testing.T) {
	m := newMemory(t, nil)
	ctx := context.Background()

	acquired, err := AcquireAll(ctx, m, []string{"repo:zeta", "repo:alpha", "repo:mid"}, "wf-1", time.Minute, "")
	require.NoError(t, err)
	require.Len(t, acquired, 3)
	assert.Equal(t, "repo:alpha", acquired[0].ResourceID)
	assert.Equal(t, "repo:zeta", acquired[2].ResourceID)

	// A second workflow contends on one of the set: nothing may stick.
	_, err = AcquireAll(ctx, m, []string{"repo:new", "repo:mid"}, "wf-2", time.Minute, "")
	require.ErrorIs(t, err, core.ErrLockConflict)

	got, err := m.Get(ctx, "repo:new")
	require.NoError(t, err)
	assert.Nil(t, got, "partial acquisition must be rolled back")
}

func TestAcquireAllWaitOutlastsContention(t *testing.T) {
	m := newMemory(t, nil)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "repo:mid", "wf-1", time.Minute, "")
	require.NoError(t, err)

	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = m.Release(ctx, "repo:mid", "wf-1")
	}()

	acquired, err := AcquireAllWait(ctx, m, []string{"repo:zeta", "repo:alpha", "repo:mid"}, "wf-2", time.Minute, "", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, acquired, 3)
	assert.Equal(t, "repo:alpha", acquired[0].ResourceID)
}

func TestAcquireAllWaitSharedDeadline(t *testing.T) {
	m := newMemory(t, nil)
	ctx := context.Background()

	// wf-1 never lets go; the whole set times out and nothing sticks.
	_, err := m.Acquire(ctx, "repo:mid", "wf-1", time.Hour, "")
	require.NoError(t, err)

	start := time.Now()
	_, err = AcquireAllWait(ctx, m, []string{"repo:zeta", "repo:alpha", "repo:mid"}, "wf-2", time.Minute, "", 150*time.Millisecond)
	require.ErrorIs(t, err, core.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	got, err := m.Get(ctx, "repo:alpha")
	require.NoError(t, err)
	assert.Nil(t, got, "partial acquisition must be rolled back")
}

// redisAvailable reports whether a local Redis answers, so Redis-backed
// tests can run where the infrastructure exists and skip elsewhere.
func redisAvailable() bool {
	conn, err := net.DialTimeout("tcp", "localhost:6379", 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func TestRedisManagerLifecycle(t *testing.T) {
	if !redisAvailable() {
		t.Skip("Redis not available at localhost:6379")
	}

	m, err := NewRedisManager("redis://localhost:6379")
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	resource := "test:locks:" + time.Now().Format("150405.000000000")

	lock, err := m.Acquire(ctx, resource, "wf-1", 5*time.Second, "integration")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", lock.Owner)

	_, err = m.Acquire(ctx, resource, "wf-2", 5*time.Second, "")
	assert.ErrorIs(t, err, core.ErrLockConflict)

	err = m.Release(ctx, resource, "wf-2")
	assert.ErrorIs(t, err, core.ErrLockConflict)

	require.NoError(t, m.Release(ctx, resource, "wf-1"))

	got, err := m.Get(ctx, resource)
	require.NoError(t, err)
	assert.Nil(t, got)
}
