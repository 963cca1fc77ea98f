package registry

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

func analyzer(id string) *core.AgentRecord {
	return &core.AgentRecord{
		ID:           id,
		BaseEndpoint: "http://" + id + ":8080",
		Capabilities: []string{"code_analysis", "review"},
	}
}

func TestRegisterAndDiscover(t *testing.T) {
	r := NewMemoryRegistry(10*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, analyzer("analyzer-1")))
	require.NoError(t, r.Register(ctx, &core.AgentRecord{
		ID:           "deployer-1",
		BaseEndpoint: "http://deployer-1:8080",
		Capabilities: []string{"deploy"},
	}))

	got, err := r.Discover(ctx, "code_analysis")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "analyzer-1", got[0].ID)
	assert.Equal(t, core.AgentActive, got[0].Status)

	none, err := r.Discover(ctx, "quantum_computing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStaleAgentGoesOffline(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	interval := 10 * time.Second
	r := NewMemoryRegistry(interval, clock)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, analyzer("analyzer-1")))

	// Two missed intervals: still inside the 3x window.
	clock.Advance(2 * interval)
	got, err := r.Discover(ctx, "code_analysis")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Past the window: offline, invisible to discovery, but not deleted.
	clock.Advance(2 * interval)
	got, err = r.Discover(ctx, "code_analysis")
	require.NoError(t, err)
	assert.Empty(t, got)

	rec, err := r.Get(ctx, "analyzer-1")
	require.NoError(t, err)
	assert.Equal(t, core.AgentOffline, rec.Status)
}

func TestHeartbeatRevivesAgent(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	interval := 10 * time.Second
	r := NewMemoryRegistry(interval, clock)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, analyzer("analyzer-1")))
	clock.Advance(5 * interval)

	rec, err := r.Get(ctx, "analyzer-1")
	require.NoError(t, err)
	require.Equal(t, core.AgentOffline, rec.Status)

	require.NoError(t, r.Heartbeat(ctx, "analyzer-1", ""))
	rec, err = r.Get(ctx, "analyzer-1")
	require.NoError(t, err)
	assert.Equal(t, core.AgentActive, rec.Status)

	err = r.Heartbeat(ctx, "ghost", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestHeartbeatStatusTransitions(t *testing.T) {
	r := NewMemoryRegistry(10*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, analyzer("analyzer-1")))
	require.NoError(t, r.Heartbeat(ctx, "analyzer-1", core.AgentBusy))

	// Busy agents stay discoverable; dispatch may still prefer idle ones.
	got, err := r.Discover(ctx, "code_analysis")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, core.AgentBusy, got[0].Status)
}

func TestUnregister(t *testing.T) {
	r := NewMemoryRegistry(10*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, analyzer("analyzer-1")))
	require.NoError(t, r.Unregister(ctx, "analyzer-1"))

	_, err := r.Get(ctx, "analyzer-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = r.Unregister(ctx, "analyzer-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStats(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	interval := 10 * time.Second
	r := NewMemoryRegistry(interval, clock)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, analyzer("analyzer-1")))
	require.NoError(t, r.Register(ctx, analyzer("analyzer-2")))
	require.NoError(t, r.Register(ctx, &core.AgentRecord{
		ID: "deployer-1", Capabilities: []string{"deploy"},
	}))
	require.NoError(t, r.Heartbeat(ctx, "deployer-1", core.AgentBusy))

	clock.Advance(4 * interval)
	require.NoError(t, r.Heartbeat(ctx, "analyzer-1", ""))

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Offline)
	assert.Equal(t, 2, stats.ByCapability["code_analysis"])
	assert.Equal(t, 1, stats.ByCapability["deploy"])
}

func redisAvailable() bool {
	conn, err := net.DialTimeout("tcp", "localhost:6379", 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func TestRedisRegistryLifecycle(t *testing.T) {
	if !redisAvailable() {
		t.Skip("Redis not available at localhost:6379")
	}

	r, err := NewRedisRegistry("redis://localhost:6379", 10*time.Second)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	id := "test-agent-" + time.Now().Format("150405.000000000")
	rec := &core.AgentRecord{
		ID:           id,
		BaseEndpoint: "http://localhost:9999",
		Capabilities: []string{"integration_test_cap"},
	}
	require.NoError(t, r.Register(ctx, rec))
	defer r.Unregister(ctx, id) //nolint:errcheck

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.AgentActive, got.Status)

	found, err := r.Discover(ctx, "integration_test_cap")
	require.NoError(t, err)
	require.NotEmpty(t, found)

	require.NoError(t, r.Heartbeat(ctx, id, core.AgentBusy))
	got, err = r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.AgentBusy, got.Status)

	require.NoError(t, r.Unregister(ctx, id))
	_, err = r.Get(ctx, id)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
