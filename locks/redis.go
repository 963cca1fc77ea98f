package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

const lockKeyPrefix = "conductor:locks:"

// Lua keeps acquire and owner-checked release atomic; GET-then-SET from
// the client would race between two workflows.
var (
	acquireScript = redis.NewScript(`
		local v = redis.call('GET', KEYS[1])
		if v then
			local data = cjson.decode(v)
			if data['owner_agent_id'] == ARGV[1] then
				redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
				return 1
			end
			return 0
		end
		redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
		return 1
	`)

	releaseScript = redis.NewScript(`
		local v = redis.call('GET', KEYS[1])
		if not v then
			return -1
		end
		local data = cjson.decode(v)
		if data['owner_agent_id'] == ARGV[1] then
			redis.call('DEL', KEYS[1])
			return 1
		end
		return 0
	`)
)

// RedisManager implements Manager on Redis. TTL expiry is native: an
// expired key simply disappears, so no sweeper is needed.
type RedisManager struct {
	client *redis.Client
	logger core.Logger
	clock  core.Clock
}

var _ Manager = (*RedisManager)(nil)

// RedisOption configures a RedisManager.
type RedisOption func(*RedisManager)

// WithRedisLogger sets a structured logger.
func WithRedisLogger(l core.Logger) RedisOption {
	return func(m *RedisManager) { m.logger = core.ComponentLogger(l, "locks") }
}

// WithRedisClock injects a clock, for tests.
func WithRedisClock(c core.Clock) RedisOption {
	return func(m *RedisManager) { m.clock = c }
}

// NewRedisManager connects to Redis at redisURL and verifies the
// connection with a ping.
func NewRedisManager(redisURL string, opts ...RedisOption) (*RedisManager, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	m := &RedisManager{client: client, logger: &core.NoOpLogger{}, clock: core.RealClock{}}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *RedisManager) Acquire(ctx context.Context, resourceID, owner string, ttl time.Duration, reason string) (*core.ResourceLock, error) {
	now := m.clock.Now().UTC()
	lock := &core.ResourceLock{
		ResourceID: resourceID,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Reason:     reason,
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	ok, err := acquireScript.Run(ctx, m.client,
		[]string{lockKeyPrefix + resourceID},
		owner, string(data), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if ok != 1 {
		telemetry.Counter("locks.conflict", "resource", resourceID)
		return nil, &core.Error{
			Op: "locks.Acquire", Kind: "lock", ID: resourceID,
			Err: core.ErrLockConflict,
		}
	}
	telemetry.Counter("locks.acquired", "resource", resourceID)
	m.logger.DebugWithContext(ctx, "lock acquired", map[string]interface{}{
		"resource_id": resourceID,
		"owner":       owner,
		"ttl":         ttl.String(),
	})
	return lock, nil
}

func (m *RedisManager) Release(ctx context.Context, resourceID, owner string) error {
	res, err := releaseScript.Run(ctx, m.client,
		[]string{lockKeyPrefix + resourceID}, owner,
	).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	switch res {
	case 1:
		telemetry.Counter("locks.released", "resource", resourceID)
		return nil
	case -1:
		return &core.Error{Op: "locks.Release", Kind: "lock", ID: resourceID, Err: core.ErrNotFound}
	default:
		return &core.Error{Op: "locks.Release", Kind: "lock", ID: resourceID, Err: core.ErrLockConflict}
	}
}

func (m *RedisManager) ForceRelease(ctx context.Context, resourceID string) error {
	n, err := m.client.Del(ctx, lockKeyPrefix+resourceID).Result()
	if err != nil {
		return fmt.Errorf("force release lock: %w", err)
	}
	if n == 0 {
		return &core.Error{Op: "locks.ForceRelease", Kind: "lock", ID: resourceID, Err: core.ErrNotFound}
	}
	telemetry.Counter("locks.force_released", "resource", resourceID)
	m.logger.WarnWithContext(ctx, "lock force released", map[string]interface{}{
		"resource_id": resourceID,
	})
	return nil
}

func (m *RedisManager) Get(ctx context.Context, resourceID string) (*core.ResourceLock, error) {
	data, err := m.client.Get(ctx, lockKeyPrefix+resourceID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	var lock core.ResourceLock
	if err := json.Unmarshal([]byte(data), &lock); err != nil {
		return nil, fmt.Errorf("unmarshal lock: %w", err)
	}
	return &lock, nil
}

func (m *RedisManager) List(ctx context.Context) ([]core.ResourceLock, error) {
	var locks []core.ResourceLock
	iter := m.client.Scan(ctx, 0, lockKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := m.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("list locks: %w", err)
		}
		var lock core.ResourceLock
		if err := json.Unmarshal([]byte(data), &lock); err != nil {
			continue
		}
		locks = append(locks, lock)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	return locks, nil
}

// Close releases the Redis connection.
func (m *RedisManager) Close() error { return m.client.Close() }
