package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

const (
	agentKeyPrefix      = "conductor:agents:"
	capabilityKeyPrefix = "conductor:capabilities:"
)

// RedisRegistry implements Registry on Redis: one JSON record per agent
// plus a set per capability holding agent IDs. A background sweeper marks
// silent agents offline; records are never auto-deleted, so operators can
// still inspect a dead agent's last known state.
type RedisRegistry struct {
	client            *redis.Client
	logger            core.Logger
	clock             core.Clock
	heartbeatInterval time.Duration
	stop              chan struct{}
}

var _ Registry = (*RedisRegistry)(nil)

// RedisOption configures a RedisRegistry.
type RedisOption func(*RedisRegistry)

// WithRedisLogger sets a structured logger.
func WithRedisLogger(l core.Logger) RedisOption {
	return func(r *RedisRegistry) { r.logger = core.ComponentLogger(l, "registry") }
}

// WithRedisClock injects a clock, for tests.
func WithRedisClock(c core.Clock) RedisOption {
	return func(r *RedisRegistry) { r.clock = c }
}

// NewRedisRegistry connects to Redis, verifies the connection, and starts
// the offline sweeper.
func NewRedisRegistry(redisURL string, heartbeatInterval time.Duration, opts ...RedisOption) (*RedisRegistry, error) {
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

	r := &RedisRegistry{
		client:            client,
		logger:            &core.NoOpLogger{},
		clock:             core.RealClock{},
		heartbeatInterval: heartbeatInterval,
		stop:              make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.sweep()
	return r, nil
}

func (r *RedisRegistry) sweep() {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.heartbeatInterval)
			r.markStaleOffline(ctx)
			cancel()
		}
	}
}

func (r *RedisRegistry) markStaleOffline(ctx context.Context) {
	records, err := r.List(ctx)
	if err != nil {
		r.logger.Warn("registry sweep failed", map[string]interface{}{"error": err})
		return
	}
	now := r.clock.Now()
	for _, rec := range records {
		if rec.Status == core.AgentOffline || !stale(rec, now, r.heartbeatInterval) {
			continue
		}
		rec.Status = core.AgentOffline
		if err := r.writeRecord(ctx, rec); err != nil {
			continue
		}
		telemetry.Counter("registry.marked_offline", "agent_id", rec.ID)
		r.logger.Warn("agent marked offline", map[string]interface{}{
			"agent_id":       rec.ID,
			"last_heartbeat": rec.LastHeartbeat,
		})
	}
}

func (r *RedisRegistry) writeRecord(ctx context.Context, rec *core.AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}
	return r.client.Set(ctx, agentKeyPrefix+rec.ID, data, 0).Err()
}

func (r *RedisRegistry) Register(ctx context.Context, rec *core.AgentRecord) error {
	rec.LastHeartbeat = r.clock.Now().UTC()
	if rec.Status == "" {
		rec.Status = core.AgentActive
	}

	pipe := r.client.Pipeline()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}
	pipe.Set(ctx, agentKeyPrefix+rec.ID, data, 0)
	for _, cap := range rec.Capabilities {
		pipe.SAdd(ctx, capabilityKeyPrefix+cap, rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	telemetry.Counter("registry.registered", "agent_id", rec.ID)
	r.logger.InfoWithContext(ctx, "agent registered", map[string]interface{}{
		"agent_id":     rec.ID,
		"capabilities": rec.Capabilities,
		"endpoint":     rec.BaseEndpoint,
	})
	return nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, agentID string, status core.AgentStatus) error {
	rec, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	rec.LastHeartbeat = r.clock.Now().UTC()
	if status != "" {
		rec.Status = status
	} else if rec.Status == core.AgentOffline {
		// A heartbeat from an "offline" agent revives it.
		rec.Status = core.AgentActive
	}
	return r.writeRecord(ctx, rec)
}

func (r *RedisRegistry) Discover(ctx context.Context, capability string) ([]*core.AgentRecord, error) {
	ids, err := r.client.SMembers(ctx, capabilityKeyPrefix+capability).Result()
	if err != nil {
		return nil, fmt.Errorf("discover capability: %w", err)
	}
	now := r.clock.Now()
	var out []*core.AgentRecord
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status == core.AgentOffline || stale(rec, now, r.heartbeatInterval) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisRegistry) Get(ctx context.Context, agentID string) (*core.AgentRecord, error) {
	data, err := r.client.Get(ctx, agentKeyPrefix+agentID).Result()
	if err == redis.Nil {
		return nil, core.NewError("registry.Get", "agent", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	var rec core.AgentRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal agent record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*core.AgentRecord, error) {
	var out []*core.AgentRecord
	iter := r.client.Scan(ctx, 0, agentKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		var rec core.AgentRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan agents: %w", err)
	}
	return out, nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, agentID string) error {
	rec, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Del(ctx, agentKeyPrefix+agentID)
	for _, cap := range rec.Capabilities {
		pipe.SRem(ctx, capabilityKeyPrefix+cap, agentID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregister agent: %w", err)
	}
	r.logger.InfoWithContext(ctx, "agent unregistered", map[string]interface{}{"agent_id": agentID})
	return nil
}

func (r *RedisRegistry) Stats(ctx context.Context) (*HeartbeatStats, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return buildStats(records), nil
}

// Close stops the sweeper and releases the Redis connection.
func (r *RedisRegistry) Close() error {
	close(r.stop)
	return r.client.Close()
}
