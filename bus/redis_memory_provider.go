package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisMemoryProvider implements MemoryProvider over a Redis client,
// namespacing keys by scope and JSON-encoding nodes, mirroring the
// teacher's pkg/memory RedisMemory store.
type RedisMemoryProvider struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisMemoryProvider wraps client for MemoryBus registration. namespace
// defaults to "memory" when empty; ttl of 0 uses the one-hour default the
// teacher's RedisMemory applies.
func NewRedisMemoryProvider(client *redis.Client, namespace string, ttl time.Duration) *RedisMemoryProvider {
	if namespace == "" {
		namespace = "memory"
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &RedisMemoryProvider{client: client, namespace: namespace, ttl: ttl}
}

func (p *RedisMemoryProvider) buildKey(scope, id string) string {
	return fmt.Sprintf("%s:%s:%s", p.namespace, scope, id)
}

// Memorize persists node as a JSON blob under a scope-namespaced key.
func (p *RedisMemoryProvider) Memorize(ctx context.Context, node MemoryNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("serialize memory node: %w", err)
	}
	if err := p.client.Set(ctx, p.buildKey(node.Scope, node.ID), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Recall looks up node.ID directly if set, otherwise scans every key under
// node.Scope and returns every node found there.
func (p *RedisMemoryProvider) Recall(ctx context.Context, node MemoryNode) ([]MemoryNode, error) {
	if node.ID != "" {
		recalled, ok, err := p.get(ctx, p.buildKey(node.Scope, node.ID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []MemoryNode{recalled}, nil
	}

	keys, err := p.client.Keys(ctx, p.buildKey(node.Scope, "*")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	var nodes []MemoryNode
	for _, key := range keys {
		recalled, ok, err := p.get(ctx, key)
		if err != nil || !ok {
			continue
		}
		nodes = append(nodes, recalled)
	}
	return nodes, nil
}

func (p *RedisMemoryProvider) get(ctx context.Context, key string) (MemoryNode, bool, error) {
	data, err := p.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return MemoryNode{}, false, nil
	}
	if err != nil {
		return MemoryNode{}, false, fmt.Errorf("redis get: %w", err)
	}
	var node MemoryNode
	if err := json.Unmarshal([]byte(data), &node); err != nil {
		return MemoryNode{}, false, fmt.Errorf("deserialize memory node: %w", err)
	}
	return node, true, nil
}

// Forget removes node's key.
func (p *RedisMemoryProvider) Forget(ctx context.Context, node MemoryNode) error {
	if err := p.client.Del(ctx, p.buildKey(node.Scope, node.ID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// IsHealthy pings the backing Redis connection, satisfying
// registry.HealthChecker.
func (p *RedisMemoryProvider) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.client.Ping(ctx).Err() == nil
}
