// Package presence records which chat identities hold a live socket. The
// memory store serves a single instance; the Redis store shares presence
// across instances.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store tracks online identities.
type Store interface {
	// Set marks id online or offline.
	Set(ctx context.Context, id string, online bool) error
	// Online lists the online identities in lexical order.
	Online(ctx context.Context) ([]string, error)
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{online: make(map[string]struct{})}
}

func (m *Memory) Set(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online {
		m.online[id] = struct{}{}
	} else {
		delete(m.online, id)
	}
	return nil
}

func (m *Memory) Online(context.Context) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.online))
	for id := range m.online {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// Redis keeps one TTL key per online identity plus a set indexing them:
//   - <prefix>:online         set of ids
//   - <prefix>:presence:<id>  liveness key, expires after ttl
//
// Members whose liveness key expired are pruned by Online.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis store. A zero ttl keeps keys until Set(false).
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "adminchat"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) setKey() string { return r.prefix + ":online" }

func (r *Redis) presenceKey(id string) string { return r.prefix + ":presence:" + id }

func (r *Redis) Set(ctx context.Context, id string, online bool) error {
	pipe := r.client.TxPipeline()
	if online {
		pipe.SAdd(ctx, r.setKey(), id)
		pipe.Set(ctx, r.presenceKey(id), time.Now().Unix(), r.ttl)
	} else {
		pipe.SRem(ctx, r.setKey(), id)
		pipe.Del(ctx, r.presenceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Online(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list: %w", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, r.presenceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: check: %w", err)
	}

	out := make([]string, 0, len(ids))
	var stale []any
	for i, id := range ids {
		if checks[i].Val() > 0 {
			out = append(out, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.setKey(), stale...).Err()
	}
	sort.Strings(out)
	return out, nil
}
