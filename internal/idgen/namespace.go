package idgen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryNamespace keeps claimed identifiers in process memory.
type MemoryNamespace struct {
	mu    sync.Mutex
	taken map[Kind]map[string]struct{}
}

func NewMemoryNamespace() *MemoryNamespace {
	return &MemoryNamespace{taken: make(map[Kind]map[string]struct{})}
}

func (m *MemoryNamespace) Claim(_ context.Context, kind Kind, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.taken[kind]
	if !ok {
		set = make(map[string]struct{})
		m.taken[kind] = set
	}
	if _, dup := set[value]; dup {
		return false, nil
	}
	set[value] = struct{}{}
	return true, nil
}

// RedisNamespace claims identifiers with SETNX so that several engine replicas
// can share one namespace.
type RedisNamespace struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisNamespace(rdb *redis.Client) *RedisNamespace {
	return &RedisNamespace{rdb: rdb, prefix: "ctlflow:id:"}
}

func (r *RedisNamespace) key(kind Kind, value string) string {
	return r.prefix + string(kind) + ":" + value
}

func (r *RedisNamespace) Claim(ctx context.Context, kind Kind, value string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(kind, value), time.Now().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// DialRedis opens a client and verifies it with a ping.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Chain claims a value in every namespace in order and succeeds only if all of
// them accept it. A rejection after an earlier acceptance leaves the earlier
// reservation in place, which only costs that value.
type Chain []Namespace

func (c Chain) Claim(ctx context.Context, kind Kind, value string) (bool, error) {
	for _, ns := range c {
		ok, err := ns.Claim(ctx, kind, value)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
