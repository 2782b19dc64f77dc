package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// IDLog remembers insertion order for stores that cannot trim themselves.
// Push appends id and returns the oldest ids beyond the newest limit, which
// the caller must delete.
type IDLog interface {
	Push(ctx context.Context, id string, limit int) ([]string, error)
}

// MemoryIDLog is an IDLog that lives only as long as the process.
type MemoryIDLog struct {
	mu  sync.Mutex
	ids []string
}

func NewMemoryIDLog() *MemoryIDLog {
	return &MemoryIDLog{}
}

func (l *MemoryIDLog) Push(_ context.Context, id string, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
	if len(l.ids) <= limit {
		return nil, nil
	}
	n := len(l.ids) - limit
	evicted := append([]string(nil), l.ids[:n]...)
	l.ids = append(l.ids[:0], l.ids[n:]...)
	return evicted, nil
}

// RedisIDLog keeps the order in a Redis list so eviction survives restarts.
type RedisIDLog struct {
	client *redis.Client
	key    string
}

func NewRedisIDLog(client *redis.Client, key string) *RedisIDLog {
	return &RedisIDLog{client: client, key: key}
}

func (l *RedisIDLog) Push(ctx context.Context, id string, limit int) ([]string, error) {
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, l.key, id)
	overflow := pipe.LRange(ctx, l.key, 0, -int64(limit)-1)
	pipe.LTrim(ctx, l.key, -int64(limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis id log: %w", err)
	}
	return overflow.Val(), nil
}
