package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps the same log as FileStore in a Redis list.
type RedisStore struct {
	client     *redis.Client
	key        string
	maxRecords int
	logger     *zap.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, key string, maxRecords int, logger *zap.Logger) *RedisStore {
	if maxRecords < MinRecords {
		maxRecords = MinRecords
	}
	if key == "" {
		key = "perceptus:memory"
	}
	return &RedisStore{
		client:     client,
		key:        key,
		maxRecords: maxRecords,
		logger:     logger.Named("memory.redis").With(zap.String("key", key)),
	}
}

func (s *RedisStore) Append(ctx context.Context, item models.MemoryItem) error {
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%w: marshal item: %v", ErrMemoryIO, err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key, line)
	pipe.LTrim(ctx, s.key, int64(-s.maxRecords), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis append: %v", ErrMemoryIO, err)
	}
	return nil
}

func (s *RedisStore) Retrieve(ctx context.Context, query string, topK int) ([]models.MemoryItem, error) {
	rows, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis load: %v", ErrMemoryIO, err)
	}
	items := make([]models.MemoryItem, 0, len(rows))
	for _, row := range rows {
		var item models.MemoryItem
		if err := json.Unmarshal([]byte(row), &item); err != nil {
			s.logger.Debug("Skipping unreadable memory row", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return Rank(items, query, topK), nil
}

// Close leaves the client open; it is owned by main.
func (s *RedisStore) Close() error { return nil }
