package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const itemField = "item"

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the slice of a vector database the store needs.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, values []float32, metadata map[string]interface{}) error
	Query(ctx context.Context, values []float32, topK int, field string) ([]string, error)
	Delete(ctx context.Context, ids []string) error
}

// VectorStore retrieves by embedding similarity instead of token overlap.
// The index cannot trim itself, so ids records insertion order and the oldest
// vectors beyond maxRecords are deleted on append.
type VectorStore struct {
	index      VectorIndex
	embedder   Embedder
	ids        IDLog
	maxRecords int
	logger     *zap.Logger
}

var _ Store = (*VectorStore)(nil)

func NewVectorStore(index VectorIndex, embedder Embedder, ids IDLog, maxRecords int, logger *zap.Logger) *VectorStore {
	if ids == nil {
		ids = NewMemoryIDLog()
	}
	if maxRecords < MinRecords {
		maxRecords = MinRecords
	}
	return &VectorStore{
		index:      index,
		embedder:   embedder,
		ids:        ids,
		maxRecords: maxRecords,
		logger:     logger.Named("memory.vector"),
	}
}

func (s *VectorStore) Append(ctx context.Context, item models.MemoryItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	embedding, err := s.embedder.Embed(ctx, item.Text())
	if err != nil {
		return fmt.Errorf("%w: embed item: %v", ErrMemoryIO, err)
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%w: marshal item: %v", ErrMemoryIO, err)
	}

	metadata := map[string]interface{}{
		"text":      item.Text(),
		itemField:   string(encoded),
		"timestamp": item.Timestamp,
		"type":      "memory_item",
	}
	if err := s.index.Upsert(ctx, item.ID, embedding, metadata); err != nil {
		return fmt.Errorf("%w: upsert item: %v", ErrMemoryIO, err)
	}
	s.logger.Debug("Stored memory item", zap.String("vector_id", item.ID))

	evicted, err := s.ids.Push(ctx, item.ID, s.maxRecords)
	if err != nil {
		return fmt.Errorf("%w: record id: %v", ErrMemoryIO, err)
	}
	if len(evicted) == 0 {
		return nil
	}
	if err := s.index.Delete(ctx, evicted); err != nil {
		s.logger.Warn("Failed to evict old vectors", zap.Int("count", len(evicted)), zap.Error(err))
		return fmt.Errorf("%w: evict vectors: %v", ErrMemoryIO, err)
	}
	s.logger.Debug("Evicted old memory items", zap.Int("count", len(evicted)))
	return nil
}

func (s *VectorStore) Retrieve(ctx context.Context, query string, topK int) ([]models.MemoryItem, error) {
	if topK < 1 {
		topK = 1
	}
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrMemoryIO, err)
	}
	rows, err := s.index.Query(ctx, embedding, topK, itemField)
	if err != nil {
		return nil, fmt.Errorf("%w: query index: %v", ErrMemoryIO, err)
	}

	items := make([]models.MemoryItem, 0, len(rows))
	for _, row := range rows {
		var item models.MemoryItem
		if err := json.Unmarshal([]byte(row), &item); err != nil {
			s.logger.Warn("Skipping unreadable vector metadata", zap.Error(err))
			continue
		}
		items = append(items, item)
		if len(items) == topK {
			break
		}
	}
	return items, nil
}

func (s *VectorStore) Close() error {
	if c, ok := s.index.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
