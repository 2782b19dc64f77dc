package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"go.uber.org/zap"
)

var ErrMemoryIO = errors.New("memory io failure")

const MinRecords = 10

// Store is the episodic memory used by the agent session.
type Store interface {
	Append(ctx context.Context, item models.MemoryItem) error
	Retrieve(ctx context.Context, query string, topK int) ([]models.MemoryItem, error)
	Close() error
}

// FileStore keeps one JSON object per line, oldest first.
type FileStore struct {
	path       string
	maxRecords int
	logger     *zap.Logger
	mu         sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string, maxRecords int, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create memory dir: %v", ErrMemoryIO, err)
	}
	if maxRecords < MinRecords {
		maxRecords = MinRecords
	}
	return &FileStore{
		path:       path,
		maxRecords: maxRecords,
		logger:     logger.Named("memory"),
	}, nil
}

func (s *FileStore) Append(ctx context.Context, item models.MemoryItem) error {
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%w: marshal item: %v", ErrMemoryIO, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open log: %v", ErrMemoryIO, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("%w: write log: %v", ErrMemoryIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close log: %v", ErrMemoryIO, err)
	}
	return s.truncateIfNeeded()
}

func (s *FileStore) Retrieve(ctx context.Context, query string, topK int) ([]models.MemoryItem, error) {
	s.mu.Lock()
	items, err := s.loadAll()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return Rank(items, query, topK), nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) loadAll() ([]models.MemoryItem, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read log: %v", ErrMemoryIO, err)
	}

	var items []models.MemoryItem
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item models.MemoryItem
		if err := json.Unmarshal(line, &item); err != nil {
			s.logger.Debug("Skipping unreadable memory line", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan log: %v", ErrMemoryIO, err)
	}
	return items, nil
}

func (s *FileStore) truncateIfNeeded() error {
	items, err := s.loadAll()
	if err != nil {
		return err
	}
	if len(items) <= s.maxRecords {
		return nil
	}
	keep := items[len(items)-s.maxRecords:]

	var buf bytes.Buffer
	for _, item := range keep {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("%w: marshal item: %v", ErrMemoryIO, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: rewrite log: %v", ErrMemoryIO, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: replace log: %v", ErrMemoryIO, err)
	}
	s.logger.Debug("Truncated memory log", zap.Int("kept", len(keep)), zap.Int("dropped", len(items)-len(keep)))
	return nil
}
