package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func item(scene, heard, speak string) models.MemoryItem {
	return models.NewMemoryItem("", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), scene, heard, speak, []models.Action{models.Jump{}})
}

func TestFileStore_AppendWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "memory.jsonl")
	store, err := NewFileStore(path, 100, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, item("lobby", "", "hello")))
	require.NoError(t, store.Append(ctx, item("stage", "hi", "")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"scene":"lobby"`)
	assert.Contains(t, lines[0], `"timestamp":"2025-01-02T03:04:05"`)
	assert.Contains(t, lines[0], `"actions":[{"type":"jump"}]`)
	assert.Contains(t, lines[1], `"scene":"stage"`)
}

func TestFileStore_TruncatesOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	store, err := NewFileStore(path, 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, MinRecords, store.maxRecords)

	ctx := context.Background()
	for i := 0; i < 14; i++ {
		require.NoError(t, store.Append(ctx, item(fmt.Sprintf("scene-%d", i), "", "")))
	}

	items, err := store.loadAll()
	require.NoError(t, err)
	require.Len(t, items, MinRecords)
	assert.Equal(t, "scene-4", items[0].Scene)
	assert.Equal(t, "scene-13", items[len(items)-1].Scene)
}

func TestFileStore_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n\n{\"scene\":\"cafe\",\"speak\":\"coffee\"}\n"), 0o644))

	store, err := NewFileStore(path, 10, zaptest.NewLogger(t))
	require.NoError(t, err)

	got, err := store.Retrieve(context.Background(), "coffee", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cafe", got[0].Scene)
}

func TestFileStore_RetrieveMissingFile(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "none.jsonl"), 10, zaptest.NewLogger(t))
	require.NoError(t, err)

	got, err := store.Retrieve(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTokenize_LatinAndCJK(t *testing.T) {
	tokens := Tokenize("Hello WORLD_1, 你好世界朋友们!")
	for _, want := range []string{"hello", "world_1", "你好世", "界朋友", "们"} {
		assert.Contains(t, tokens, want)
	}
	assert.Len(t, tokens, 5)
}

func TestRank_NeverExceedsTopK(t *testing.T) {
	var items []models.MemoryItem
	for i := 0; i < 20; i++ {
		items = append(items, item("avatar room", "", fmt.Sprintf("line %d", i)))
	}
	for _, k := range []int{1, 3, 7} {
		assert.Len(t, Rank(items, "avatar", k), k)
	}
	assert.Len(t, Rank(items, "avatar", 0), 1)
}

func TestRank_IdenticalRecordHasFullOverlap(t *testing.T) {
	record := item("friends chatting in the lobby", "welcome", "hi there")
	query := record.Text()

	assert.Equal(t, 1.0, OverlapScore(Tokenize(query), Tokenize(record.Text())))

	items := []models.MemoryItem{record, item("empty desert", "", "")}
	got := Rank(items, query, 2)
	require.NotEmpty(t, got)
	assert.Equal(t, record.Scene, got[0].Scene)
}

func TestRank_RecencyBreaksOverlapTies(t *testing.T) {
	items := []models.MemoryItem{
		item("mirror world", "", "old"),
		item("mirror world", "", "new"),
	}
	got := Rank(items, "mirror", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].Speak)
	assert.Equal(t, "old", got[1].Speak)
}

func TestRank_RecencyKeepsZeroOverlapRecords(t *testing.T) {
	items := []models.MemoryItem{item("forest", "", ""), item("beach", "", "")}
	got := Rank(items, "spaceship", 5)
	assert.Len(t, got, 2)
	assert.Equal(t, "beach", got[0].Scene)
}
