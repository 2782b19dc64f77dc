package memory

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
)

const (
	overlapWeight = 0.85
	recencyWeight = 0.15
)

// Latin words plus short CJK chunks so Chinese and English text can overlap.
var tokenPattern = regexp.MustCompile(`[a-z0-9_]+|[\x{4e00}-\x{9fff}]{1,3}`)

func Tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, part := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if part != "" {
			tokens[part] = struct{}{}
		}
	}
	return tokens
}

// OverlapScore is the share of query tokens present in the record.
func OverlapScore(query, record map[string]struct{}) float64 {
	if len(query) == 0 || len(record) == 0 {
		return 0
	}
	inter := 0
	for token := range query {
		if _, ok := record[token]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(query))
}

type scored struct {
	score float64
	item  models.MemoryItem
}

// Rank scores items (oldest first) against query and returns the top k with a positive score.
func Rank(items []models.MemoryItem, query string, topK int) []models.MemoryItem {
	if len(items) == 0 {
		return nil
	}
	if topK < 1 {
		topK = 1
	}
	queryTokens := Tokenize(query)
	total := float64(len(items))

	results := make([]scored, 0, len(items))
	for idx, item := range items {
		overlap := OverlapScore(queryTokens, Tokenize(item.Text()))
		recency := float64(idx+1) / total
		results = append(results, scored{
			score: overlap*overlapWeight + recency*recencyWeight,
			item:  item,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})

	if len(results) > topK {
		results = results[:topK]
	}
	out := make([]models.MemoryItem, 0, len(results))
	for _, r := range results {
		if r.score > 0 {
			out = append(out, r.item)
		}
	}
	return out
}
