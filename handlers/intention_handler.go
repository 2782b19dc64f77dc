package handlers

import (
	"strings"
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"
)

const (
	DefaultSceneSimilarity = 0.58
	sceneCompareRunes      = 320
	minIntentTTL           = time.Second
)

// IntentionHandler owns the intent state and decides when the oracle is worth calling.
type IntentionHandler struct {
	ttl       time.Duration
	threshold float64
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	state     models.IntentState
	lastScene string
	lastHeard string
}

func NewIntentionHandler(ttl time.Duration, threshold float64, now func() time.Time, logger *zap.Logger) *IntentionHandler {
	if ttl < minIntentTTL {
		ttl = minIntentTTL
	}
	if now == nil {
		now = time.Now
	}
	return &IntentionHandler{
		ttl:       ttl,
		threshold: threshold,
		now:       now,
		logger:    logger.Named("intention"),
		state:     models.DefaultIntentState(),
	}
}

// Snapshot returns a copy that is safe to read from another goroutine.
func (h *IntentionHandler) Snapshot() models.IntentState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ShouldReplan reports whether this observation warrants an oracle call, and why.
func (h *IntentionHandler) ShouldReplan(obs models.Observation) (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if strings.TrimSpace(obs.HeardText) != "" && obs.HeardText != h.lastHeard {
		return true, "heard"
	}
	if h.lastScene != "" && obs.SceneText != "" {
		if sim := SceneSimilarity(h.lastScene, obs.SceneText); sim < h.threshold {
			return true, "scene_changed"
		}
	}
	if h.now().Sub(h.state.UpdatedAt) > h.ttl {
		return true, "stale"
	}
	return false, ""
}

// MarkPlanned records the observation the oracle was consulted with.
func (h *IntentionHandler) MarkPlanned(obs models.Observation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastScene = obs.SceneText
	h.lastHeard = obs.HeardText
}

// Apply folds an oracle reply into the intent state and returns the new state.
func (h *IntentionHandler) Apply(reply models.PlanReply) models.IntentState {
	intent := strings.TrimSpace(reply.Intent)
	if intent == "" {
		intent = strings.TrimSpace(reply.NextFocus)
	}
	if intent == "" {
		intent = models.DEFAULT_INTENT
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	next := models.IntentState{
		Intent:        models.Truncate(intent, models.MaxIntentLength),
		ActivityLevel: clampUnit(valueOr(reply.ActivityLevel, models.DefaultActivityLevel)),
		Curiosity:     clampUnit(valueOr(reply.Curiosity, models.DefaultCuriosity)),
		AllowMove:     valueOr(reply.AllowMove, true),
		UpdatedAt:     h.state.UpdatedAt,
	}
	if now := h.now(); now.After(next.UpdatedAt) {
		next.UpdatedAt = now
	}
	h.state = next

	h.logger.Debug("Intent updated",
		zap.String("intent", next.Intent),
		zap.Float64("activity_level", next.ActivityLevel),
		zap.Float64("curiosity", next.Curiosity),
		zap.Bool("allow_move", next.AllowMove))
	return next
}

// SceneSimilarity is the matching-blocks ratio over the first 320 runes of each scene.
func SceneSimilarity(a, b string) float64 {
	return difflib.NewMatcher(splitRunes(a, sceneCompareRunes), splitRunes(b, sceneCompareRunes)).Ratio()
}

func splitRunes(s string, limit int) []string {
	out := make([]string, 0, min(len(s), limit))
	for _, r := range s {
		if len(out) == limit {
			break
		}
		out = append(out, string(r))
	}
	return out
}

func valueOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

func clampUnit(v float64) float64 {
	return min(1, max(0, v))
}
