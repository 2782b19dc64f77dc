package handlers

import (
	"strings"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func ptrTo[T any](v T) *T { return &v }

func TestIntentionHandler_ReplanGate(t *testing.T) {
	clock := newFakeClock()
	h := NewIntentionHandler(3*time.Second, DefaultSceneSimilarity, clock.Now, zaptest.NewLogger(t))

	first := models.Observation{SceneText: "abcdefghij"}
	replan, reason := h.ShouldReplan(first)
	assert.True(t, replan)
	assert.Equal(t, "stale", reason)

	h.Apply(models.PlanReply{Intent: "explore"})
	h.MarkPlanned(first)

	similar := models.Observation{SceneText: "abcdefghik"}
	assert.InDelta(t, 0.9, SceneSimilarity(first.SceneText, similar.SceneText), 1e-9)
	clock.Advance(time.Second)
	replan, _ = h.ShouldReplan(similar)
	assert.False(t, replan, "similar scene, nothing heard, intent fresh")

	replan, reason = h.ShouldReplan(models.Observation{SceneText: "zzzzzzzzzz"})
	assert.True(t, replan)
	assert.Equal(t, "scene_changed", reason)

	heard := models.Observation{SceneText: first.SceneText, HeardText: "hi there"}
	replan, reason = h.ShouldReplan(heard)
	assert.True(t, replan)
	assert.Equal(t, "heard", reason)

	h.MarkPlanned(heard)
	replan, _ = h.ShouldReplan(heard)
	assert.False(t, replan, "the same utterance does not trigger twice")

	clock.Advance(3 * time.Second)
	replan, reason = h.ShouldReplan(heard)
	assert.True(t, replan)
	assert.Equal(t, "stale", reason)
}

func TestIntentionHandler_EmptySceneSkipsSimilarity(t *testing.T) {
	clock := newFakeClock()
	h := NewIntentionHandler(3*time.Second, DefaultSceneSimilarity, clock.Now, zaptest.NewLogger(t))
	h.Apply(models.PlanReply{})
	h.MarkPlanned(models.Observation{SceneText: "a bright lobby"})

	replan, _ := h.ShouldReplan(models.Observation{})
	assert.False(t, replan)
}

func TestIntentionHandler_ApplyClampsAndDefaults(t *testing.T) {
	clock := newFakeClock()
	h := NewIntentionHandler(3*time.Second, DefaultSceneSimilarity, clock.Now, zaptest.NewLogger(t))

	state := h.Apply(models.PlanReply{
		Intent:        strings.Repeat("探", 50),
		ActivityLevel: ptrTo(1.7),
		Curiosity:     ptrTo(-0.2),
	})
	assert.Equal(t, strings.Repeat("探", 40), state.Intent)
	assert.Equal(t, 1.0, state.ActivityLevel)
	assert.Equal(t, 0.0, state.Curiosity)
	assert.True(t, state.AllowMove)
	assert.Equal(t, clock.Now(), state.UpdatedAt)

	state = h.Apply(models.PlanReply{NextFocus: "mirror", AllowMove: ptrTo(false)})
	assert.Equal(t, "mirror", state.Intent)
	assert.Equal(t, models.DefaultActivityLevel, state.ActivityLevel)
	assert.Equal(t, models.DefaultCuriosity, state.Curiosity)
	assert.False(t, state.AllowMove)

	state = h.Apply(models.PlanReply{Intent: "   "})
	assert.Equal(t, models.DEFAULT_INTENT, state.Intent)

	zero := h.Apply(models.PlanReply{ActivityLevel: ptrTo(0.0)})
	assert.Equal(t, 0.0, zero.ActivityLevel, "an explicit zero is kept")
}

func TestIntentionHandler_UpdatedAtNeverRegresses(t *testing.T) {
	clock := newFakeClock()
	h := NewIntentionHandler(3*time.Second, DefaultSceneSimilarity, clock.Now, zaptest.NewLogger(t))

	first := h.Apply(models.PlanReply{})
	clock.Advance(-time.Minute)
	second := h.Apply(models.PlanReply{})
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, second, h.Snapshot())
}

func TestSceneSimilarity_Runes(t *testing.T) {
	assert.Equal(t, 1.0, SceneSimilarity("镜子房间", "镜子房间"))
	assert.Equal(t, 0.0, SceneSimilarity("镜子", "森林"))
}
