package handlers

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func chatTexts(actions []models.Action) []string {
	var out []string
	for _, a := range actions {
		if c, ok := a.(models.ChatSend); ok {
			out = append(out, c.Text)
		}
	}
	return out
}

func TestPlanHandler_SpeakBecomesSingleChat(t *testing.T) {
	p := NewPlanHandler(&seqRand{fallback: 0.99}, newFakeClock().Now, false, zaptest.NewLogger(t))
	obs := models.Observation{SceneText: "a quiet empty corridor"}

	speak, actions := p.Prepare(obs, models.PlanReply{Speak: "你好"}, 0.35)
	actions = NewStabilizer().Stabilize(actions, 1)
	actions = RepairChat(actions, speak)

	assert.Equal(t, "你好", speak)
	assert.Equal(t, []string{"你好"}, chatTexts(actions))
	assert.Len(t, actions, 1)
}

func TestRepairChat(t *testing.T) {
	repaired := RepairChat([]models.Action{
		models.Jump{},
		models.ChatSend{Text: "4145"},
		models.ChatSend{Text: strings.Repeat("长", 150)},
	}, "在呢")

	require.Len(t, repaired, 3)
	assert.Equal(t, models.Jump{}, repaired[0])
	assert.Equal(t, models.ChatSend{Text: "在呢"}, repaired[1])
	assert.Equal(t, models.ChatSend{Text: strings.Repeat("长", 140)}, repaired[2])

	assert.Empty(t, RepairChat([]models.Action{models.ChatSend{Text: "ok"}}, "  "), "empty chats are dropped")
}

func TestPlanHandler_HeardReplyIsDebounced(t *testing.T) {
	clock := newFakeClock()
	p := NewPlanHandler(&seqRand{fallback: 0.99}, clock.Now, false, zaptest.NewLogger(t))
	obs := models.Observation{SceneText: "a corridor", HeardText: "hello there"}

	speak, actions := p.Prepare(obs, models.PlanReply{}, 0.35)
	want := `got it, I heard you say "hello there", I'm here.`
	assert.Equal(t, want, speak)
	assert.Equal(t, []string{want}, chatTexts(actions))

	clock.Advance(5 * time.Second)
	_, actions = p.Prepare(obs, models.PlanReply{}, 0.35)
	assert.Empty(t, chatTexts(actions))

	clock.Advance(8 * time.Second)
	_, actions = p.Prepare(obs, models.PlanReply{}, 0.35)
	assert.Equal(t, []string{want}, chatTexts(actions))
}

func TestPlanHandler_HeardReplyQuotesFirst30Runes(t *testing.T) {
	p := NewPlanHandler(&seqRand{fallback: 0.99}, newFakeClock().Now, false, zaptest.NewLogger(t))
	heard := strings.Repeat("a", 40)

	_, actions := p.Prepare(models.Observation{HeardText: heard}, models.PlanReply{}, 0)
	require.Len(t, chatTexts(actions), 1)
	assert.Contains(t, chatTexts(actions)[0], `"`+strings.Repeat("a", 30)+`"`)
}

func TestPlanHandler_ExistingChatSuppressesExtras(t *testing.T) {
	p := NewPlanHandler(&seqRand{fallback: 0}, newFakeClock().Now, false, zaptest.NewLogger(t))
	reply := models.PlanReply{
		Speak:   "hey friend",
		Actions: models.RawList{json.RawMessage(`{"type":"chat_send","text":"welcome, friend"}`)},
	}
	_, actions := p.Prepare(models.Observation{SceneText: "a friend waves", HeardText: "hi"}, reply, 1)
	assert.Equal(t, []string{"welcome, friend"}, chatTexts(actions))
}

func TestPlanHandler_AmbientChat(t *testing.T) {
	clock := newFakeClock()
	r := &seqRand{fallback: 0.1}
	p := NewPlanHandler(r, clock.Now, false, zaptest.NewLogger(t))
	obs := models.Observation{SceneText: "Two friends chatting near the mirror"}

	speak, actions := p.Prepare(obs, models.PlanReply{}, 0.35)
	require.Len(t, chatTexts(actions), 1)
	assert.True(t, strings.HasPrefix(chatTexts(actions)[0], "I'm here, I see Two friends"))
	assert.Equal(t, chatTexts(actions)[0], speak)

	clock.Advance(5 * time.Second)
	_, actions = p.Prepare(obs, models.PlanReply{}, 0.35)
	assert.Empty(t, chatTexts(actions), "ambient chat waits 14s")

	clock.Advance(10 * time.Second)
	r.fallback = 0.99
	_, actions = p.Prepare(obs, models.PlanReply{}, 0.35)
	assert.Empty(t, chatTexts(actions), "the probability roll failed")

	_, actions = p.Prepare(models.Observation{SceneText: "an empty desert"}, models.PlanReply{}, 1)
	assert.Empty(t, chatTexts(actions), "no social context")
}

func TestPlanHandler_ObserveOnlyNeverAutoChats(t *testing.T) {
	p := NewPlanHandler(&seqRand{fallback: 0}, newFakeClock().Now, true, zaptest.NewLogger(t))
	_, actions := p.Prepare(models.Observation{SceneText: "friends everywhere"}, models.PlanReply{}, 1)
	assert.Empty(t, actions)
}

func TestPlanHandler_LogsDroppedActions(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := NewPlanHandler(&seqRand{fallback: 0.99}, newFakeClock().Now, false, zap.New(core))

	reply := models.PlanReply{Actions: models.RawList{
		json.RawMessage(`"jump"`),
		json.RawMessage(`{"type":"fly"}`),
		json.RawMessage(`{"type":"jump"}`),
	}}
	_, actions := p.Prepare(models.Observation{}, reply, 0)
	assert.Equal(t, []models.Action{models.Jump{}}, actions)
	assert.Equal(t, 2, logs.FilterMessage("Dropping invalid action item").Len())
}

func TestSceneLine(t *testing.T) {
	assert.Equal(t, "heard someone say: hi, I'm over here.", SceneLine(models.Observation{SceneText: "x", HeardText: " hi "}))
	assert.Equal(t, "I'm here, I see 一个房间, carry on.", SceneLine(models.Observation{SceneText: "### 当前游戏画面描述\n**一个房间**"}))
	assert.Equal(t, "", SceneLine(models.Observation{SceneText: "### ** ---"}))
	assert.Equal(t, "", SceneLine(models.Observation{}))
}
