package handlers

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"go.uber.org/zap"
)

const (
	heardReplyDebounce = 12 * time.Second
	autoChatInterval   = 14 * time.Second
	maxChatRunes       = 140
	minChatRunes       = 4
)

var socialKeywords = []string{
	"玩家", "朋友", "聊天", "房间", "角色", "avatar", "vrchat", "social", "online", "friend",
}

// Vision models like to wrap descriptions in headings and preambles.
var sceneBoilerplate = []string{
	"###", "---", "**", "好的",
	"根据您提供的图片", "这是对当前游戏画面的详细描述", "当前游戏画面描述",
	"整体场景描述", "可交互物体", "UI状态", "附近角色",
}

// PlanHandler turns an untrusted reply into a conversationally consistent action list.
// Its debounce timers belong to the cycle goroutine.
type PlanHandler struct {
	rand        Rand
	now         func() time.Time
	observeOnly bool
	logger      *zap.Logger

	lastRepliedHeard string
	lastHeardReplyAt time.Time
	lastAutoChatAt   time.Time
}

func NewPlanHandler(r Rand, now func() time.Time, observeOnly bool, logger *zap.Logger) *PlanHandler {
	if now == nil {
		now = time.Now
	}
	return &PlanHandler{
		rand:        r,
		now:         now,
		observeOnly: observeOnly,
		logger:      logger.Named("plan"),
	}
}

// Prepare decodes the reply actions and adds the chat lines the cycle owes.
// The stabilizer and RepairChat run after it.
func (p *PlanHandler) Prepare(obs models.Observation, reply models.PlanReply, activity float64) (string, []models.Action) {
	speak := strings.TrimSpace(reply.Speak)
	actions, dropped := models.DecodeActions(reply.Actions)
	for _, err := range dropped {
		p.logger.Warn("Dropping invalid action item", zap.Error(err))
	}

	speak, actions = p.replyOnHeard(obs, speak, actions)

	if speak != "" && !models.HasChat(actions) {
		actions = append(actions, models.ChatSend{Text: speak})
	}

	if p.shouldAutoChat(obs, actions, activity) {
		if line := SceneLine(obs); line != "" {
			actions = append(actions, models.ChatSend{Text: line})
			if speak == "" {
				speak = line
			}
			p.lastAutoChatAt = p.now()
			p.logger.Debug("Ambient chat added", zap.String("text", line))
		}
	}
	return speak, actions
}

func (p *PlanHandler) replyOnHeard(obs models.Observation, speak string, actions []models.Action) (string, []models.Action) {
	heard := strings.TrimSpace(obs.HeardText)
	if heard == "" || models.HasChat(actions) {
		return speak, actions
	}
	now := p.now()
	if heard == p.lastRepliedHeard && now.Sub(p.lastHeardReplyAt) < heardReplyDebounce {
		return speak, actions
	}

	reply := fmt.Sprintf("got it, I heard you say \"%s\", I'm here.", models.Truncate(strings.TrimSpace(flattenLines(heard)), 30))
	actions = append(actions, models.ChatSend{Text: reply})
	if speak == "" {
		speak = reply
	}
	p.lastRepliedHeard = heard
	p.lastHeardReplyAt = now
	p.logger.Info("Heard-triggered reply", zap.String("text", models.Truncate(reply, 40)))
	return speak, actions
}

func (p *PlanHandler) shouldAutoChat(obs models.Observation, actions []models.Action, activity float64) bool {
	if p.observeOnly || models.HasChat(actions) {
		return false
	}
	if p.now().Sub(p.lastAutoChatAt) < autoChatInterval {
		return false
	}
	scene := strings.ToLower(obs.SceneText)
	social := false
	for _, k := range socialKeywords {
		if strings.Contains(scene, k) {
			social = true
			break
		}
	}
	if !social && strings.TrimSpace(obs.HeardText) == "" {
		return false
	}
	return p.rand.Float64() < clampUnit(0.35+0.45*activity)
}

// RepairChat replaces junk chat text with speak, caps its length, and drops empty chats.
func RepairChat(actions []models.Action, speak string) []models.Action {
	repaired := make([]models.Action, 0, len(actions))
	for _, a := range actions {
		chat, ok := a.(models.ChatSend)
		if !ok {
			repaired = append(repaired, a)
			continue
		}
		text := strings.TrimSpace(chat.Text)
		if utf8.RuneCountInString(text) < minChatRunes || mostlyDigits(text) {
			text = strings.TrimSpace(speak)
		}
		text = models.Truncate(text, maxChatRunes)
		if text == "" {
			continue
		}
		repaired = append(repaired, models.ChatSend{Text: text})
	}
	return repaired
}

func mostlyDigits(text string) bool {
	total, digits := 0, 0
	for _, r := range text {
		total++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return total > 0 && float64(digits)/float64(total) >= 0.8
}

// SceneLine is the short social line built from what was heard or seen.
func SceneLine(obs models.Observation) string {
	if heard := strings.TrimSpace(obs.HeardText); heard != "" {
		return fmt.Sprintf("heard someone say: %s, I'm over here.", models.Truncate(strings.TrimSpace(flattenLines(heard)), 22))
	}

	scene := flattenLines(obs.SceneText)
	for _, token := range sceneBoilerplate {
		scene = strings.ReplaceAll(scene, token, " ")
	}
	scene = strings.Join(strings.Fields(scene), " ")
	short := models.Truncate(scene, 26)
	if short == "" {
		return ""
	}
	return fmt.Sprintf("I'm here, I see %s, carry on.", short)
}

func flattenLines(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
