package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	SESSION_END    = "<SESSION_END>"
	END_OF_SPEECH  = "<END_OF_SPEECH>"
	DEFAULT_INTENT = "observe"

	DefaultActivityLevel = 0.35
	DefaultCuriosity     = 0.55
	MaxIntentLength      = 40
)

// Observation is one perception result. Treat it as a value; it is never mutated after creation.
type Observation struct {
	SceneText string `json:"scene_text"`
	HeardText string `json:"heard_text"`
}

type IntentState struct {
	Intent        string    `json:"intent"`
	ActivityLevel float64   `json:"activity_level"`
	Curiosity     float64   `json:"curiosity"`
	AllowMove     bool      `json:"allow_move"`
	UpdatedAt     time.Time `json:"-"`
}

func DefaultIntentState() IntentState {
	return IntentState{
		Intent:        DEFAULT_INTENT,
		ActivityLevel: DefaultActivityLevel,
		Curiosity:     DefaultCuriosity,
		AllowMove:     true,
	}
}

// PlanReply is the oracle's answer. Every field is untrusted until it has been
// applied through the intention handler and the plan handler.
type PlanReply struct {
	Intent        string   `json:"intent"`
	NextFocus     string   `json:"next_focus,omitempty"`
	ActivityLevel *float64 `json:"activity_level,omitempty"`
	Curiosity     *float64 `json:"curiosity,omitempty"`
	AllowMove     *bool    `json:"allow_move,omitempty"`
	Speak         string   `json:"speak"`
	Actions       RawList  `json:"actions"`
}

type planReplyWire struct {
	Intent        json.RawMessage `json:"intent"`
	NextFocus     json.RawMessage `json:"next_focus"`
	ActivityLevel json.RawMessage `json:"activity_level"`
	Curiosity     json.RawMessage `json:"curiosity"`
	AllowMove     json.RawMessage `json:"allow_move"`
	Speak         json.RawMessage `json:"speak"`
	Actions       RawList         `json:"actions"`
}

// UnmarshalJSON decodes each field on its own. A field of the wrong type falls
// back to its zero value instead of failing the whole reply; numbers and
// booleans written as strings are accepted.
func (r *PlanReply) UnmarshalJSON(data []byte) error {
	var w planReplyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = PlanReply{
		Intent:        looseString(w.Intent),
		NextFocus:     looseString(w.NextFocus),
		ActivityLevel: looseFloat(w.ActivityLevel),
		Curiosity:     looseFloat(w.Curiosity),
		AllowMove:     looseBool(w.AllowMove),
		Speak:         looseString(w.Speak),
		Actions:       w.Actions,
	}
	return nil
}

// looseString accepts a string, or the literal text of a number or boolean.
func looseString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

func looseFloat(raw json.RawMessage) *float64 {
	var f float64
	if json.Unmarshal(raw, &f) == nil && !isNull(raw) {
		return &f
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func looseBool(raw json.RawMessage) *bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil && !isNull(raw) {
		return &b
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil && !isNull(raw) {
		b = f != 0
		return &b
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return nil
	}
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return nil
	}
	return &b
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DefaultPlanReply is the keep-alive reply used whenever the oracle fails.
func DefaultPlanReply() PlanReply {
	activity, curiosity, allowMove := DefaultActivityLevel, DefaultCuriosity, true
	return PlanReply{
		Intent:        DEFAULT_INTENT,
		ActivityLevel: &activity,
		Curiosity:     &curiosity,
		AllowMove:     &allowMove,
	}
}

type ShortTermEntry struct {
	Speak   string `json:"speak"`
	Actions string `json:"actions"`
}

type LongTermEntry struct {
	Scene string `json:"scene"`
	Speak string `json:"speak"`
}

// IntentRequest is the compact state sent to the oracle on a replan.
type IntentRequest struct {
	Time            string           `json:"time"`
	Scene           string           `json:"scene"`
	Heard           string           `json:"heard"`
	IntentState     IntentState      `json:"intent_state"`
	ShortTermMemory []ShortTermEntry `json:"short_term_memory"`
	LongTermMemory  []LongTermEntry  `json:"long_term_memory"`
}

type CycleSummary struct {
	Cycle     int     `json:"cycle"`
	Scene     string  `json:"scene"`
	Heard     string  `json:"heard"`
	Speak     string  `json:"speak"`
	Actions   Actions `json:"actions"`
	LLMCalled bool    `json:"llm_called"`
	Intent    string  `json:"intent"`
}

type MemoryItem struct {
	ID        string  `json:"id,omitempty"`
	Timestamp string  `json:"timestamp"`
	Scene     string  `json:"scene"`
	Heard     string  `json:"heard"`
	Speak     string  `json:"speak"`
	Actions   Actions `json:"actions"`
}

const TimestampLayout = "2006-01-02T15:04:05"

func NewMemoryItem(id string, at time.Time, scene, heard, speak string, actions []Action) MemoryItem {
	return MemoryItem{
		ID:        id,
		Timestamp: at.Format(TimestampLayout),
		Scene:     scene,
		Heard:     heard,
		Speak:     speak,
		Actions:   Actions(actions),
	}
}

// Text is the concatenation used for retrieval and embeddings.
func (m MemoryItem) Text() string {
	return m.Scene + "\n" + m.Heard + "\n" + m.Speak
}

// Truncate returns the first n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
