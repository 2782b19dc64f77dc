package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidAction = errors.New("invalid action item")

type ActionKind string

const (
	ActionMove         ActionKind = "move"
	ActionToggleCrouch ActionKind = "toggle_crouch"
	ActionToggleProne  ActionKind = "toggle_prone"
	ActionJump         ActionKind = "jump"
	ActionChatSend     ActionKind = "chat_send"
	ActionKeyTap       ActionKind = "key_tap"
	ActionKeyDown      ActionKind = "key_down"
	ActionKeyUp        ActionKind = "key_up"
	ActionMouseMove    ActionKind = "mouse_move"
	ActionMouseClick   ActionKind = "mouse_click"
	ActionWait         ActionKind = "wait"
)

// Action is a closed set: only the types in this file implement it.
type Action interface {
	Kind() ActionKind
	isAction()
}

type Move struct {
	Direction string
	Seconds   float64
}

type ToggleCrouch struct{}

type ToggleProne struct{}

type Jump struct{}

type ChatSend struct {
	Text string
}

type KeyTap struct {
	Key      string
	Duration float64
}

type KeyDown struct {
	Key string
}

type KeyUp struct {
	Key string
}

type MouseMove struct {
	DX   int
	DY   int
	Look bool
}

type MouseClick struct {
	Button string
}

type Wait struct {
	Seconds float64
}

func (Move) Kind() ActionKind         { return ActionMove }
func (ToggleCrouch) Kind() ActionKind { return ActionToggleCrouch }
func (ToggleProne) Kind() ActionKind  { return ActionToggleProne }
func (Jump) Kind() ActionKind         { return ActionJump }
func (ChatSend) Kind() ActionKind     { return ActionChatSend }
func (KeyTap) Kind() ActionKind       { return ActionKeyTap }
func (KeyDown) Kind() ActionKind      { return ActionKeyDown }
func (KeyUp) Kind() ActionKind        { return ActionKeyUp }
func (MouseMove) Kind() ActionKind    { return ActionMouseMove }
func (MouseClick) Kind() ActionKind   { return ActionMouseClick }
func (Wait) Kind() ActionKind         { return ActionWait }

func (Move) isAction()         {}
func (ToggleCrouch) isAction() {}
func (ToggleProne) isAction()  {}
func (Jump) isAction()         {}
func (ChatSend) isAction()     {}
func (KeyTap) isAction()       {}
func (KeyDown) isAction()      {}
func (KeyUp) isAction()        {}
func (MouseMove) isAction()    {}
func (MouseClick) isAction()   {}
func (Wait) isAction()         {}

// actionWire is the JSON shape shared with the oracle and the memory log.
type actionWire struct {
	Type      ActionKind `json:"type"`
	Direction *string    `json:"direction,omitempty"`
	Seconds   *float64   `json:"seconds,omitempty"`
	Text      *string    `json:"text,omitempty"`
	Key       *string    `json:"key,omitempty"`
	Duration  *float64   `json:"duration,omitempty"`
	DX        *float64   `json:"dx,omitempty"`
	DY        *float64   `json:"dy,omitempty"`
	Look      *bool      `json:"look,omitempty"`
	Button    *string    `json:"button,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

func toWire(a Action) actionWire {
	w := actionWire{Type: a.Kind()}
	switch v := a.(type) {
	case Move:
		w.Direction, w.Seconds = ptr(v.Direction), ptr(v.Seconds)
	case ChatSend:
		w.Text = ptr(v.Text)
	case KeyTap:
		w.Key, w.Duration = ptr(v.Key), ptr(v.Duration)
	case KeyDown:
		w.Key = ptr(v.Key)
	case KeyUp:
		w.Key = ptr(v.Key)
	case MouseMove:
		w.DX, w.DY, w.Look = ptr(float64(v.DX)), ptr(float64(v.DY)), ptr(v.Look)
	case MouseClick:
		w.Button = ptr(v.Button)
	case Wait:
		w.Seconds = ptr(v.Seconds)
	case ToggleCrouch, ToggleProne, Jump:
	}
	return w
}

func fromWire(w actionWire) (Action, error) {
	switch w.Type {
	case ActionMove:
		return Move{
			Direction: strings.ToLower(strings.TrimSpace(deref(w.Direction, "w"))),
			Seconds:   deref(w.Seconds, 0.2),
		}, nil
	case ActionToggleCrouch:
		return ToggleCrouch{}, nil
	case ActionToggleProne:
		return ToggleProne{}, nil
	case ActionJump:
		return Jump{}, nil
	case ActionChatSend:
		return ChatSend{Text: deref(w.Text, "")}, nil
	case ActionKeyTap:
		return KeyTap{Key: deref(w.Key, ""), Duration: deref(w.Duration, 0.05)}, nil
	case ActionKeyDown:
		return KeyDown{Key: deref(w.Key, "")}, nil
	case ActionKeyUp:
		return KeyUp{Key: deref(w.Key, "")}, nil
	case ActionMouseMove:
		return MouseMove{
			DX:   int(deref(w.DX, 0)),
			DY:   int(deref(w.DY, 0)),
			Look: deref(w.Look, true),
		}, nil
	case ActionMouseClick:
		return MouseClick{Button: strings.ToLower(deref(w.Button, "left"))}, nil
	case ActionWait:
		return Wait{Seconds: deref(w.Seconds, 0.2)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidAction, w.Type)
	}
}

// DecodeAction parses one untrusted action entry.
func DecodeAction(raw json.RawMessage) (Action, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not an object: %.40s", ErrInvalidAction, string(trimmed))
	}
	var w actionWire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return fromWire(w)
}

// DecodeActions keeps every entry that parses and reports the rest.
func DecodeActions(raws []json.RawMessage) ([]Action, []error) {
	actions := make([]Action, 0, len(raws))
	var dropped []error
	for _, raw := range raws {
		action, err := DecodeAction(raw)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		actions = append(actions, action)
	}
	return actions, dropped
}

// RawList accepts any JSON value; only arrays produce entries.
type RawList []json.RawMessage

func (l *RawList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		*l = nil
		return nil
	}
	*l = items
	return nil
}

type Actions []Action

func (a Actions) MarshalJSON() ([]byte, error) {
	wires := make([]actionWire, 0, len(a))
	for _, action := range a {
		wires = append(wires, toWire(action))
	}
	return json.Marshal(wires)
}

func (a *Actions) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	actions, _ := DecodeActions(raws)
	*a = actions
	return nil
}

func (a Actions) String() string {
	data, err := a.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%d actions", len(a))
	}
	return string(data)
}

func HasChat(actions []Action) bool {
	for _, a := range actions {
		if a.Kind() == ActionChatSend {
			return true
		}
	}
	return false
}

// Signature fingerprints the first five actions for repetition checks.
func Signature(actions []Action) string {
	parts := make([]string, 0, 5)
	for i, a := range actions {
		if i == 5 {
			break
		}
		switch v := a.(type) {
		case Move:
			parts = append(parts, "move:"+v.Direction)
		case MouseMove:
			parts = append(parts, fmt.Sprintf("mouse:%d:%d", floorDiv(v.DX, 10), floorDiv(v.DY, 10)))
		default:
			parts = append(parts, string(a.Kind()))
		}
	}
	return strings.Join(parts, "|")
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
