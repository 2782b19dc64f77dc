package utils

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/hypebeast/go-osc/osc"
	"go.uber.org/zap"
)

const maxChatboxRunes = 144

// OSCSender is satisfied by *osc.Client.
type OSCSender interface {
	Send(packet osc.Packet) error
}

// OSCActuator drives VRChat through its OSC input endpoints.
type OSCActuator struct {
	client OSCSender
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]bool
}

func NewOSCActuator(cfg config.ChatConfig, logger *zap.Logger) *OSCActuator {
	return NewOSCActuatorWithSender(osc.NewClient(cfg.OSCHost, cfg.OSCPort), logger)
}

func NewOSCActuatorWithSender(sender OSCSender, logger *zap.Logger) *OSCActuator {
	return &OSCActuator{
		client: sender,
		logger: logger.Named("osc"),
		held:   make(map[string]bool),
	}
}

var oscButtons = map[string]string{
	"w":     "MoveForward",
	"s":     "MoveBackward",
	"a":     "MoveLeft",
	"d":     "MoveRight",
	"space": "Jump",
	"shift": "Run",
	"left":  "LookLeft",
	"right": "LookRight",
}

// ButtonForKey maps a keyboard key onto the matching /input button.
func ButtonForKey(key string) (string, bool) {
	b, ok := oscButtons[strings.ToLower(strings.TrimSpace(key))]
	return b, ok
}

// LookAxis converts a look delta in pixels into an axis value and a hold time.
func LookAxis(delta int) (float32, time.Duration) {
	amount := math.Max(-1, math.Min(1, float64(delta)/35.0))
	hold := math.Max(0.03, math.Min(0.22, math.Abs(float64(delta))/120.0))
	return float32(amount), config.Seconds(hold)
}

// ChatboxText flattens and truncates text for /chatbox/input.
func ChatboxText(text string) string {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return models.Truncate(strings.TrimSpace(text), maxChatboxRunes)
}

// Execute runs actions in order. Held buttons are released on return,
// including when ctx is cancelled part way through.
func (a *OSCActuator) Execute(ctx context.Context, actions []models.Action, dryRun bool, target string) error {
	a.logger.Debug("Executing actions", zap.Int("count", len(actions)), zap.Bool("dry_run", dryRun), zap.String("target", target))
	if dryRun {
		for _, action := range actions {
			a.logger.Info("[dry-run] action", zap.Stringer("action", models.Actions{action}))
		}
		return nil
	}

	defer a.releaseHeld()
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.execute(ctx, action); err != nil {
			return fmt.Errorf("action %s: %w", action.Kind(), err)
		}
	}
	return nil
}

func (a *OSCActuator) execute(ctx context.Context, action models.Action) error {
	switch v := action.(type) {
	case models.Move:
		hold := config.Seconds(v.Seconds)
		switch v.Direction {
		case "w":
			return a.axis(ctx, "Vertical", 1, hold)
		case "s":
			return a.axis(ctx, "Vertical", -1, hold)
		case "d":
			return a.axis(ctx, "Horizontal", 1, hold)
		case "a":
			return a.axis(ctx, "Horizontal", -1, hold)
		default:
			a.logger.Warn("Unknown move direction", zap.String("direction", v.Direction))
		}
	case models.Jump:
		return a.button(ctx, "Jump")
	case models.ChatSend:
		text := ChatboxText(v.Text)
		if text == "" {
			return nil
		}
		a.logger.Info("Sending chat", zap.Int("length", len([]rune(text))))
		return a.client.Send(osc.NewMessage("/chatbox/input", text, true, false))
	case models.KeyTap:
		name, ok := ButtonForKey(v.Key)
		if !ok {
			a.logger.Warn("No OSC button for key", zap.String("key", v.Key))
			return nil
		}
		if err := a.buttonState(name, true); err != nil {
			return err
		}
		err := sleepCtx(ctx, max(20*time.Millisecond, config.Seconds(v.Duration)))
		if rerr := a.buttonState(name, false); rerr != nil {
			return rerr
		}
		return err
	case models.KeyDown:
		if name, ok := ButtonForKey(v.Key); ok {
			return a.buttonState(name, true)
		}
		a.logger.Warn("No OSC button for key", zap.String("key", v.Key))
	case models.KeyUp:
		if name, ok := ButtonForKey(v.Key); ok {
			return a.buttonState(name, false)
		}
		a.logger.Warn("No OSC button for key", zap.String("key", v.Key))
	case models.MouseMove:
		if !v.Look {
			a.logger.Debug("Cursor move has no OSC equivalent", zap.Int("dx", v.DX), zap.Int("dy", v.DY))
			return nil
		}
		if abs(v.DX) >= 2 {
			amount, hold := LookAxis(v.DX)
			if err := a.axis(ctx, "LookHorizontal", amount, hold); err != nil {
				return err
			}
		}
		if abs(v.DY) >= 2 {
			amount, hold := LookAxis(-v.DY)
			return a.axis(ctx, "LookVertical", amount, hold)
		}
	case models.MouseClick:
		switch v.Button {
		case "left":
			return a.button(ctx, "UseRight")
		case "right":
			return a.button(ctx, "GrabRight")
		default:
			a.logger.Warn("Unknown mouse button", zap.String("button", v.Button))
		}
	case models.Wait:
		return sleepCtx(ctx, config.Seconds(v.Seconds))
	case models.ToggleCrouch, models.ToggleProne:
		a.logger.Debug("Stance toggle has no OSC equivalent", zap.String("kind", string(action.Kind())))
	}
	return nil
}

func (a *OSCActuator) axis(ctx context.Context, name string, value float32, hold time.Duration) error {
	addr := "/input/" + name
	a.logger.Debug("Axis", zap.String("address", addr), zap.Float32("value", value), zap.Duration("hold", hold))
	if err := a.client.Send(osc.NewMessage(addr, value)); err != nil {
		return err
	}
	err := sleepCtx(ctx, max(20*time.Millisecond, hold))
	if serr := a.client.Send(osc.NewMessage(addr, float32(0))); serr != nil {
		return serr
	}
	return err
}

func (a *OSCActuator) button(ctx context.Context, name string) error {
	addr := "/input/" + name
	if err := a.client.Send(osc.NewMessage(addr, int32(1))); err != nil {
		return err
	}
	err := sleepCtx(ctx, 30*time.Millisecond)
	if serr := a.client.Send(osc.NewMessage(addr, int32(0))); serr != nil {
		return serr
	}
	return err
}

func (a *OSCActuator) buttonState(name string, pressed bool) error {
	var v int32
	if pressed {
		v = 1
	}
	if err := a.client.Send(osc.NewMessage("/input/"+name, v)); err != nil {
		return err
	}
	a.mu.Lock()
	if pressed {
		a.held[name] = true
	} else {
		delete(a.held, name)
	}
	a.mu.Unlock()
	return nil
}

func (a *OSCActuator) releaseHeld() {
	a.mu.Lock()
	names := make([]string, 0, len(a.held))
	for name := range a.held {
		names = append(names, name)
	}
	a.mu.Unlock()
	for _, name := range names {
		if err := a.buttonState(name, false); err != nil {
			a.logger.Warn("Failed to release button", zap.String("button", name), zap.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
