package handlers

import (
	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
)

const (
	MaxCycleActions = 8
	signatureWindow = 6
)

// Stabilizer breaks loops where the oracle keeps emitting the same motion script.
// It is owned by the cycle goroutine.
type Stabilizer struct {
	ring []string
}

func NewStabilizer() *Stabilizer {
	return &Stabilizer{ring: make([]string, 0, signatureWindow)}
}

// Stabilize caps the list and swaps a repeated script for a fallback chosen by cycle.
func (s *Stabilizer) Stabilize(actions []models.Action, cycle int) []models.Action {
	if len(actions) > MaxCycleActions {
		actions = actions[:MaxCycleActions]
	}
	if models.HasChat(actions) {
		return actions
	}

	sig := models.Signature(actions)
	if len(s.ring) == signatureWindow {
		s.ring = append(s.ring[:0], s.ring[1:]...)
	}
	s.ring = append(s.ring, sig)

	seen := 0
	for _, prev := range s.ring {
		if prev == sig {
			seen++
		}
	}
	if seen >= 2 {
		return FallbackScript(cycle)
	}
	return actions
}

// FallbackScript returns one of three fixed exploration scripts.
func FallbackScript(cycle int) []models.Action {
	switch ((cycle % 3) + 3) % 3 {
	case 0:
		return []models.Action{
			models.Move{Direction: "a", Seconds: 0.25},
			models.MouseMove{DX: -30, DY: 0, Look: true},
			models.Jump{},
			models.Wait{Seconds: 0.25},
		}
	case 1:
		return []models.Action{
			models.Move{Direction: "d", Seconds: 0.25},
			models.MouseMove{DX: 25, DY: -8, Look: true},
			models.Wait{Seconds: 0.2},
		}
	default:
		return []models.Action{
			models.Move{Direction: "s", Seconds: 0.2},
			models.MouseMove{DX: 0, DY: -12, Look: true},
			models.MouseClick{Button: "left"},
		}
	}
}
