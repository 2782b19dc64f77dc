package handlers

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"go.uber.org/zap"
)

const (
	maxIdleActions   = 3
	idleKeepAlive    = 2 * time.Second
	pixelsPerDegree  = 9
	maxJitterStretch = 1.35
)

// IdleHandler synthesizes the small looks and steps made between planning cycles.
// Only the idle loop calls Build, so the soft-cap state needs no lock.
type IdleHandler struct {
	cfg    config.RuntimeConfig
	rand   Rand
	logger *zap.Logger

	lastSig string
	lastDX  int
}

func NewIdleHandler(cfg config.RuntimeConfig, r Rand, logger *zap.Logger) *IdleHandler {
	return &IdleHandler{
		cfg:    cfg,
		rand:   r,
		logger: logger.Named("idle"),
	}
}

func prob(v float64) float64 { return clampUnit(v) }

func degToDX(deg float64) int {
	return max(1, int(math.RoundToEven(math.Abs(deg)*pixelsPerDegree)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (h *IdleHandler) jitterRange() (float64, float64) {
	lo := max(0.2, h.cfg.IdleLookJitterMinDeg)
	return lo, max(lo, h.cfg.IdleLookJitterMaxDeg)
}

// MaxDX is the absolute horizontal limit for one idle look.
func (h *IdleHandler) MaxDX() int {
	_, hi := h.jitterRange()
	return degToDX(hi * maxJitterStretch)
}

// Build returns at most three actions for this round; nil means stay still.
// force skips both hesitation rolls.
func (h *IdleHandler) Build(state models.IntentState, heard string, force bool) []models.Action {
	if !force && h.rand.Float64() < prob(h.cfg.IdleHesitateIdleProb) {
		return nil
	}
	if !force && h.rand.Float64() < prob(h.cfg.IdleHesitatePauseProb) {
		return []models.Action{models.Wait{Seconds: round2(uniform(h.rand, 0.3, 0.8))}}
	}

	var actions []models.Action
	if h.rand.Float64() < 0.25 {
		actions = append(actions, models.Wait{Seconds: round2(uniform(h.rand, 0.08, 0.28))})
	}

	lo, hi := h.jitterRange()
	deg := uniform(h.rand, lo, hi) * (0.8 + 0.4*state.Curiosity)
	baseDX := degToDX(deg) * choice(h.rand, -1, 1)
	var baseDY int
	switch strings.ToLower(state.Intent) {
	case "observe", "listen":
		baseDY = randInt(h.rand, -5, 6)
	default:
		baseDY = randInt(h.rand, -4, 4)
	}
	maxDX := h.MaxDX()
	prevDX := h.lastDX

	if strings.TrimSpace(heard) != "" && h.rand.Float64() < 0.45 {
		dx := h.softCap(int(float64(baseDX)*1.5), maxDX, prevDX)
		if h.rand.Float64() < prob(h.cfg.IdleLookOvershootProb) {
			back := int(float64(-dx) * uniform(h.rand, 0.28, 0.42))
			actions = append(actions,
				models.MouseMove{DX: dx, Look: true},
				models.Wait{Seconds: 0.06},
				models.MouseMove{DX: back, Look: true},
			)
		} else {
			actions = append(actions, models.MouseMove{DX: dx, Look: true})
		}
	} else {
		dx := h.softCap(baseDX, maxDX, prevDX)
		actions = append(actions, models.MouseMove{DX: dx, DY: baseDY, Look: true})
	}

	if state.AllowMove && h.rand.Float64() < prob(h.cfg.IdleSmallStepMoveProb+state.ActivityLevel*0.2) {
		if h.rand.Float64() < 0.28 {
			actions = append(actions, models.Wait{Seconds: round2(uniform(h.rand, 0.25, 0.5))})
		} else {
			actions = append(actions, models.Move{
				Direction: choice(h.rand, "w", "a", "s", "d"),
				Seconds:   round2(uniform(h.rand, 0.12, 0.25)),
			})
		}
	}

	if len(actions) > maxIdleActions {
		actions = actions[:maxIdleActions]
	}
	sig := models.Signature(actions)
	if sig != "" && sig == h.lastSig {
		actions = h.mutate(actions, maxDX, prevDX)
		sig = models.Signature(actions)
	}
	h.lastSig = sig
	return actions
}

// softCap clamps dx to ±maxDX and to at most max(4, maxDX/2) away from prev.
func (h *IdleHandler) softCap(dx, maxDX, prev int) int {
	capped := max(-maxDX, min(maxDX, dx))
	step := max(4, maxDX/2)
	switch delta := capped - prev; {
	case delta > step:
		capped = prev + step
	case delta < -step:
		capped = prev - step
	}
	h.lastDX = capped
	return capped
}

func (h *IdleHandler) mutate(actions []models.Action, maxDX, prevDX int) []models.Action {
	out := make([]models.Action, len(actions), maxIdleActions+1)
	copy(out, actions)
	for i, a := range out {
		look, ok := a.(models.MouseMove)
		if !ok {
			continue
		}
		nudged := look
		nudged.DX = h.softCap(look.DX+choice(h.rand, -3, -2, 2, 3), maxDX, prevDX)
		nudged.DY = look.DY + choice(h.rand, -1, 0, 1)
		if nudged == look {
			nudged.DY++
		}
		out[i] = nudged
		return out
	}
	out = append(out, models.MouseMove{DX: h.softCap(choice(h.rand, -6, 6), maxDX, prevDX), Look: true})
	if len(out) > maxIdleActions {
		out = out[:maxIdleActions]
	}
	return out
}

// runIdleLoop keeps the avatar alive between cycles until ctx is cancelled.
func (s *AgentSession) runIdleLoop(ctx context.Context) {
	defer s.wg.Done()
	s.Logger.Info("Idle loop started")
	defer s.Logger.Info("Idle loop stopped")

	rt := s.Config.Runtime
	lo := max(0.1, rt.IdleIntervalMinSec)
	hi := max(lo, rt.IdleIntervalMaxSec)
	timeout := config.Seconds(rt.IdleActTimeoutSec)

	var lastExecuted time.Time
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		timer.Reset(config.Seconds(uniform(s.rand, lo, hi)))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if rt.ObserveOnly {
			continue
		}

		force := s.now().Sub(lastExecuted) > idleKeepAlive
		obs, _ := s.Observations.Last()
		actions := s.Idle.Build(s.Intention.Snapshot(), obs.HeardText, force)
		if len(actions) == 0 {
			continue
		}
		if err := s.act(ctx, actions, timeout, "idle"); err != nil {
			continue
		}
		lastExecuted = s.now()
	}
}
