package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"go.uber.org/zap"
)

const HeardLatchWindow = 10 * time.Second

type prefetch struct {
	done chan struct{}
	obs  models.Observation
	err  error
}

// ObservationHandler pipelines perception: each consumed result starts the next
// fetch, so perception for cycle N+1 overlaps planning and acting of cycle N.
type ObservationHandler struct {
	perceiver Perceiver
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	pending    *prefetch
	cached     models.Observation
	hasCache   bool
	latchText  string
	latchUntil time.Time
}

func NewObservationHandler(parent context.Context, perceiver Perceiver, timeout time.Duration, now func() time.Time, logger *zap.Logger) *ObservationHandler {
	ctx, cancel := context.WithCancel(parent)
	if now == nil {
		now = time.Now
	}
	return &ObservationHandler{
		perceiver: perceiver,
		timeout:   timeout,
		now:       now,
		logger:    logger.Named("observation"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Next returns the observation for this cycle with the heard latch applied.
func (h *ObservationHandler) Next(ctx context.Context) (models.Observation, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return models.Observation{}, ErrSessionClosed
	}
	if h.pending == nil {
		h.pending = h.startLocked()
	}
	p := h.pending

	select {
	case <-p.done:
		h.pending = h.startLocked()
		if p.err == nil {
			h.storeLocked(p.obs)
			obs := h.mergeLatchLocked(p.obs)
			h.mu.Unlock()
			return obs, nil
		}
		h.logger.Warn("Background perception failed, falling back to cache", zap.Error(p.err))
		if h.hasCache {
			obs := h.mergeLatchLocked(h.cached)
			h.mu.Unlock()
			return obs, nil
		}
		h.mu.Unlock()
		return h.recover(ctx)
	default:
	}

	if h.hasCache {
		obs := h.mergeLatchLocked(h.cached)
		h.mu.Unlock()
		h.logger.Debug("Perception still running, using cached observation")
		return obs, nil
	}
	h.mu.Unlock()

	// No cache yet: the first frame has to wait.
	select {
	case <-p.done:
	case <-ctx.Done():
		return models.Observation{}, ctx.Err()
	}

	h.mu.Lock()
	if h.pending == p {
		h.pending = h.startLocked()
	}
	if p.err != nil {
		h.mu.Unlock()
		h.logger.Warn("Initial perception failed", zap.Error(p.err))
		return h.recover(ctx)
	}
	h.storeLocked(p.obs)
	obs := h.mergeLatchLocked(p.obs)
	h.mu.Unlock()
	return obs, nil
}

// Last returns the raw cached observation, without the heard latch.
func (h *ObservationHandler) Last() (models.Observation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cached, h.hasCache
}

// Close cancels the in-flight prefetch and waits for it.
func (h *ObservationHandler) Close() {
	h.mu.Lock()
	h.closed = true
	h.pending = nil
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

func (h *ObservationHandler) recover(ctx context.Context) (models.Observation, error) {
	obs, err := boundedCall(ctx, h.timeout, h.perceiver.Observe)
	if err != nil {
		return models.Observation{}, fmt.Errorf("%w: %v", ErrPerception, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storeLocked(obs)
	return h.mergeLatchLocked(obs), nil
}

func (h *ObservationHandler) startLocked() *prefetch {
	p := &prefetch{done: make(chan struct{})}
	if h.closed {
		p.err = ErrSessionClosed
		close(p.done)
		return p
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(p.done)
		started := h.now()
		p.obs, p.err = boundedCall(h.ctx, h.timeout, h.perceiver.Observe)
		h.logger.Debug("Perception finished", zap.Duration("elapsed", h.now().Sub(started)), zap.Bool("ok", p.err == nil))
	}()
	return p
}

func (h *ObservationHandler) storeLocked(obs models.Observation) {
	h.cached = obs
	h.hasCache = true
}

func (h *ObservationHandler) mergeLatchLocked(obs models.Observation) models.Observation {
	now := h.now()
	heard := strings.TrimSpace(obs.HeardText)
	if heard != "" {
		h.latchText = heard
		h.latchUntil = now.Add(HeardLatchWindow)
		return obs
	}
	if h.latchText != "" && now.Before(h.latchUntil) {
		return models.Observation{SceneText: obs.SceneText, HeardText: h.latchText}
	}
	return obs
}
