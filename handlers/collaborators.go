package handlers

import (
	"context"
	"sync"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
)

// Perceiver produces one observation of the game.
type Perceiver interface {
	Observe(ctx context.Context) (models.Observation, error)
}

// Oracle turns the compact state into a plan.
type Oracle interface {
	PlanIntent(ctx context.Context, req models.IntentRequest) (models.PlanReply, error)
}

// Actuator delivers actions to the game. The returned error is only logged.
type Actuator interface {
	Execute(ctx context.Context, actions []models.Action, dryRun bool, target string) error
}

// Speaker renders text to speech. The returned error is only logged.
type Speaker interface {
	Speak(ctx context.Context, text string, dryRun bool) error
}

// Publisher receives status events; FeedHub is the websocket implementation.
type Publisher interface {
	Publish(msgType string, data interface{})
}

// Rand is satisfied by *math/rand.Rand.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// lockedRand lets the cycle loop, the idle loop and the manual trigger share one source.
type lockedRand struct {
	mu sync.Mutex
	r  Rand
}

func newLockedRand(r Rand) *lockedRand {
	if lr, ok := r.(*lockedRand); ok {
		return lr
	}
	return &lockedRand{r: r}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func uniform(r Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*r.Float64()
}

// randInt returns an int in [lo, hi].
func randInt(r Rand, lo, hi int) int {
	return lo + r.Intn(hi-lo+1)
}

func choice[T any](r Rand, items ...T) T {
	return items[r.Intn(len(items))]
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}
