package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
)

// seqRand replays scripted values and then repeats fallback.
type seqRand struct {
	mu       sync.Mutex
	floats   []float64
	ints     []int
	fallback float64
}

func (r *seqRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.floats) == 0 {
		return r.fallback
	}
	v := r.floats[0]
	r.floats = r.floats[1:]
	return v
}

func (r *seqRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ints) == 0 {
		return 0
	}
	v := r.ints[0]
	r.ints = r.ints[1:]
	return v % n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type perceiverFunc func(ctx context.Context, call int) (models.Observation, error)

// countingPerceiver numbers its calls from 1.
type countingPerceiver struct {
	mu    sync.Mutex
	calls int
	fn    perceiverFunc
}

func (p *countingPerceiver) Observe(ctx context.Context) (models.Observation, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.fn(ctx, call)
}

func (p *countingPerceiver) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func staticPerceiver(scene, heard string) *countingPerceiver {
	return &countingPerceiver{fn: func(ctx context.Context, _ int) (models.Observation, error) {
		return models.Observation{SceneText: scene, HeardText: heard}, nil
	}}
}

type fakeOracle struct {
	mu    sync.Mutex
	calls []models.IntentRequest
	reply models.PlanReply
	err   error
	block chan struct{}
}

func (o *fakeOracle) PlanIntent(ctx context.Context, req models.IntentRequest) (models.PlanReply, error) {
	o.mu.Lock()
	o.calls = append(o.calls, req)
	block := o.block
	o.mu.Unlock()
	if block != nil {
		<-block
	}
	return o.reply, o.err
}

func (o *fakeOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

type recordingActuator struct {
	mu        sync.Mutex
	sequences [][]models.Action
	delay     time.Duration
	block     chan struct{}
	running   int
	peak      int
}

func (a *recordingActuator) Execute(ctx context.Context, actions []models.Action, dryRun bool, target string) error {
	a.mu.Lock()
	a.running++
	a.peak = max(a.peak, a.running)
	a.sequences = append(a.sequences, actions)
	block := a.block
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running--
		a.mu.Unlock()
	}()
	if block != nil {
		<-block
	}
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.delay):
		}
	}
	return nil
}

func (a *recordingActuator) Sequences() [][]models.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]models.Action(nil), a.sequences...)
}

func (a *recordingActuator) Peak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// chats returns every chat line sent so far.
func (a *recordingActuator) chats() []string {
	var out []string
	for _, seq := range a.Sequences() {
		for _, action := range seq {
			if c, ok := action.(models.ChatSend); ok {
				out = append(out, c.Text)
			}
		}
	}
	return out
}

type recordingSpeaker struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSpeaker) Speak(ctx context.Context, text string, dryRun bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
	return nil
}

func (s *recordingSpeaker) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type published struct {
	Type string
	Data interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(msgType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{msgType, data})
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.APIKey = "sk-test"
	cfg.Memory.Enabled = false
	cfg.Runtime.DryRun = true
	cfg.Runtime.TTSEnabled = true
	cfg.Runtime.PerceptionTimeoutSec = 2
	cfg.Runtime.PlanningTimeoutSec = 2
	cfg.Runtime.SpeechTimeoutSec = 2
	cfg.Runtime.ActTimeoutSec = 2
	cfg.Runtime.IdleActTimeoutSec = 1
	cfg.Runtime.ManualSpeechTimeoutSec = 1
	cfg.Runtime.ManualChatTimeoutSec = 1
	return cfg
}
