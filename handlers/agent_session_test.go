package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/memory"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const plazaScene = "A quiet plaza with a fountain"

func greetReply() models.PlanReply {
	return models.PlanReply{
		Intent: "greet",
		Speak:  "hello there",
		Actions: models.RawList{
			json.RawMessage(`{"type":"move","direction":"w","seconds":0.3}`),
		},
	}
}

func newTestSession(t *testing.T, deps SessionDeps, logger *zap.Logger) *AgentSession {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	if deps.Rand == nil {
		deps.Rand = &seqRand{fallback: 0.99}
	}
	return NewAgentSession(testConfig(), deps, logger)
}

func TestAgentSession_TickPlansActsAndRecords(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := zaptest.NewLogger(t)
	store, err := memory.NewFileStore(filepath.Join(t.TempDir(), "memory.jsonl"), 100, logger)
	require.NoError(t, err)

	clock := newFakeClock()
	oracle := &fakeOracle{reply: greetReply()}
	actuator := &recordingActuator{}
	speaker := &recordingSpeaker{}
	publisher := &recordingPublisher{}

	cfg := testConfig()
	cfg.Memory.Enabled = true
	s := NewAgentSession(cfg, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    oracle,
		Actuator:  actuator,
		Speaker:   speaker,
		Memory:    store,
		Publisher: publisher,
		Rand:      &seqRand{fallback: 0.99},
		Now:       clock.Now,
	}, logger)
	defer s.Close()

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cycle)
	assert.True(t, summary.LLMCalled)
	assert.Equal(t, "greet", summary.Intent)
	assert.Equal(t, "hello there", summary.Speak)
	assert.Equal(t, plazaScene, summary.Scene)

	require.Equal(t, 1, oracle.Calls())
	req := oracle.calls[0]
	assert.Equal(t, plazaScene, req.Scene)
	assert.NotNil(t, req.ShortTermMemory)
	assert.Empty(t, req.ShortTermMemory)
	assert.Equal(t, models.DEFAULT_INTENT, req.IntentState.Intent)

	assert.Equal(t, []string{"hello there"}, speaker.Lines())
	require.Len(t, actuator.Sequences(), 1)
	assert.Equal(t, []models.Action{
		models.Move{Direction: "w", Seconds: 0.3},
		models.ChatSend{Text: "hello there"},
	}, actuator.Sequences()[0])
	assert.Equal(t, []string{"cycle"}, publisher.Types())

	items, err := store.Retrieve(context.Background(), "plaza fountain", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hello there", items[0].Speak)

	// Same scene, nothing heard and a fresh intent: no second oracle call.
	summary, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Cycle)
	assert.False(t, summary.LLMCalled)
	assert.Equal(t, "greet", summary.Intent)
	assert.Equal(t, 1, oracle.Calls())
	assert.Len(t, actuator.Sequences(), 1, "nothing to act on")

	require.Len(t, s.ShortTerm(), 2)
	assert.Equal(t, []string{"cycle", "cycle"}, publisher.Types())
}

func TestAgentSession_PlanningFailureKeepsAlive(t *testing.T) {
	defer goleak.VerifyNone(t)

	oracle := &fakeOracle{err: errors.New("upstream 500")}
	s := newTestSession(t, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    oracle,
		Actuator:  &recordingActuator{},
		Speaker:   &recordingSpeaker{},
	}, nil)
	defer s.Close()

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.LLMCalled)
	assert.Equal(t, models.DEFAULT_INTENT, summary.Intent)
	assert.Equal(t, models.DEFAULT_INTENT, s.Intention.Snapshot().Intent)
}

func TestAgentSession_HangingOracleIsBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	block := make(chan struct{})
	oracle := &fakeOracle{reply: greetReply(), block: block}
	cfg := testConfig()
	cfg.Runtime.PlanningTimeoutSec = 0.1
	s := NewAgentSession(cfg, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    oracle,
		Actuator:  &recordingActuator{},
		Speaker:   &recordingSpeaker{},
		Rand:      &seqRand{fallback: 0.99},
	}, zaptest.NewLogger(t))
	defer s.Close()
	defer close(block)

	start := time.Now()
	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.DEFAULT_INTENT, summary.Intent)
}

func TestAgentSession_HungActuatorIsSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zap.DebugLevel)
	block := make(chan struct{})
	actuator := &recordingActuator{block: block}
	cfg := testConfig()
	cfg.Runtime.ActTimeoutSec = 0.1
	s := NewAgentSession(cfg, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    &fakeOracle{reply: greetReply()},
		Actuator:  actuator,
		Speaker:   &recordingSpeaker{},
		Rand:      &seqRand{fallback: 0.99},
	}, zap.New(core))
	defer s.Close()
	defer close(block)

	start := time.Now()
	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, summary.Cycle)
	assert.Equal(t, 1, logs.FilterMessage("Actuation timeout, skipping").Len())

	// The lock is free again for the next sequence.
	err = s.act(context.Background(), []models.Action{models.Jump{}}, 50*time.Millisecond, "test")
	assert.ErrorIs(t, err, ErrActuationTimeout)
}

func TestAgentSession_ActuationIsSerialized(t *testing.T) {
	defer goleak.VerifyNone(t)

	actuator := &recordingActuator{delay: 30 * time.Millisecond}
	s := newTestSession(t, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    &fakeOracle{},
		Actuator:  actuator,
		Speaker:   &recordingSpeaker{},
	}, nil)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.act(context.Background(), []models.Action{models.Jump{}}, time.Second, "test"))
		}()
	}
	wg.Wait()

	assert.Len(t, actuator.Sequences(), 4)
	assert.Equal(t, 1, actuator.Peak())
}

func TestAgentSession_ShortTermWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newTestSession(t, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    &fakeOracle{},
		Actuator:  &recordingActuator{},
		Speaker:   &recordingSpeaker{},
		Now:       newFakeClock().Now,
	}, nil)
	defer s.Close()

	for i := 0; i < 10; i++ {
		_, err := s.Tick(context.Background())
		require.NoError(t, err)
	}
	recent := s.ShortTerm()
	require.Len(t, recent, shortTermWindow)
	assert.Equal(t, 3, recent[0].Cycle)
	assert.Equal(t, 10, recent[len(recent)-1].Cycle)
}

func TestAgentSession_TriggerSay(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	actuator := &recordingActuator{}
	speaker := &recordingSpeaker{}
	publisher := &recordingPublisher{}
	s := newTestSession(t, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    &fakeOracle{},
		Actuator:  actuator,
		Speaker:   speaker,
		Publisher: publisher,
		Now:       clock.Now,
	}, nil)
	defer s.Close()

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	line := SceneLine(models.Observation{SceneText: plazaScene})
	require.NotEmpty(t, line)

	require.True(t, s.TriggerSay())
	assert.False(t, s.TriggerSay(), "debounced")

	assert.Eventually(t, func() bool {
		for _, typ := range publisher.Types() {
			if typ == "manual_say" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, actuator.chats(), line)
	assert.Contains(t, speaker.Lines(), line)

	clock.Advance(time.Second)
	assert.Eventually(t, s.TriggerSay, time.Second, 10*time.Millisecond, "free again after the debounce")
}

func TestAgentSession_CancelSay(t *testing.T) {
	defer goleak.VerifyNone(t)

	perceiver := &countingPerceiver{fn: func(ctx context.Context, _ int) (models.Observation, error) {
		<-ctx.Done()
		return models.Observation{}, ctx.Err()
	}}
	actuator := &recordingActuator{}
	s := newTestSession(t, SessionDeps{
		Perceiver: perceiver,
		Oracle:    &fakeOracle{},
		Actuator:  actuator,
		Speaker:   &recordingSpeaker{},
	}, nil)
	defer s.Close()

	require.True(t, s.TriggerSay())
	assert.Eventually(t, func() bool { return perceiver.Calls() > 0 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.CancelSay()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CancelSay did not return")
	}
	assert.Empty(t, actuator.chats())
}

func TestAgentSession_CloseStopsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.Runtime.LoopIntervalSec = 0.2
	s := NewAgentSession(cfg, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    &fakeOracle{reply: greetReply()},
		Actuator:  &recordingActuator{},
		Speaker:   &recordingSpeaker{},
		Rand:      rand.New(rand.NewSource(5)),
	}, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	time.Sleep(300 * time.Millisecond)
	s.Close()
	s.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, s.TriggerSay())
}

// explodingPublisher panics on its first Publish and records the rest.
type explodingPublisher struct {
	recordingPublisher
	once sync.Once
}

func (p *explodingPublisher) Publish(msgType string, data interface{}) {
	fired := false
	p.once.Do(func() { fired = true })
	if fired {
		panic("feed exploded")
	}
	p.recordingPublisher.Publish(msgType, data)
}

func TestAgentSession_RunSurvivesFailingAndPanickingCycles(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zap.InfoLevel)
	// The first prefetch and both of the first cycle's retries fail.
	perceiver := &countingPerceiver{fn: func(ctx context.Context, call int) (models.Observation, error) {
		if call <= 3 {
			return models.Observation{}, errors.New("capture device busy")
		}
		return models.Observation{SceneText: plazaScene}, nil
	}}
	publisher := &explodingPublisher{}

	cfg := testConfig()
	cfg.Runtime.LoopIntervalSec = 0.2
	s := NewAgentSession(cfg, SessionDeps{
		Perceiver: perceiver,
		Oracle:    &fakeOracle{reply: greetReply()},
		Actuator:  &recordingActuator{},
		Speaker:   &recordingSpeaker{},
		Publisher: publisher,
		Rand:      &seqRand{fallback: 0.99},
	}, zap.New(core))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		return len(publisher.Types()) > 0
	}, 5*time.Second, 20*time.Millisecond, "a cycle after the failures should publish")
	s.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	var perception, panics int
	for _, entry := range logs.FilterMessage("Cycle failed").All() {
		msg := fmt.Sprint(entry.ContextMap()["error"])
		switch {
		case strings.Contains(msg, ErrPerception.Error()):
			perception++
		case strings.Contains(msg, "cycle panic: feed exploded"):
			panics++
		}
	}
	assert.GreaterOrEqual(t, perception, 1)
	assert.Equal(t, 1, panics)
	assert.GreaterOrEqual(t, logs.FilterMessage("Cycle finished").Len(), 1)
	assert.Equal(t, "cycle", publisher.Types()[0])
}

func TestAgentSession_IdleKeepAliveForcesAction(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	actuator := &recordingActuator{}
	cfg := testConfig()
	cfg.Runtime.IdleHesitateIdleProb = 1.0
	cfg.Runtime.IdleIntervalMinSec = 0.1
	cfg.Runtime.IdleIntervalMaxSec = 0.1
	s := NewAgentSession(cfg, SessionDeps{
		Perceiver: staticPerceiver(plazaScene, ""),
		Oracle:    &fakeOracle{reply: greetReply()},
		Actuator:  actuator,
		Speaker:   &recordingSpeaker{},
		Rand:      &seqRand{fallback: 0.99},
		Now:       clock.Now,
	}, zaptest.NewLogger(t))
	defer s.Close()

	s.Start()

	// Nothing has run yet, so the first round is overdue and forced.
	require.Eventually(t, func() bool {
		return len(actuator.Sequences()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The clock stands still: every round hesitates.
	time.Sleep(350 * time.Millisecond)
	assert.Len(t, actuator.Sequences(), 1)

	clock.Advance(idleKeepAlive + 500*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(actuator.Sequences()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, seq := range actuator.Sequences() {
		require.NotEmpty(t, seq)
		_, ok := seq[0].(models.MouseMove)
		assert.True(t, ok, "idle round starts with a look: %v", seq)
	}
}
