package handlers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/memory"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	shortTermWindow    = 8
	manualSayDebounce  = 800 * time.Millisecond
	manualSayPoll      = 250 * time.Millisecond
	maxManualLineRunes = 70
	minLoopInterval    = 200 * time.Millisecond
)

// SessionDeps are the collaborators an AgentSession drives. Memory and
// Publisher may be nil.
type SessionDeps struct {
	Perceiver Perceiver
	Oracle    Oracle
	Actuator  Actuator
	Speaker   Speaker
	Memory    memory.Store
	Publisher Publisher
	Rand      Rand
	Now       func() time.Time
	Target    string
}

// AgentSession runs the perceive, decide, act, record cycle plus the idle loop
// and the manual say trigger.
type AgentSession struct {
	ID     string
	Config *config.Config
	Logger *zap.Logger

	perceiver Perceiver
	oracle    Oracle
	actuator  Actuator
	speaker   Speaker
	memory    memory.Store
	publisher Publisher
	rand      Rand
	now       func() time.Time
	target    string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	actLock *semaphore.Weighted

	Observations *ObservationHandler
	Intention    *IntentionHandler
	Plans        *PlanHandler
	Stabilizer   *Stabilizer
	Idle         *IdleHandler

	// cycle goroutine only
	cycle     int
	shortTerm []models.CycleSummary

	manualMu     sync.Mutex
	manualCancel context.CancelFunc
	manualDone   chan struct{}
	lastManualAt time.Time

	startOnce sync.Once
	closeOnce sync.Once
}

func NewAgentSession(cfg *config.Config, deps SessionDeps, logger *zap.Logger) *AgentSession {
	id := uuid.New().String()
	logger = logger.With(zap.String("session_id", id))

	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	r := newLockedRand(deps.Rand)
	rt := cfg.Runtime

	ctx, cancel := context.WithCancel(context.Background())
	s := &AgentSession{
		ID:        id,
		Config:    cfg,
		Logger:    logger,
		perceiver: deps.Perceiver,
		oracle:    deps.Oracle,
		actuator:  deps.Actuator,
		speaker:   deps.Speaker,
		memory:    deps.Memory,
		publisher: deps.Publisher,
		rand:      r,
		now:       deps.Now,
		target:    deps.Target,
		ctx:       ctx,
		cancel:    cancel,
		actLock:   semaphore.NewWeighted(1),
		shortTerm: make([]models.CycleSummary, 0, shortTermWindow),
	}

	s.Observations = NewObservationHandler(ctx, deps.Perceiver, config.Seconds(rt.PerceptionTimeoutSec), deps.Now, logger)
	s.Intention = NewIntentionHandler(config.Seconds(rt.IntentTTLSec), rt.SceneSimilarity, deps.Now, logger)
	s.Plans = NewPlanHandler(r, deps.Now, rt.ObserveOnly, logger)
	s.Stabilizer = NewStabilizer()
	s.Idle = NewIdleHandler(rt, r, logger)

	logger.Info("Agent session created",
		zap.Bool("dry_run", rt.DryRun),
		zap.Bool("observe_only", rt.ObserveOnly),
		zap.Bool("memory", s.memoryEnabled()))
	return s
}

// Start launches the idle loop. It is safe to call more than once.
func (s *AgentSession) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.runIdleLoop(s.ctx)
	})
}

// Run ticks until ctx is cancelled. Cycle failures are logged and never end the loop.
func (s *AgentSession) Run(ctx context.Context) error {
	s.Start()
	interval := max(minLoopInterval, config.Seconds(s.Config.Runtime.LoopIntervalSec))
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		summary, err := s.safeTick(ctx)
		switch {
		case err == nil:
			s.Logger.Info("Cycle finished",
				zap.Int("cycle", summary.Cycle),
				zap.String("scene", models.Truncate(summary.Scene, 220)),
				zap.String("heard", models.Truncate(summary.Heard, 120)),
				zap.String("speak", summary.Speak),
				zap.Stringer("actions", summary.Actions),
				zap.Bool("llm_called", summary.LLMCalled))
		case ctx.Err() != nil:
		default:
			s.Logger.Error("Cycle failed", zap.Error(err))
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrSessionClosed
		case <-timer.C:
		}
	}
}

func (s *AgentSession) safeTick(ctx context.Context) (summary models.CycleSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return s.Tick(ctx)
}

// Tick runs one full cycle. It must not be called concurrently with itself.
func (s *AgentSession) Tick(ctx context.Context) (models.CycleSummary, error) {
	rt := s.Config.Runtime
	s.cycle++
	cycle := s.cycle
	logger := s.Logger.With(zap.Int("cycle", cycle))

	logger.Debug("Observing")
	obs, err := s.Observations.Next(ctx)
	if err != nil {
		return models.CycleSummary{}, err
	}

	var longTerm []models.MemoryItem
	if s.memoryEnabled() {
		longTerm, err = s.memory.Retrieve(ctx, obs.SceneText+"\n"+obs.HeardText, s.Config.Memory.RetrieveTopK)
		if err != nil {
			logger.Warn("Memory retrieve failed", zap.Error(err))
		}
	}

	var reply models.PlanReply
	replan, reason := s.Intention.ShouldReplan(obs)
	if replan {
		logger.Info("Planning", zap.String("reason", reason))
		req := s.intentRequest(obs, longTerm)
		reply, err = boundedCall(ctx, config.Seconds(rt.PlanningTimeoutSec), func(ctx context.Context) (models.PlanReply, error) {
			return s.oracle.PlanIntent(ctx, req)
		})
		if err != nil {
			logger.Warn("Planning failed, using keep-alive intent", zap.Error(fmt.Errorf("%w: %v", ErrPlanning, err)))
			reply = models.DefaultPlanReply()
		}
		s.Intention.Apply(reply)
		s.Intention.MarkPlanned(obs)
	}
	state := s.Intention.Snapshot()

	speak, actions := s.Plans.Prepare(obs, reply, state.ActivityLevel)
	actions = s.Stabilizer.Stabilize(actions, cycle)
	actions = RepairChat(actions, speak)

	if rt.TTSEnabled && speak != "" {
		logger.Debug("Speaking")
		s.say(ctx, speak, config.Seconds(rt.SpeechTimeoutSec))
	}
	if !rt.ObserveOnly && len(actions) > 0 {
		logger.Debug("Acting", zap.Int("actions", len(actions)))
		_ = s.act(ctx, actions, config.Seconds(rt.ActTimeoutSec), "cycle")
	}

	summary := models.CycleSummary{
		Cycle:     cycle,
		Scene:     obs.SceneText,
		Heard:     obs.HeardText,
		Speak:     speak,
		Actions:   models.Actions(actions),
		LLMCalled: replan,
		Intent:    state.Intent,
	}
	if len(s.shortTerm) == shortTermWindow {
		s.shortTerm = append(s.shortTerm[:0], s.shortTerm[1:]...)
	}
	s.shortTerm = append(s.shortTerm, summary)

	if s.memoryEnabled() {
		item := models.NewMemoryItem("", s.now(), obs.SceneText, obs.HeardText, speak, actions)
		if err := s.memory.Append(ctx, item); err != nil {
			logger.Warn("Memory append failed", zap.Error(err))
		}
	}
	s.publisher.Publish("cycle", summary)
	return summary, nil
}

// ShortTerm returns a copy of the recent cycle summaries, oldest first.
func (s *AgentSession) ShortTerm() []models.CycleSummary {
	return append([]models.CycleSummary(nil), s.shortTerm...)
}

func (s *AgentSession) intentRequest(obs models.Observation, longTerm []models.MemoryItem) models.IntentRequest {
	req := models.IntentRequest{
		Time:            s.now().Format(models.TimestampLayout),
		Scene:           models.Truncate(obs.SceneText, 280),
		Heard:           models.Truncate(obs.HeardText, 90),
		IntentState:     s.Intention.Snapshot(),
		ShortTermMemory: []models.ShortTermEntry{},
		LongTermMemory:  []models.LongTermEntry{},
	}
	recent := s.shortTerm
	if len(recent) > 2 {
		recent = recent[len(recent)-2:]
	}
	for _, c := range recent {
		req.ShortTermMemory = append(req.ShortTermMemory, models.ShortTermEntry{
			Speak:   models.Truncate(c.Speak, 80),
			Actions: models.Truncate(c.Actions.String(), 80),
		})
	}
	for i, item := range longTerm {
		if i == 2 {
			break
		}
		req.LongTermMemory = append(req.LongTermMemory, models.LongTermEntry{
			Scene: models.Truncate(item.Scene, 100),
			Speak: models.Truncate(item.Speak, 80),
		})
	}
	return req
}

func (s *AgentSession) memoryEnabled() bool {
	return s.memory != nil && s.Config.Memory.Enabled
}

// act executes one sequence under the actuation lock. Waiting for the lock is
// cancellable; the execution itself is bounded by timeout.
func (s *AgentSession) act(ctx context.Context, actions []models.Action, timeout time.Duration, source string) error {
	if err := s.actLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.actLock.Release(1)

	err := boundedRun(ctx, timeout, func(ctx context.Context) error {
		return s.actuator.Execute(ctx, actions, s.Config.Runtime.DryRun, s.target)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %s sequence exceeded %s", ErrActuationTimeout, source, timeout)
		s.Logger.Warn("Actuation timeout, skipping", zap.String("source", source), zap.Error(err))
	case errors.Is(err, context.Canceled):
	default:
		s.Logger.Warn("Actuation failed", zap.String("source", source), zap.Error(err))
	}
	return err
}

func (s *AgentSession) say(ctx context.Context, text string, timeout time.Duration) {
	err := boundedRun(ctx, timeout, func(ctx context.Context) error {
		return s.speaker.Speak(ctx, text, s.Config.Runtime.DryRun)
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, context.DeadlineExceeded):
		s.Logger.Warn("Speech timeout, skipping", zap.Error(fmt.Errorf("%w: exceeded %s", ErrSpeechTimeout, timeout)))
	default:
		s.Logger.Warn("Speech failed", zap.Error(err))
	}
}

// TriggerSay starts a one-off social line built from the latest observation.
// It returns false when debounced, already running or closed.
func (s *AgentSession) TriggerSay() bool {
	s.manualMu.Lock()
	defer s.manualMu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if s.manualDone != nil {
		select {
		case <-s.manualDone:
		default:
			s.Logger.Info("Manual say already running, ignoring trigger")
			return false
		}
	}
	now := s.now()
	if !s.lastManualAt.IsZero() && now.Sub(s.lastManualAt) < manualSayDebounce {
		return false
	}
	s.lastManualAt = now

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.manualCancel, s.manualDone = cancel, done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()
		s.sayExtraLine(ctx)
	}()
	return true
}

// CancelSay stops a running manual say and waits for it to finish.
func (s *AgentSession) CancelSay() {
	s.manualMu.Lock()
	cancel, done := s.manualCancel, s.manualDone
	s.manualMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *AgentSession) sayExtraLine(ctx context.Context) {
	rt := s.Config.Runtime
	s.Logger.Info("Manual say waiting for a scene line")

	text := ""
	for text == "" {
		obs, ok := s.Observations.Last()
		if !ok || (strings.TrimSpace(obs.SceneText) == "" && strings.TrimSpace(obs.HeardText) == "") {
			fresh, err := s.Observations.Next(ctx)
			ok = err == nil
			if ok {
				obs = fresh
			}
		}
		if ok {
			text = SceneLine(obs)
		}
		if text != "" {
			break
		}
		select {
		case <-ctx.Done():
			s.Logger.Info("Manual say cancelled")
			return
		case <-time.After(manualSayPoll):
		}
	}
	text = models.Truncate(text, maxManualLineRunes)

	if rt.TTSEnabled {
		s.say(ctx, text, config.Seconds(rt.ManualSpeechTimeoutSec))
	}
	if rt.ObserveOnly {
		s.Logger.Info("Manual say (observe only)", zap.String("text", text))
		return
	}
	actions := RepairChat([]models.Action{models.ChatSend{Text: text}}, text)
	if err := s.act(ctx, actions, config.Seconds(rt.ManualChatTimeoutSec), "manual"); err != nil {
		return
	}
	s.Logger.Info("Manual say sent", zap.String("text", text))
	s.publisher.Publish("manual_say", map[string]interface{}{"text": text})
}

// Close stops the idle loop, the prefetch and any manual say, then waits for all of them.
func (s *AgentSession) Close() {
	s.closeOnce.Do(func() {
		s.Logger.Info("Stopping session")
		s.cancel()
		s.Observations.Close()
		s.wg.Wait()
	})
}
