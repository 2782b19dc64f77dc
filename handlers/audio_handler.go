// handlers/audio_handler.go

package handlers

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/utils"
	"go.uber.org/zap"
)

// Transcriber consumes raw audio; *utils.DeepgramClient implements it.
type Transcriber interface {
	Stream(r io.Reader) error
	Close()
}

// AudioSource yields a raw PCM stream; *utils.MicrophoneCapture implements it.
type AudioSource interface {
	Start(ctx context.Context) (io.ReadCloser, error)
}

// AudioHandler turns transcription events into committed utterances.
type AudioHandler struct {
	transcriber     Transcriber
	source          AudioSource
	transcriptionCh chan string
	publisher       Publisher
	logger          *zap.Logger

	mu                sync.Mutex
	currentTranscript string
	heard             string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func InitAudioHandler(ctx context.Context, cfg config.AudioConfig, publisher Publisher, logger *zap.Logger) (*AudioHandler, error) {
	logger.Info("Initializing Audio Handler...")

	transcriptionCh := make(chan string, 64)
	deepgramClient, err := utils.InitDeepgramClient(ctx, utils.DeepgramOptions{
		APIKey:              cfg.DeepgramAPIKey,
		Language:            cfg.Language,
		Model:               cfg.Model,
		SampleRate:          cfg.SampleRate,
		UtteranceEndMs:      1000,
		ConfidenceThreshold: 0.3,
	}, transcriptionCh, logger)
	if err != nil {
		return nil, err
	}
	if err := deepgramClient.Connect(); err != nil {
		return nil, err
	}

	h := NewAudioHandler(deepgramClient, utils.NewMicrophoneCapture(cfg), transcriptionCh, publisher, logger)
	h.Start(ctx)
	logger.Info("Audio Handler initialized and connected to Deepgram")
	return h, nil
}

func NewAudioHandler(transcriber Transcriber, source AudioSource, transcriptionCh chan string, publisher Publisher, logger *zap.Logger) *AudioHandler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &AudioHandler{
		transcriber:     transcriber,
		source:          source,
		transcriptionCh: transcriptionCh,
		publisher:       publisher,
		logger:          logger.Named("audio"),
	}
}

// Start launches the capture pump and the transcript loop.
func (h *AudioHandler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.handleTranscript(ctx)
	}()

	if h.source == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.pump(ctx)
	}()
}

func (h *AudioHandler) pump(ctx context.Context) {
	stream, err := h.source.Start(ctx)
	if err != nil {
		h.logger.Error("Failed to start audio capture", zap.Error(err))
		return
	}
	defer stream.Close()

	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	if err := h.transcriber.Stream(stream); err != nil && ctx.Err() == nil {
		h.logger.Error("Audio stream ended", zap.Error(err))
	}
}

func (h *AudioHandler) handleTranscript(ctx context.Context) {
	for {
		var transcript string
		select {
		case <-ctx.Done():
			return
		case transcript = <-h.transcriptionCh:
		}
		if transcript == models.SESSION_END {
			h.logger.Info("Audio handler received SESSION_END")
			return
		}
		h.logger.Debug("Received transcript", zap.String("transcript", transcript))

		if transcript == models.END_OF_SPEECH {
			h.commit()
			continue
		}
		if strings.TrimSpace(transcript) == "" {
			continue
		}
		h.mu.Lock()
		h.currentTranscript += transcript + " "
		interim := strings.TrimSpace(h.currentTranscript)
		h.mu.Unlock()
		h.publisher.Publish("transcript_interim", map[string]string{"transcript": interim})
	}
}

func (h *AudioHandler) commit() {
	h.mu.Lock()
	utterance := strings.TrimSpace(h.currentTranscript)
	h.currentTranscript = ""
	if utterance != "" {
		h.heard = utterance
	}
	h.mu.Unlock()

	if utterance == "" {
		return
	}
	h.logger.Info("End of speech detected", zap.String("transcript", utterance))
	h.publisher.Publish("transcript_final", map[string]string{"transcript": utterance})
}

// TakeHeard returns the newest committed utterance and clears it.
func (h *AudioHandler) TakeHeard() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	heard := h.heard
	h.heard = ""
	return heard
}

func (h *AudioHandler) Close() {
	h.logger.Info("Closing Audio Handler")
	if h.cancel != nil {
		h.cancel()
	}
	if h.transcriber != nil {
		h.transcriber.Close()
	}
	h.wg.Wait()
}
