package handlers

import (
	"context"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	"go.uber.org/zap"
)

// SceneSource is satisfied by *VideoHandler.
type SceneSource interface {
	Describe(ctx context.Context) (string, error)
}

// HeardSource is satisfied by *AudioHandler.
type HeardSource interface {
	TakeHeard() string
}

// Perception combines the screen and the microphone into one Observation.
type Perception struct {
	video  SceneSource
	audio  HeardSource
	logger *zap.Logger
}

// NewPerception builds the Perceiver. audio may be nil when capture is disabled.
func NewPerception(video SceneSource, audio HeardSource, logger *zap.Logger) *Perception {
	return &Perception{video: video, audio: audio, logger: logger.Named("perception")}
}

// Observe describes the screen and then takes the newest utterance, so a failed
// capture leaves the utterance for the next attempt.
func (p *Perception) Observe(ctx context.Context) (models.Observation, error) {
	scene, err := p.video.Describe(ctx)
	if err != nil {
		return models.Observation{}, err
	}
	obs := models.Observation{SceneText: scene}
	if p.audio != nil {
		obs.HeardText = p.audio.TakeHeard()
	}
	p.logger.Debug("Observed", zap.Int("scene_len", len([]rune(obs.SceneText))), zap.String("heard", obs.HeardText))
	return obs, nil
}
