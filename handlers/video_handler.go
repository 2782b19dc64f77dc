package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/utils"
	"go.uber.org/zap"
)

// FrameSource grabs one encoded frame; *utils.ScreenCapture implements it.
type FrameSource interface {
	CaptureImage(ctx context.Context) ([]byte, error)
}

// SceneDescriber turns a frame into text; *utils.OpenAIClient implements it.
type SceneDescriber interface {
	DescribeScene(ctx context.Context, image []byte, format, prompt string) (string, error)
}

type VideoHandler struct {
	capture   FrameSource
	describer SceneDescriber
	prompt    string
	timeout   time.Duration
	logger    *zap.Logger
}

func InitVideoHandler(cfg *config.Config, describer SceneDescriber, logger *zap.Logger) *VideoHandler {
	logger.Info("Initializing Video Handler...")
	return NewVideoHandler(utils.NewScreenCapture(cfg.Screen), describer, cfg.Prompt.Vision, config.Seconds(cfg.Screen.TimeoutSec), logger)
}

func NewVideoHandler(capture FrameSource, describer SceneDescriber, prompt string, timeout time.Duration, logger *zap.Logger) *VideoHandler {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &VideoHandler{
		capture:   capture,
		describer: describer,
		prompt:    prompt,
		timeout:   timeout,
		logger:    logger.Named("video"),
	}
}

// Describe captures the screen and asks the vision model about it. A capture
// failure is an error; a slow or failing vision call yields an empty scene.
func (h *VideoHandler) Describe(ctx context.Context) (string, error) {
	start := time.Now()
	imageData, err := h.capture.CaptureImage(ctx)
	if err != nil {
		return "", fmt.Errorf("screen capture: %w", err)
	}

	scene, err := boundedCall(ctx, h.timeout, func(ctx context.Context) (string, error) {
		return h.describer.DescribeScene(ctx, imageData, "jpeg", h.prompt)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		h.logger.Warn("Vision call timed out, using empty scene", zap.Duration("timeout", h.timeout))
		return "", nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		h.logger.Error("Failed to analyze image", zap.Error(err))
		return "", nil
	}

	h.logger.Debug("Generated scene description", zap.String("scene", scene), zap.Duration("elapsed", time.Since(start)))
	return scene, nil
}
