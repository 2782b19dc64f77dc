package utils

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ExecSpeaker runs an external TTS command with the text as its last argument.
type ExecSpeaker struct {
	Command []string
	logger  *zap.Logger
}

func NewExecSpeaker(command []string, logger *zap.Logger) *ExecSpeaker {
	return &ExecSpeaker{Command: command, logger: logger.Named("speaker")}
}

func (s *ExecSpeaker) Speak(ctx context.Context, text string, dryRun bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if dryRun {
		s.logger.Info("[dry-run] speak", zap.String("text", text))
		return nil
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("no speech command configured")
	}

	args := append(append([]string{}, s.Command[1:]...), text)
	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("speech command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
