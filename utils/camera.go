package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"go.uber.org/zap"
)

// ScreenCapture grabs single frames of the game window through ffmpeg.
type ScreenCapture struct {
	Format string
	Input  string
	Width  int
	Binary string
}

func NewScreenCapture(cfg config.ScreenConfig) *ScreenCapture {
	return &ScreenCapture{
		Format: cfg.Format,
		Input:  cfg.Input,
		Width:  cfg.Width,
		Binary: "ffmpeg",
	}
}

func (c *ScreenCapture) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", c.Format, "-i", c.Input, "-frames:v", "1"}
	if c.Width > 0 {
		args = append(args, "-vf", "scale="+strconv.Itoa(c.Width)+":-2")
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "4", "-")
}

// CaptureImage returns one JPEG frame.
func (c *ScreenCapture) CaptureImage(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Error("Failed to capture screen", zap.Error(err), zap.String("stderr", stderr.String()))
		return nil, fmt.Errorf("failed to capture image: %w", err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("no image data captured")
	}

	zap.L().Debug("Successfully captured image", zap.Int("size", len(output)))
	return output, nil
}

// MicrophoneCapture streams raw linear16 mono PCM from an ffmpeg input device.
type MicrophoneCapture struct {
	Format     string
	Input      string
	SampleRate int
	Binary     string
}

func NewMicrophoneCapture(cfg config.AudioConfig) *MicrophoneCapture {
	return &MicrophoneCapture{
		Format:     cfg.Format,
		Input:      cfg.Input,
		SampleRate: cfg.SampleRate,
		Binary:     "ffmpeg",
	}
}

func (m *MicrophoneCapture) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", m.Format, "-i", m.Input,
		"-ac", "1", "-ar", strconv.Itoa(m.SampleRate),
		"-f", "s16le", "-acodec", "pcm_s16le", "-",
	}
}

type micStream struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (s *micStream) Close() error {
	s.once.Do(func() {
		_ = s.ReadCloser.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

// Start launches the recorder. The stream ends when ctx is done or Close is called.
func (m *MicrophoneCapture) Start(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, m.Binary, m.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open microphone pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start microphone capture: %w", err)
	}
	zap.L().Info("Microphone capture started", zap.String("format", m.Format), zap.String("input", m.Input))
	return &micStream{ReadCloser: stdout, cmd: cmd}, nil
}
