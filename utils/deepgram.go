package utils

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/models"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	"go.uber.org/zap"
)

type DeepgramOptions struct {
	APIKey              string
	Language            string
	Model               string
	SampleRate          int
	UtteranceEndMs      int
	ConfidenceThreshold float64
}

type DeepgramCallback struct {
	TranscriptionChannel chan string
	useUtteranceEnd      bool
	confidenceThreshold  float64
	logger               *zap.Logger
}

type DeepgramClient struct {
	dgClient *listen.WSCallback
	callback *DeepgramCallback
	logger   *zap.Logger

	totalAudioBytesSent atomic.Int64
}

// InitDeepgramClient opens a live transcription socket for linear16 mono audio.
// Final transcripts and END_OF_SPEECH markers are delivered on transcriptionCh.
func InitDeepgramClient(ctx context.Context, opts DeepgramOptions, transcriptionCh chan string, logger *zap.Logger) (*DeepgramClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("deepgram api key not set")
	}
	logger = logger.Named("deepgram")

	model := opts.Model
	if model == "" {
		model = "nova-2"
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Language:       opts.Language,
		Encoding:       "linear16",
		SampleRate:     opts.SampleRate,
		Channels:       1,
		Endpointing:    "300",
		InterimResults: true,
		FillerWords:    false,
		Model:          model,
	}
	if model == "nova-3" && opts.Language != "en" {
		logger.Warn("Using multilingual model for non-English language on Nova 3", zap.String("language", opts.Language))
		transcriptOptions.Language = "multi"
	}
	if opts.UtteranceEndMs > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(opts.UtteranceEndMs)
	}

	callback := &DeepgramCallback{
		TranscriptionChannel: transcriptionCh,
		useUtteranceEnd:      opts.UtteranceEndMs > 0,
		confidenceThreshold:  opts.ConfidenceThreshold,
		logger:               logger,
	}

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	dgClient, err := listen.NewWebSocketUsingCallback(ctx, opts.APIKey, clientOptions, transcriptOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create live transcription connection: %w", err)
	}

	logger.Info("Deepgram client created", zap.String("model", model), zap.Int("sample_rate", opts.SampleRate))
	return &DeepgramClient{
		dgClient: dgClient,
		callback: callback,
		logger:   logger,
	}, nil
}

func (d *DeepgramClient) Connect() error {
	if !d.dgClient.Connect() {
		return fmt.Errorf("failed to connect to Deepgram websocket")
	}
	return nil
}

func (d *DeepgramClient) Send(data []byte) error {
	reader := bufio.NewReader(bytes.NewReader(data))
	err := d.dgClient.Stream(reader)
	if err != nil && err != io.EOF {
		d.logger.Error("Error streaming to Deepgram", zap.Error(err))
		return err
	}
	d.totalAudioBytesSent.Add(int64(len(data)))
	return nil
}

// Stream forwards r until it is exhausted or the socket fails.
func (d *DeepgramClient) Stream(r io.Reader) error {
	err := d.dgClient.Stream(r)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (d *DeepgramClient) BytesSent() int64 {
	return d.totalAudioBytesSent.Load()
}

func (d *DeepgramClient) Close() {
	d.dgClient.Stop()
	d.logger.Info("Deepgram client stopped", zap.Int64("bytes_sent", d.BytesSent()))
}

// emit never blocks the socket reader; a full channel drops the transcript.
func (c *DeepgramCallback) emit(text string) {
	select {
	case c.TranscriptionChannel <- text:
	default:
		c.logger.Warn("Transcription channel full, dropping", zap.String("text", text))
	}
}

func (c *DeepgramCallback) Open(or *msginterfaces.OpenResponse) error {
	c.logger.Info("Deepgram socket connection opened")
	return nil
}

func (c *DeepgramCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		c.logger.Debug("No transcription alternatives provided")
		return nil
	}

	alternative := mr.Channel.Alternatives[0]
	transcript := strings.TrimSpace(alternative.Transcript)
	if transcript != "" {
		if alternative.Confidence < c.confidenceThreshold {
			c.logger.Debug("Discarding low confidence transcript", zap.String("transcript", transcript), zap.Float64("confidence", alternative.Confidence))
			return nil
		}
		if mr.IsFinal {
			c.logger.Debug("Final transcript", zap.String("transcript", transcript))
			c.emit(transcript)
		}
	}

	if !c.useUtteranceEnd && mr.SpeechFinal {
		c.emit(models.END_OF_SPEECH)
	}
	return nil
}

func (c *DeepgramCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("Received metadata", zap.Any("metadata", md))
	return nil
}

func (c *DeepgramCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.logger.Debug("Speech started")
	return nil
}

func (c *DeepgramCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.logger.Debug("Utterance ended")
	c.emit(models.END_OF_SPEECH)
	return nil
}

func (c *DeepgramCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.logger.Info("Deepgram socket connection closed")
	return nil
}

func (c *DeepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Error("Deepgram socket error", zap.Any("error", er))
	return nil
}

func (c *DeepgramCallback) UnhandledEvent(byData []byte) error {
	c.logger.Warn("Unhandled event", zap.ByteString("data", byData))
	return nil
}
