package utils

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestExecSpeaker(t *testing.T) {
	s := NewExecSpeaker(nil, zaptest.NewLogger(t))
	assert.NoError(t, s.Speak(context.Background(), "hello", true), "dry run never runs a command")
	assert.NoError(t, s.Speak(context.Background(), "   ", false), "blank text is skipped")
	assert.Error(t, s.Speak(context.Background(), "hello", false), "no command configured")
}

func TestExecSpeaker_RunsCommand(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not in PATH")
	}
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not in PATH")
	}

	assert.NoError(t, NewExecSpeaker([]string{"true", "-v"}, zaptest.NewLogger(t)).Speak(context.Background(), "hello", false))

	err := NewExecSpeaker([]string{"false"}, zaptest.NewLogger(t)).Speak(context.Background(), "hello", false)
	assert.ErrorContains(t, err, "speech command failed")
}
