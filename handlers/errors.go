package handlers

import "errors"

var (
	ErrPerception       = errors.New("perception failed")
	ErrPlanning         = errors.New("planning failed")
	ErrActuationTimeout = errors.New("actuation timed out")
	ErrSpeechTimeout    = errors.New("speech timed out")
	ErrSessionClosed    = errors.New("session closed")
)
