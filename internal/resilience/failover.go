// Package resilience wraps the orchestrator's external collaborators
// (TTS, STT) with primary/fallback failover so a single backend outage
// degrades gracefully instead of stalling every turn.
package resilience

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/relaylane/turnorchestrator/internal/engine"
)

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()   { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback() { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool {
	return s.fallbackActive.Load()
}

// NewFailoverTTS builds a TTS that prefers primary and automatically
// switches to fallback when primary synthesis fails. Once fallback
// succeeds it stays active until it fails too, at which point primary is
// retried.
func NewFailoverTTS(primary, fallback engine.TTS) engine.TTS {
	return &failoverTTS{state: &failoverState{}, primary: primary, fallback: fallback}
}

type failoverTTS struct {
	state    *failoverState
	primary  engine.TTS
	fallback engine.TTS
}

func (t *failoverTTS) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if t.state.isFallbackActive() {
		audio, fbErr := t.fallback.Synthesize(ctx, text, voiceID)
		if fbErr == nil {
			return audio, nil
		}
		audio, prErr := t.primary.Synthesize(ctx, text, voiceID)
		if prErr == nil {
			t.state.deactivateFallback()
			return audio, nil
		}
		return nil, fmt.Errorf("resilience: tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	audio, prErr := t.primary.Synthesize(ctx, text, voiceID)
	if prErr == nil {
		return audio, nil
	}
	audio, fbErr := t.fallback.Synthesize(ctx, text, voiceID)
	if fbErr != nil {
		return nil, fmt.Errorf("resilience: tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	t.state.activateFallback()
	return audio, nil
}

// NewFailoverSTT mirrors NewFailoverTTS for the STT collaborator.
func NewFailoverSTT(primary, fallback engine.STT) engine.STT {
	return &failoverSTT{state: &failoverState{}, primary: primary, fallback: fallback}
}

type failoverSTT struct {
	state    *failoverState
	primary  engine.STT
	fallback engine.STT
}

func (s *failoverSTT) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if s.state.isFallbackActive() {
		text, fbErr := s.fallback.Transcribe(ctx, audio)
		if fbErr == nil {
			return text, nil
		}
		text, prErr := s.primary.Transcribe(ctx, audio)
		if prErr == nil {
			s.state.deactivateFallback()
			return text, nil
		}
		return "", fmt.Errorf("resilience: stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	text, prErr := s.primary.Transcribe(ctx, audio)
	if prErr == nil {
		return text, nil
	}
	text, fbErr := s.fallback.Transcribe(ctx, audio)
	if fbErr != nil {
		return "", fmt.Errorf("resilience: stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	s.state.activateFallback()
	return text, nil
}
