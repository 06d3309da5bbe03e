package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaylane/turnorchestrator/internal/audio"
	"github.com/relaylane/turnorchestrator/internal/engine"
)

// TTSAdapter bridges a duplex TTSProvider session (ElevenLabs or the local
// kokoro provider) to the orchestrator's single-shot engine.TTS
// collaborator: one Synthesize call opens a stream, sends the whole
// utterance, and collects every audio event up to Final. Providers that
// stream raw PCM16LE (wrapPCM true) get a WAV container so the browser's
// audio element can play the result without a sample-rate side channel.
type TTSAdapter struct {
	provider   TTSProvider
	modelID    string
	settings   TTSSettings
	wrapPCM    bool
	sampleRate int
}

func NewTTSAdapter(provider TTSProvider, modelID string, settings TTSSettings) *TTSAdapter {
	return &TTSAdapter{provider: provider, modelID: modelID, settings: settings}
}

// NewPCMTTSAdapter is for providers (the local kokoro provider) that stream
// raw PCM16LE chunks rather than an already-containerized audio format.
func NewPCMTTSAdapter(provider TTSProvider, modelID string, settings TTSSettings, sampleRate int) *TTSAdapter {
	return &TTSAdapter{provider: provider, modelID: modelID, settings: settings, wrapPCM: true, sampleRate: sampleRate}
}

func (a *TTSAdapter) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	stream, err := a.provider.StartStream(ctx, voiceID, a.modelID, a.settings)
	if err != nil {
		return nil, fmt.Errorf("voice: start tts stream: %w", err)
	}
	defer stream.Close()

	if err := stream.SendText(ctx, text, true); err != nil {
		return nil, fmt.Errorf("voice: send tts text: %w", err)
	}
	if err := stream.CloseInput(ctx); err != nil {
		return nil, fmt.Errorf("voice: close tts input: %w", err)
	}

	var pcm []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return a.finish(pcm)
			}
			switch ev.Type {
			case TTSEventAudio:
				chunk, decErr := base64.StdEncoding.DecodeString(ev.AudioBase64)
				if decErr != nil {
					return nil, fmt.Errorf("voice: decode tts audio chunk: %w", decErr)
				}
				pcm = append(pcm, chunk...)
			case TTSEventFinal:
				return a.finish(pcm)
			case TTSEventError:
				return nil, fmt.Errorf("voice: tts stream error: %s (%s)", ev.Detail, ev.Code)
			}
		}
	}
}

// finish containerizes raw PCM16LE into a WAV file when the provider
// doesn't already emit a self-describing audio format.
func (a *TTSAdapter) finish(pcm []byte) ([]byte, error) {
	if !a.wrapPCM {
		return pcm, nil
	}
	sampleRate := a.sampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("voice: encode wav: %w", err)
	}
	return wav, nil
}

var _ engine.TTS = (*TTSAdapter)(nil)

// STTAdapter bridges a duplex STTProvider session to engine.STT's
// single-shot Transcribe: one call opens a session, sends the whole
// utterance as one committed chunk, and waits for the matching result.
type STTAdapter struct {
	provider   STTProvider
	sampleRate int
}

func NewSTTAdapter(provider STTProvider, sampleRate int) *STTAdapter {
	return &STTAdapter{provider: provider, sampleRate: sampleRate}
}

func (a *STTAdapter) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	sessionID := uuid.NewString()
	session, events, err := a.provider.StartSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("voice: start stt session: %w", err)
	}
	defer session.Close()

	encoded := base64.StdEncoding.EncodeToString(pcm)
	if err := session.SendAudioChunk(ctx, encoded, a.sampleRate, true); err != nil {
		return "", fmt.Errorf("voice: send stt audio: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return "", errors.New("voice: stt session closed without a committed result")
			}
			switch ev.Type {
			case STTEventCommitted:
				return ev.Text, nil
			case STTEventError:
				if !ev.Retryable {
					return "", fmt.Errorf("voice: stt error: %s (%s)", ev.Detail, ev.Code)
				}
			}
		}
	}
}

var _ engine.STT = (*STTAdapter)(nil)
