package app

import (
	"fmt"
	"strings"

	"github.com/relaylane/turnorchestrator/internal/config"
	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/resilience"
	"github.com/relaylane/turnorchestrator/internal/voice"
)

type voiceSetup struct {
	tts      engine.TTS
	stt      engine.STT
	resolved string
	cleanup  func() error
}

// resolveVoiceCollaborators realizes TTS/STT for cfg.VoiceProvider. A real
// provider (elevenlabs or local) is always wrapped by
// resilience.NewFailoverTTS with a mock fallback: a backend outage
// degrades a turn to the mock's placeholder payload instead of failing it. STT has
// no analogous fallback path (spec has no silent-placeholder transcript
// concept), so a local/elevenlabs STT failure surfaces to the caller.
func resolveVoiceCollaborators(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "mock"
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:              cfg.ElevenLabsAPIKey,
			WSBaseURL:           cfg.ElevenLabsWSBaseURL,
			STTModelID:          cfg.ElevenLabsSTTModel,
			DefaultOutputFormat: "mp3_44100_128",
		})
		tts := voice.NewTTSAdapter(p, cfg.ElevenLabsTTSModel, voice.TTSSettings{})
		return voiceSetup{
			tts:      resilience.NewFailoverTTS(tts, engine.NewMockTTS()),
			stt:      voice.NewSTTAdapter(p, 16000),
			resolved: "elevenlabs",
		}, true
	}

	tryLocal := func(fatal bool) (voiceSetup, bool, error) {
		p, err := voice.NewLocalProvider(voice.LocalConfig{
			WhisperCLI:         cfg.LocalWhisperCLI,
			WhisperModelPath:   cfg.LocalWhisperModelPath,
			WhisperLanguage:    cfg.LocalWhisperLanguage,
			WhisperThreads:     cfg.LocalWhisperThreads,
			WhisperBeamSize:    cfg.LocalWhisperBeamSize,
			WhisperBestOf:      cfg.LocalWhisperBestOf,
			KokoroPython:       cfg.LocalKokoroPython,
			KokoroWorkerScript: cfg.LocalKokoroWorkerScript,
			KokoroVoice:        cfg.LocalKokoroVoice,
			KokoroLangCode:     cfg.LocalKokoroLangCode,
		})
		if err != nil {
			if fatal {
				return voiceSetup{}, false, fmt.Errorf("local voice provider init failed: %w", err)
			}
			return voiceSetup{}, false, nil
		}
		tts := voice.NewPCMTTSAdapter(p, "kokoro", voice.TTSSettings{}, 24000)
		return voiceSetup{
			tts:      resilience.NewFailoverTTS(tts, engine.NewMockTTS()),
			stt:      voice.NewSTTAdapter(p, 16000),
			resolved: "local",
			cleanup:  p.Close,
		}, true, nil
	}

	mockSetup := func(detail string) voiceSetup {
		p := engine.NewMockTTS()
		return voiceSetup{tts: p, stt: engine.NewMockSTT(), resolved: detail}
	}

	switch mode {
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "local":
		setup, _, err := tryLocal(true)
		return setup, err
	case "mock":
		return mockSetup("mock"), nil
	case "auto":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		if setup, ok, err := tryLocal(false); err != nil {
			return voiceSetup{}, err
		} else if ok {
			return setup, nil
		}
		return mockSetup("mock (no elevenlabs key and local voice unavailable)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected mock|elevenlabs|local|auto)", cfg.VoiceProvider)
	}
}
