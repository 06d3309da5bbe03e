// Package config loads runtime settings for the turn orchestrator from
// environment variables, in the style of a twelve-factor service: no
// config files, explicit defaults, fail-fast validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the orchestrator.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionRetention         time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// BackendMode selects the collaborator implementations: "mock" (the
	// only concrete implementation this repository ships) or a future
	// real backend name; validated at Load() time.
	BackendMode string

	DefaultVoiceID string

	// AgentBackend selects the engine.Agent realization independently of
	// BackendMode: "mock" or "openclaw" (internal/openclaw's
	// gateway/CLI/HTTP delta-streaming adapter, picked per
	// OpenClawAdapterMode).
	AgentBackend string

	OpenClawAdapterMode       string
	OpenClawGatewayURL        string
	OpenClawGatewayToken      string
	OpenClawHTTPURL           string
	OpenClawCLIPath           string
	OpenClawCLIThinking       string
	OpenClawCLIStreaming      bool
	OpenClawCLIStreamMinChars int
	OpenClawHTTPStreamStrict  bool

	// VoiceProvider selects the TTS/STT collaborator realization
	// independently of BackendMode: "mock", "elevenlabs", "local", or
	// "auto" (prefer elevenlabs, fall back to local, fall back to mock).
	// A real provider's TTS is layered with a mock fallback via
	// internal/resilience, so a backend that fails at synthesis time
	// degrades a turn instead of failing it outright. STT has no fallback,
	// and an explicitly selected provider that cannot be set up (e.g.
	// elevenlabs without an API key) is a startup error.
	VoiceProvider string

	ElevenLabsAPIKey    string
	ElevenLabsWSBaseURL string
	ElevenLabsSTTModel  string
	ElevenLabsTTSVoice  string
	ElevenLabsTTSModel  string

	LocalWhisperCLI         string
	LocalWhisperModelPath   string
	LocalWhisperLanguage    string
	LocalWhisperThreads     int
	LocalWhisperBeamSize    int
	LocalWhisperBestOf      int
	LocalKokoroPython       string
	LocalKokoroWorkerScript string
	LocalKokoroVoice        string
	LocalKokoroLangCode     string

	// PlaybackCompleteTimeout bounds finalize's wait for
	// frontend-playback-complete (spec §4.3, §9). Default 60s per spec.
	PlaybackCompleteTimeout time.Duration

	// MaxConcurrentSynthesis bounds the TTS Manager's in-flight synthesis
	// tasks per turn. 0 means unbounded (spec §4.2's default).
	MaxConcurrentSynthesis int

	// ProactiveCheckInterval is how often the handler considers emitting
	// an ai-speak-signal-equivalent proactive turn for an idle client. 0
	// disables proactive turns entirely.
	ProactiveCheckInterval time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "turnorchestrator"),
		AllowAnyOrigin:           false,
		BackendMode:              envOrDefault("BACKEND_MODE", "mock"),
		DefaultVoiceID:           envOrDefault("DEFAULT_VOICE_ID", ""),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		AgentBackend:             envOrDefault("AGENT_BACKEND", "mock"),
		OpenClawAdapterMode:      envOrDefault("OPENCLAW_ADAPTER_MODE", "auto"),
		OpenClawGatewayURL:       stringsTrimSpace("OPENCLAW_GATEWAY_URL"),
		OpenClawGatewayToken:     stringsTrimSpace("OPENCLAW_GATEWAY_TOKEN"),
		OpenClawHTTPURL:          stringsTrimSpace("OPENCLAW_HTTP_URL"),
		OpenClawCLIPath:          stringsTrimSpace("OPENCLAW_CLI_PATH"),
		OpenClawCLIThinking:      stringsTrimSpace("OPENCLAW_CLI_THINKING"),
		VoiceProvider:            envOrDefault("VOICE_PROVIDER", "mock"),
		ElevenLabsAPIKey:         stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:      stringsTrimSpace("ELEVENLABS_WS_BASE_URL"),
		ElevenLabsSTTModel:       stringsTrimSpace("ELEVENLABS_STT_MODEL"),
		ElevenLabsTTSVoice:       stringsTrimSpace("ELEVENLABS_TTS_VOICE"),
		ElevenLabsTTSModel:       stringsTrimSpace("ELEVENLABS_TTS_MODEL"),
		LocalWhisperCLI:          stringsTrimSpace("LOCAL_WHISPER_CLI"),
		LocalWhisperModelPath:    stringsTrimSpace("LOCAL_WHISPER_MODEL_PATH"),
		LocalWhisperLanguage:     stringsTrimSpace("LOCAL_WHISPER_LANGUAGE"),
		LocalKokoroPython:        stringsTrimSpace("LOCAL_KOKORO_PYTHON"),
		LocalKokoroWorkerScript:  stringsTrimSpace("LOCAL_KOKORO_WORKER_SCRIPT"),
		LocalKokoroVoice:         stringsTrimSpace("LOCAL_KOKORO_VOICE"),
		LocalKokoroLangCode:      stringsTrimSpace("LOCAL_KOKORO_LANG_CODE"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		SessionRetention:         10 * time.Minute,
		PlaybackCompleteTimeout:  60 * time.Second,
		MaxConcurrentSynthesis:   0,
		ProactiveCheckInterval:   0,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackCompleteTimeout, err = durationFromEnv("APP_PLAYBACK_COMPLETE_TIMEOUT", cfg.PlaybackCompleteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSynthesis, err = intFromEnv("APP_MAX_CONCURRENT_SYNTHESIS", cfg.MaxConcurrentSynthesis)
	if err != nil {
		return Config{}, err
	}
	cfg.ProactiveCheckInterval, err = durationFromEnv("APP_PROACTIVE_CHECK_INTERVAL", cfg.ProactiveCheckInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperThreads, err = intFromEnv("LOCAL_WHISPER_THREADS", cfg.LocalWhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperBeamSize, err = intFromEnv("LOCAL_WHISPER_BEAM_SIZE", cfg.LocalWhisperBeamSize)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperBestOf, err = intFromEnv("LOCAL_WHISPER_BEST_OF", cfg.LocalWhisperBestOf)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenClawCLIStreaming, err = boolFromEnv("OPENCLAW_CLI_STREAMING", cfg.OpenClawCLIStreaming)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenClawCLIStreamMinChars, err = intFromEnv("OPENCLAW_CLI_STREAM_MIN_CHARS", cfg.OpenClawCLIStreamMinChars)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenClawHTTPStreamStrict, err = boolFromEnv("OPENCLAW_HTTP_STREAM_STRICT", cfg.OpenClawHTTPStreamStrict)
	if err != nil {
		return Config{}, err
	}

	switch cfg.AgentBackend {
	case "mock", "openclaw":
	default:
		return Config{}, fmt.Errorf("AGENT_BACKEND must be mock|openclaw (got %q)", cfg.AgentBackend)
	}

	switch cfg.BackendMode {
	case "mock":
	default:
		return Config{}, fmt.Errorf("BACKEND_MODE must be %q (got %q)", "mock", cfg.BackendMode)
	}

	switch cfg.VoiceProvider {
	case "mock", "elevenlabs", "local", "auto":
	default:
		return Config{}, fmt.Errorf("VOICE_PROVIDER must be one of mock|elevenlabs|local|auto (got %q)", cfg.VoiceProvider)
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.PlaybackCompleteTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_PLAYBACK_COMPLETE_TIMEOUT must be positive")
	}
	if cfg.MaxConcurrentSynthesis < 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_SYNTHESIS must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
