// Package app wires together every internal package into a runnable
// service, mirroring the teacher's internal/app: one Build function that
// takes a loaded Config and returns a fully-constructed Server plus a
// Cleanup hook for graceful shutdown.
package app

import (
	"context"
	"fmt"

	"github.com/relaylane/turnorchestrator/internal/config"
	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/group"
	"github.com/relaylane/turnorchestrator/internal/handler"
	"github.com/relaylane/turnorchestrator/internal/history"
	"github.com/relaylane/turnorchestrator/internal/httpapi"
	"github.com/relaylane/turnorchestrator/internal/observability"
	"github.com/relaylane/turnorchestrator/internal/openclaw"
	"github.com/relaylane/turnorchestrator/internal/session"
	"github.com/relaylane/turnorchestrator/internal/syncgate"
	"github.com/relaylane/turnorchestrator/internal/voice"
)

// BuildResult holds everything main needs to serve traffic and shut down
// cleanly.
type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics

	// Cleanup releases external resources (the history store's connection
	// pool, in particular) on shutdown.
	Cleanup func() error
}

// Build constructs the orchestrator's full collaborator graph: agent,
// voice providers, history store, session/group registries, and the
// handler+server pair, wired per cfg's AgentBackend/VoiceProvider
// selections.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	rawHistoryStore, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	historyStore := history.NewRedactingStore(rawHistoryStore)

	agent, stopGateway, err := buildAgent(cfg)
	if err != nil {
		_ = historyStore.Close()
		return nil, err
	}

	vs, err := resolveVoiceCollaborators(cfg)
	if err != nil {
		_ = historyStore.Close()
		return nil, err
	}
	tts, stt := vs.tts, vs.stt

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)
	sessions.SetExpireHook(func(*session.Session) {
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	groups := group.NewRegistry()
	gate := syncgate.New()

	server := httpapi.NewServer(cfg, sessions, groups, metrics)

	deps := handler.Deps{
		Agent:           agent,
		TTS:             tts,
		STT:             stt,
		History:         historyStore,
		Gate:            gate,
		Sessions:        sessions,
		Groups:          groups,
		Metrics:         metrics,
		PlaybackTimeout: cfg.PlaybackCompleteTimeout,
		MaxConcurrency:  cfg.MaxConcurrentSynthesis,
	}
	// A client is routed to the Group flow only once it both carries a
	// GroupID (joined via POST /groups) and that group still has at least
	// two members; a group draining down to one member falls back to
	// single-client dispatch per spec §4.6.
	lookup := func(clientID string) (string, bool) {
		groupID, ok := sessions.GroupOf(clientID)
		if !ok {
			return "", false
		}
		g, ok := groups.Get(groupID)
		if !ok {
			return "", false
		}
		return groupID, len(g.Members()) >= 2
	}
	h := handler.New(deps, handler.Sender(server.Send), lookup)
	server.SetHandler(h)

	cleanup := func() error {
		if stopGateway != nil {
			if err := stopGateway(); err != nil {
				_ = historyStore.Close()
				return err
			}
		}
		if vs.cleanup != nil {
			if err := vs.cleanup(); err != nil {
				_ = historyStore.Close()
				return err
			}
		}
		return historyStore.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      server,
		Sessions: sessions,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// buildAgent resolves engine.Agent per cfg.AgentBackend. BackendMode gates
// the repository's overall collaborator-mock posture; AgentBackend is a
// finer-grained switch within that posture for the language-model
// collaborator specifically.
func buildAgent(cfg config.Config) (engine.Agent, func() error, error) {
	switch cfg.BackendMode {
	case "mock":
	default:
		return nil, nil, fmt.Errorf("app: unsupported backend mode %q", cfg.BackendMode)
	}

	switch cfg.AgentBackend {
	case "mock":
		return engine.NewMockAgent(), nil, nil
	case "openclaw":
		gatewayCmd, _ := maybeAutoStartOpenClawGateway(cfg)
		stop := func() error { return stopProcessBestEffort(gatewayCmd) }

		adapter, err := openclaw.NewAdapter(openclaw.Config{
			Mode:              cfg.OpenClawAdapterMode,
			GatewayURL:        cfg.OpenClawGatewayURL,
			GatewayToken:      cfg.OpenClawGatewayToken,
			HTTPURL:           cfg.OpenClawHTTPURL,
			CLIPath:           cfg.OpenClawCLIPath,
			CLIThinking:       cfg.OpenClawCLIThinking,
			CLIStreaming:      cfg.OpenClawCLIStreaming,
			CLIStreamMinChars: cfg.OpenClawCLIStreamMinChars,
			HTTPStreamStrict:  cfg.OpenClawHTTPStreamStrict,
		})
		if err != nil {
			_ = stop()
			return nil, nil, fmt.Errorf("openclaw adapter init failed: %w", err)
		}
		return voice.NewAgentAdapter(adapter), stop, nil
	default:
		return nil, nil, fmt.Errorf("app: unsupported agent backend %q", cfg.AgentBackend)
	}
}
