package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/history"
	"github.com/relaylane/turnorchestrator/internal/observability"
	"github.com/relaylane/turnorchestrator/internal/protocol"
	"github.com/relaylane/turnorchestrator/internal/syncgate"
	"github.com/relaylane/turnorchestrator/internal/ttsmanager"
)

const (
	interruptedMarker = "[Interrupted by user]"
	errorMarker       = "[error]"

	defaultPlaybackTimeout = 60 * time.Second
	defaultRetrieveLimit   = 8
)

// Deps bundles the Single Conversation Flow's collaborators. One Deps is
// shared by every turn a client runs; TTSManager is the exception — it is
// scoped to one client/turn owner at a time (spec §3).
type Deps struct {
	Agent      engine.Agent
	TTSManager *ttsmanager.Manager
	STT        engine.STT
	History    history.Store
	Gate       *syncgate.Gate
	Metrics    *observability.Metrics

	PlaybackTimeout time.Duration
}

// Request is one turn's trigger payload.
type Request struct {
	ClientID string
	Text     string
	RawAudio []byte
	Metadata engine.TurnMetadata
	Send     SendFunc
}

// RunSingle executes the nine-step Single Conversation Flow (spec §4.4) for
// one trigger. It always runs Cleanup before returning, regardless of which
// step the flow exits on.
func RunSingle(ctx context.Context, deps Deps, req Request) error {
	turnStart := time.Now()
	defer func() { deps.Metrics.ObserveTurnStage("turn_total", time.Since(turnStart)) }()
	defer cleanup(deps.TTSManager)

	deps.Metrics.ObserveTurnEvent("started")

	// Step 2 (normalization) runs before step 1's start signals are
	// emitted: an empty, non-proactive trigger aborts with no output at
	// all besides conversation-chain-end (spec §4.4 step 2), so the
	// client must never see a start signal for a turn that never starts.
	text, err := normalizeInput(ctx, deps.STT, req.Text, req.RawAudio)
	if err != nil {
		deps.Metrics.ObserveTurnEvent("error")
		_ = sendError(req.Send, "could not understand audio input")
		_ = sendControl(req.Send, protocol.ActionConversationChainEnd)
		return fmt.Errorf("turn: normalize input: %w", err)
	}
	if text == "" && !req.Metadata.Proactive {
		deps.Metrics.ObserveTurnEvent("rejected")
		_ = sendControl(req.Send, protocol.ActionConversationChainEnd)
		return nil
	}

	// Step 1: start signals.
	if err := emitStartSignals(req.Send); err != nil {
		deps.Metrics.ObserveTurnEvent("error")
		return fmt.Errorf("turn: emit start signals: %w", err)
	}
	deps.Metrics.ObserveTurnStage("trigger_to_chain_start", time.Since(turnStart))
	chainStart := time.Now()

	// Step 3: retrieve context, unless the caller opted out.
	var retrieved []string
	if !req.Metadata.SkipMemory && deps.History != nil {
		lines, retrErr := deps.History.Retrieve(ctx, req.ClientID, text, defaultRetrieveLimit)
		if retrErr == nil {
			for _, l := range lines {
				retrieved = append(retrieved, l.Text)
			}
		}
	}

	// Step 4: persist the user's turn.
	if !req.Metadata.SkipHistory && deps.History != nil && text != "" {
		_ = deps.History.AppendUser(ctx, req.ClientID, text)
	}

	// Step 5: start the agent stream.
	agentStreamStart := time.Now()
	items, errs := deps.Agent.Chat(ctx, engine.ChatRequest{
		ClientID:     req.ClientID,
		Text:         text,
		Metadata:     req.Metadata,
		RetrievedCtx: retrieved,
	})

	// Step 6: consume the stream, routing each item, until it closes, the
	// agent reports an error, or the caller's context is cancelled.
	var transcript string
	streamErr, interrupted := consumeStream(ctx, deps, req, chainStart, items, errs, &transcript)

	if interrupted {
		deps.Metrics.ObserveTurnEvent("interrupted")
		_ = sendInterruptSignal(req.Send)
		detachedCtx := context.WithoutCancel(ctx)
		if !req.Metadata.SkipHistory && deps.History != nil {
			_ = deps.History.AppendAssistant(detachedCtx, req.ClientID, transcript, interruptedMarker)
		}
		_ = deps.Agent.HandleInterrupt(detachedCtx, req.ClientID, transcript)
		return ctx.Err()
	}

	if streamErr != nil {
		deps.Metrics.ObserveTurnEvent("error")
		_ = sendError(req.Send, "the assistant could not complete this turn")
		if !req.Metadata.SkipHistory && deps.History != nil {
			_ = deps.History.AppendAssistant(ctx, req.ClientID, transcript, errorMarker)
		}
		_ = sendControl(req.Send, protocol.ActionConversationChainEnd)
		return fmt.Errorf("turn: agent stream: %w", streamErr)
	}

	// Step 7: finalize — drain synthesis, confirm playback, end the chain.
	timeout := deps.PlaybackTimeout
	if timeout <= 0 {
		timeout = defaultPlaybackTimeout
	}
	outcome, finalizeErr := finalizeTurn(ctx, deps.Gate, deps.TTSManager, req.ClientID, req.Send, timeout, deps.Metrics, agentStreamStart)
	if finalizeErr != nil {
		if ctx.Err() != nil {
			// The interrupt arrived during finalize rather than during
			// step 6; the same cancellation semantics apply (spec §4.4).
			deps.Metrics.ObserveTurnEvent("interrupted")
			_ = sendInterruptSignal(req.Send)
			detachedCtx := context.WithoutCancel(ctx)
			if !req.Metadata.SkipHistory && deps.History != nil {
				_ = deps.History.AppendAssistant(detachedCtx, req.ClientID, transcript, interruptedMarker)
			}
			_ = deps.Agent.HandleInterrupt(detachedCtx, req.ClientID, transcript)
			return ctx.Err()
		}
		deps.Metrics.ObserveTurnEvent("error")
		if !req.Metadata.SkipHistory && deps.History != nil {
			_ = deps.History.AppendAssistant(ctx, req.ClientID, transcript)
		}
		return fmt.Errorf("turn: finalize: %w", finalizeErr)
	}

	// Step 8: persist the assistant's turn.
	if !req.Metadata.SkipHistory && deps.History != nil {
		_ = deps.History.AppendAssistant(ctx, req.ClientID, transcript)
	}

	if outcome == finalizeTimedOut {
		deps.Metrics.ObserveTurnEvent("completed_no_playback_ack")
	} else {
		deps.Metrics.ObserveTurnEvent("completed")
	}

	// Step 9 (Cleanup) runs via the deferred call above.
	return nil
}

// consumeStream routes every item the agent produces until the stream
// closes, the agent reports an error, or ctx is cancelled (an interrupt).
// It accumulates display text into *transcript for history/interrupt use.
func consumeStream(ctx context.Context, deps Deps, req Request, chainStart time.Time, items <-chan engine.StreamItem, errs <-chan error, transcript *string) (err error, interrupted bool) {
	gotFirstOutput := false
	for {
		select {
		case <-ctx.Done():
			return nil, true
		case agentErr, ok := <-errs:
			if ok && agentErr != nil {
				return agentErr, false
			}
		case item, ok := <-items:
			if !ok {
				return nil, false
			}
			if !gotFirstOutput {
				gotFirstOutput = true
				deps.Metrics.ObserveTurnStage("chain_start_to_agent_first_output", time.Since(chainStart))
			}
			switch item.Kind {
			case engine.OutputSentence:
				*transcript = appendTranscript(*transcript, item.Sentence.DisplayText)
			case engine.OutputAudio:
				*transcript = appendTranscript(*transcript, item.Audio.DisplayText)
			}
			routeOutput(item, deps.TTSManager, req.Send, deps.Metrics)
		}
	}
}

func appendTranscript(existing, next string) string {
	if next == "" {
		return existing
	}
	if existing == "" {
		return next
	}
	return existing + " " + next
}
