package turn

import (
	"context"
	"log"
	"time"

	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/observability"
	"github.com/relaylane/turnorchestrator/internal/protocol"
	"github.com/relaylane/turnorchestrator/internal/syncgate"
	"github.com/relaylane/turnorchestrator/internal/ttsmanager"
)

// thinkingPlaceholder is sent immediately after a trigger so the client's
// UI can show activity before any model work begins (spec §4.3).
const thinkingPlaceholder = "Thinking…"

// normalizeInput resolves the trigger payload into plain text: if rawAudio
// is non-empty the STT collaborator transcribes it, otherwise text is
// returned unchanged. Empty strings are valid and propagate (spec §4.3).
func normalizeInput(ctx context.Context, stt engine.STT, text string, rawAudio []byte) (string, error) {
	if len(rawAudio) == 0 {
		return text, nil
	}
	return stt.Transcribe(ctx, rawAudio)
}

// emitStartSignals sends conversation-chain-start followed by a thinking
// placeholder (spec §4.3).
func emitStartSignals(send SendFunc) error {
	if err := sendControl(send, protocol.ActionConversationChainStart); err != nil {
		return err
	}
	return sendFullText(send, thinkingPlaceholder)
}

// routeOutput classifies one agent stream item and forwards it per spec
// §4.3: sentences and pre-rendered audio go through the TTS Manager so
// ordering is serialized; tool-call status is forwarded directly. For
// sentence/audio items it times receipt-to-synthesized-chunk, the latency
// a listener actually perceives as the assistant "catching up" with the
// agent's text (spec's sentence_to_first_audio stage).
func routeOutput(item engine.StreamItem, ttsMgr *ttsmanager.Manager, send SendFunc, metrics *observability.Metrics) {
	received := time.Now()
	sendPayload := func(p ttsmanager.AudioPayload) error {
		metrics.ObserveTurnStage("sentence_to_first_audio", time.Since(received))
		return send(protocol.AudioResponse{
			Type:        protocol.TypeAudioResponse,
			Audio:       encodeAudio(p.Audio),
			DisplayText: p.DisplayText,
			Actions:     p.Actions,
			Sequence:    p.Sequence,
		})
	}
	switch item.Kind {
	case engine.OutputSentence:
		ttsMgr.Speak(item.Sentence, sendPayload)
	case engine.OutputAudio:
		ttsMgr.SpeakAudio(item.Audio, sendPayload)
	case engine.OutputToolCallStatus:
		_ = sendToolCallStatus(send, item.Tool.Name, item.Tool.Status, item.Tool.Detail)
	}
}

// finalizeOutcome distinguishes how finalizeTurn concluded, so the caller
// can decide what to log without finalizeTurn importing a logger.
type finalizeOutcome int

const (
	finalizeDelivered finalizeOutcome = iota
	finalizeTimedOut
	finalizeCancelled
)

// finalizeTurn drains the TTS Manager, announces synthesis completion,
// waits (bounded) for the client to confirm playback, then announces turn
// end (spec §4.3, §9's bounded-wait requirement).
func finalizeTurn(ctx context.Context, gate *syncgate.Gate, ttsMgr *ttsmanager.Manager, clientID string, send SendFunc, timeout time.Duration, metrics *observability.Metrics, agentStreamStart time.Time) (finalizeOutcome, error) {
	if err := ttsMgr.Drain(ctx); err != nil && ctx.Err() != nil {
		return finalizeCancelled, err
	}
	metrics.ObserveTurnStage("agent_stream_to_drain", time.Since(agentStreamStart))
	if err := sendBackendSynthComplete(send); err != nil {
		return finalizeDelivered, err
	}

	gateWaitStart := time.Now()
	_, outcome, err := gate.Wait(ctx, clientID, string(protocol.TypeFrontendPlaybackComplete), "", timeout)
	metrics.ObserveTurnStage("sync_gate_playback_wait", time.Since(gateWaitStart))
	if metrics != nil {
		metrics.ObserveSyncGateOutcome(string(protocol.TypeFrontendPlaybackComplete), outcome.String())
	}

	switch outcome {
	case syncgate.OutcomeTimeout:
		log.Printf("turn: client %s did not confirm playback within %s; proceeding", clientID, timeout)
	case syncgate.OutcomeCancelled:
		if err != nil {
			return finalizeCancelled, err
		}
	}

	if sendErr := sendForceNewMessage(send); sendErr != nil {
		return finalizeDelivered, sendErr
	}
	if sendErr := sendControl(send, protocol.ActionConversationChainEnd); sendErr != nil {
		return finalizeDelivered, sendErr
	}

	if outcome == syncgate.OutcomeTimeout {
		return finalizeTimedOut, nil
	}
	return finalizeDelivered, nil
}

// cleanup always runs on every exit path: it clears the TTS Manager's
// per-turn state (spec §4.3). Calling it twice for the same turn has the
// same observable effect as calling it once (spec §8, P3).
func cleanup(ttsMgr *ttsmanager.Manager) {
	ttsMgr.Clear()
}

func encodeAudio(audio []byte) string {
	if audio == nil {
		return ""
	}
	return base64Encode(audio)
}
