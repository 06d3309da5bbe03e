package group

import (
	"context"
	"encoding/base64"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/observability"
	"github.com/relaylane/turnorchestrator/internal/protocol"
	"github.com/relaylane/turnorchestrator/internal/syncgate"
	"github.com/relaylane/turnorchestrator/internal/ttsmanager"
)

// Deps bundles the collaborators one member's Speaking(m) cycle needs.
type Deps struct {
	Agent           engine.Agent
	TTS             engine.TTS
	VoiceID         string
	Gate            *syncgate.Gate
	Metrics         *observability.Metrics
	PlaybackTimeout time.Duration
}

// Sender delivers one message to one specific client.
type Sender func(clientID string, msg any) error

// Broadcast fans msg out to every recipient. A transport failure for one
// recipient must never block delivery to the others (spec §4.5); errors
// are swallowed here the same way a single client's own send errors don't
// abort other clients' delivery.
func Broadcast(sender Sender, recipients []string, msg any) {
	for _, clientID := range recipients {
		_ = sender(clientID, msg)
	}
}

const thinkingPlaceholder = "Thinking…"
const interruptedMarker = "[Interrupted by user]"
const errorMarker = "[error]"

// RunTurn executes one Speaking(m) cycle for state's current queue head:
// steps 1-7 of §4.4 restricted to member m, broadcasting every output to
// state's whole membership, then performs the Speaking(m) -> Idle
// transition (spec §4.5). spokeClientID is "" if the queue was empty.
func RunTurn(ctx context.Context, deps Deps, state *State, sender Sender) (spokeClientID string, err error) {
	clientID, retrieved, ok := state.popSpeaker()
	if !ok {
		return "", nil
	}
	recipients := state.Members()
	broadcast := func(msg any) { Broadcast(sender, recipients, msg) }

	mgr := ttsmanager.New(deps.TTS, deps.VoiceID)
	defer mgr.Clear()

	deps.Metrics.ObserveTurnEvent("group_started")
	broadcast(protocol.Control{Type: protocol.TypeControl, Action: protocol.ActionConversationChainStart})
	broadcast(protocol.FullText{Type: protocol.TypeFullText, Text: thinkingPlaceholder})

	items, errs := deps.Agent.Chat(ctx, engine.ChatRequest{
		ClientID:     clientID,
		Metadata:     engine.TurnMetadata{SkipMemory: true, SkipHistory: true},
		RetrievedCtx: retrieved,
	})

	transcript, streamErr, interrupted := consume(ctx, mgr, items, errs, broadcast)

	if interrupted {
		deps.Metrics.ObserveTurnEvent("group_interrupted")
		state.commitInterrupted(clientID, "", transcript, interruptedMarker)
		broadcast(protocol.InterruptSignal{Type: protocol.TypeInterruptSignal})
		return clientID, ctx.Err()
	}
	if streamErr != nil {
		deps.Metrics.ObserveTurnEvent("group_error")
		broadcast(protocol.ErrorEvent{Type: protocol.TypeError, Message: "the assistant could not complete this turn"})
		state.commitInterrupted(clientID, "", transcript, errorMarker)
		broadcast(protocol.Control{Type: protocol.TypeControl, Action: protocol.ActionConversationChainEnd})
		return clientID, streamErr
	}

	if drainErr := mgr.Drain(ctx); drainErr != nil && ctx.Err() != nil {
		deps.Metrics.ObserveTurnEvent("group_interrupted")
		state.commitInterrupted(clientID, "", transcript, interruptedMarker)
		broadcast(protocol.InterruptSignal{Type: protocol.TypeInterruptSignal})
		return clientID, ctx.Err()
	}
	broadcast(protocol.BackendSynthComplete{Type: protocol.TypeBackendSynthComplete})

	timeout := deps.PlaybackTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	waitAllPlaybackComplete(ctx, deps.Gate, recipients, timeout, deps.Metrics)

	broadcast(protocol.ForceNewMessage{Type: protocol.TypeForceNewMessage})
	broadcast(protocol.Control{Type: protocol.TypeControl, Action: protocol.ActionConversationChainEnd})

	state.commitSpeaker(clientID, "", transcript)
	deps.Metrics.ObserveTurnEvent("group_completed")
	return clientID, nil
}

// consume routes one member's agent stream exactly like the Single flow's
// step 6, but broadcasting instead of single-recipient delivery.
func consume(ctx context.Context, mgr *ttsmanager.Manager, items <-chan engine.StreamItem, errs <-chan error, broadcast func(any)) (transcript string, err error, interrupted bool) {
	for {
		select {
		case <-ctx.Done():
			return transcript, nil, true
		case agentErr, ok := <-errs:
			if ok && agentErr != nil {
				return transcript, agentErr, false
			}
		case item, ok := <-items:
			if !ok {
				return transcript, nil, false
			}
			switch item.Kind {
			case engine.OutputSentence:
				transcript = appendText(transcript, item.Sentence.DisplayText)
				mgr.Speak(item.Sentence, func(p ttsmanager.AudioPayload) error {
					broadcast(audioResponse(p))
					return nil
				})
			case engine.OutputAudio:
				transcript = appendText(transcript, item.Audio.DisplayText)
				mgr.SpeakAudio(item.Audio, func(p ttsmanager.AudioPayload) error {
					broadcast(audioResponse(p))
					return nil
				})
			case engine.OutputToolCallStatus:
				broadcast(protocol.ToolCallStatus{
					Type: protocol.TypeToolCallStatus, Name: item.Tool.Name,
					Status: item.Tool.Status, Detail: item.Tool.Detail,
				})
			}
		}
	}
}

func audioResponse(p ttsmanager.AudioPayload) protocol.AudioResponse {
	audio := ""
	if p.Audio != nil {
		audio = base64.StdEncoding.EncodeToString(p.Audio)
	}
	return protocol.AudioResponse{
		Type: protocol.TypeAudioResponse, Audio: audio,
		DisplayText: p.DisplayText, Actions: p.Actions, Sequence: p.Sequence,
	}
}

func appendText(existing, next string) string {
	if next == "" {
		return existing
	}
	if existing == "" {
		return next
	}
	return existing + " " + next
}

// waitAllPlaybackComplete fans out one Sync Gate wait per recipient so
// finalize only proceeds once every member's client has confirmed its
// audio queue drained, or timeout elapses for the slowest one.
func waitAllPlaybackComplete(ctx context.Context, gate *syncgate.Gate, recipients []string, timeout time.Duration, metrics *observability.Metrics) {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range recipients {
		clientID := id
		g.Go(func() error {
			_, outcome, waitErr := gate.Wait(gctx, clientID, string(protocol.TypeFrontendPlaybackComplete), "", timeout)
			if metrics != nil {
				metrics.ObserveSyncGateOutcome(string(protocol.TypeFrontendPlaybackComplete), outcome.String())
			}
			return waitErr
		})
	}
	_ = g.Wait()
}
