package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/openclaw"
)

// AgentAdapter implements engine.Agent by streaming deltas from an OpenClaw
// reasoning adapter through the same text-shaping pipeline the original
// voice pipeline used: assistant lead-in filler stripped, then chunked into
// TTS-ready sentences by the prosody planner.
type AgentAdapter struct {
	adapter openclaw.Adapter
}

func NewAgentAdapter(adapter openclaw.Adapter) *AgentAdapter {
	return &AgentAdapter{adapter: adapter}
}

func (a *AgentAdapter) Chat(ctx context.Context, req engine.ChatRequest) (<-chan engine.StreamItem, <-chan error) {
	items := make(chan engine.StreamItem)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		leadFilter := newLeadResponseFilter()
		prosody := newProsodyPlanner()
		var assistantOut string

		emit := func(segment string) bool {
			if segment == "" {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case items <- engine.StreamItem{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: segment, TTSText: segment}}:
				return true
			}
		}

		onDelta := func(delta string) error {
			delta = leadFilter.Consume(delta)
			if strings.TrimSpace(delta) == "" {
				return nil
			}
			assistantOut += delta
			speech := sanitizeSpeechText(delta)
			if speech == "" {
				return nil
			}
			for _, segment := range prosody.Push(speech) {
				if !emit(segment) {
					return ctx.Err()
				}
			}
			return nil
		}

		res, err := a.adapter.StreamResponse(ctx, openclaw.MessageRequest{
			SessionID:     req.ClientID,
			TurnID:        req.ClientID,
			InputText:     req.Text,
			MemoryContext: req.RetrievedCtx,
		}, onDelta)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- fmt.Errorf("voice: agent stream: %w", err)
			return
		}

		// Some adapters (e.g. a prefetch/speculative hit) return only final
		// text with no incremental deltas; run it through the same path.
		if strings.TrimSpace(assistantOut) == "" && strings.TrimSpace(res.Text) != "" {
			final := leadFilter.Finalize(res.Text)
			for _, segment := range prosody.Push(sanitizeSpeechText(final)) {
				if !emit(segment) {
					return
				}
			}
		}
		for _, segment := range prosody.Finalize() {
			if !emit(segment) {
				return
			}
		}
	}()

	return items, errs
}

// HandleInterrupt is a no-op: OpenClaw's adapters are stateless per call,
// so there is no server-side turn to notify.
func (a *AgentAdapter) HandleInterrupt(ctx context.Context, clientID, partialText string) error {
	return nil
}

var _ engine.Agent = (*AgentAdapter)(nil)
