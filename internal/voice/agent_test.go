package voice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/openclaw"
)

func TestAgentAdapterStreamsSentencesFromDeltas(t *testing.T) {
	agent := NewAgentAdapter(openclaw.NewMockAdapter())

	items, errs := agent.Chat(context.Background(), engine.ChatRequest{
		ClientID: "client-1",
		Text:     "what's the weather",
	})

	var got []string
	for item := range items {
		if item.Kind != engine.OutputSentence {
			t.Fatalf("unexpected item kind %v", item.Kind)
		}
		got = append(got, item.Sentence.DisplayText)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	full := strings.Join(got, "")
	if !strings.Contains(full, "weather") {
		t.Fatalf("streamed text = %q, want it to contain the echoed input", full)
	}
}

func TestAgentAdapterStopsOnCancellation(t *testing.T) {
	agent := NewAgentAdapter(openclaw.NewMockAdapter())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items, errs := agent.Chat(ctx, engine.ChatRequest{ClientID: "client-1", Text: "hello"})

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-items:
			if !ok {
				items = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
		if items == nil && errs == nil {
			return
		}
	}
}
