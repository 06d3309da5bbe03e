package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/history"
	"github.com/relaylane/turnorchestrator/internal/observability"
	"github.com/relaylane/turnorchestrator/internal/protocol"
	"github.com/relaylane/turnorchestrator/internal/syncgate"
	"github.com/relaylane/turnorchestrator/internal/ttsmanager"
)

// scriptedAgent yields a fixed slice of StreamItems, optionally blocking
// between each on a gate so tests can interleave client actions mid-stream.
type scriptedAgent struct {
	items        []engine.StreamItem
	streamErr    error
	afterItem    func(i int) // invoked synchronously after sending items[i]
	interruptsMu sync.Mutex
	interrupts   []string
}

func (a *scriptedAgent) Chat(ctx context.Context, req engine.ChatRequest) (<-chan engine.StreamItem, <-chan error) {
	items := make(chan engine.StreamItem)
	errs := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(errs)
		for i, it := range a.items {
			select {
			case <-ctx.Done():
				return
			case items <- it:
			}
			if a.afterItem != nil {
				a.afterItem(i)
			}
		}
		if a.streamErr != nil {
			errs <- a.streamErr
		}
	}()
	return items, errs
}

func (a *scriptedAgent) HandleInterrupt(_ context.Context, clientID, partialText string) error {
	a.interruptsMu.Lock()
	defer a.interruptsMu.Unlock()
	a.interrupts = append(a.interrupts, clientID+":"+partialText)
	return nil
}

// delayTTS synthesizes instantly unless a per-text delay or failure is
// configured, letting tests force out-of-order completion.
type delayTTS struct {
	mu      sync.Mutex
	delays  map[string]time.Duration
	failing map[string]bool
}

func (t *delayTTS) Synthesize(ctx context.Context, text, _ string) ([]byte, error) {
	t.mu.Lock()
	d := t.delays[text]
	fail := t.failing[text]
	t.mu.Unlock()
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return nil, errors.New("synthesis backend unavailable")
	}
	return []byte("audio:" + text), nil
}

type collector struct {
	mu   sync.Mutex
	msgs []any
}

func (c *collector) send(msg any) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func newTestDeps(agent engine.Agent, tts engine.TTS, hist history.Store) Deps {
	return Deps{
		Agent:           agent,
		TTSManager:      ttsmanager.New(tts, "voice-1"),
		STT:             engine.NewMockSTT(),
		History:         hist,
		Gate:            syncgate.New(),
		Metrics:         observability.NewMetrics("test_turn_" + uniqueSuffix()),
		PlaybackTimeout: 2 * time.Second,
	}
}

var suffixMu sync.Mutex
var suffixNext int

// uniqueSuffix keeps each test's Prometheus metric namespace distinct so
// promauto registration doesn't panic on duplicate collectors across tests.
func uniqueSuffix() string {
	suffixMu.Lock()
	defer suffixMu.Unlock()
	suffixNext++
	return string(rune('a' + suffixNext%26))
}

func ackPlaybackSoon(gate *syncgate.Gate, clientID string) {
	go func() {
		time.Sleep(20 * time.Millisecond)
		gate.Deliver(clientID, string(protocol.TypeFrontendPlaybackComplete), "", nil)
	}()
}

func TestRunSingleHelloWorld(t *testing.T) {
	agent := &scriptedAgent{items: []engine.StreamItem{
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "Hello!", TTSText: "Hello!"}},
	}}
	hist := history.NewInMemoryStore()
	deps := newTestDeps(agent, &delayTTS{}, hist)
	col := &collector{}

	ackPlaybackSoon(deps.Gate, "client-1")

	err := RunSingle(context.Background(), deps, Request{ClientID: "client-1", Text: "hi", Send: col.send})
	if err != nil {
		t.Fatalf("RunSingle: %v", err)
	}

	msgs := col.snapshot()
	wantKinds := []protocol.MessageType{
		protocol.TypeControl, protocol.TypeFullText, protocol.TypeAudioResponse,
		protocol.TypeBackendSynthComplete, protocol.TypeForceNewMessage, protocol.TypeControl,
	}
	if len(msgs) != len(wantKinds) {
		t.Fatalf("got %d messages, want %d: %#v", len(msgs), len(wantKinds), msgs)
	}
	for i, m := range msgs {
		typ := messageType(t, m)
		if typ != wantKinds[i] {
			t.Fatalf("msg[%d] = %s, want %s", i, typ, wantKinds[i])
		}
	}
	if ar, ok := msgs[2].(protocol.AudioResponse); !ok || ar.Sequence != 0 || ar.DisplayText != "Hello!" {
		t.Fatalf("audio response = %#v", msgs[2])
	}

	lines, _ := hist.Retrieve(context.Background(), "client-1", "", 10)
	if len(lines) != 2 || lines[0].Text != "User: hi" || lines[1].Text != "Bot: Hello!" {
		t.Fatalf("history = %#v", lines)
	}
}

func TestRunSingleOrderingUnderOutOfOrderSynthesis(t *testing.T) {
	agent := &scriptedAgent{items: []engine.StreamItem{
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "A", TTSText: "A"}},
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "B", TTSText: "B"}},
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "C", TTSText: "C"}},
	}}
	tts := &delayTTS{delays: map[string]time.Duration{
		"A": 60 * time.Millisecond,
		"B": 10 * time.Millisecond,
		"C": 25 * time.Millisecond,
	}}
	deps := newTestDeps(agent, tts, history.NewInMemoryStore())
	col := &collector{}
	ackPlaybackSoon(deps.Gate, "client-2")

	if err := RunSingle(context.Background(), deps, Request{ClientID: "client-2", Text: "a. b. c.", Send: col.send}); err != nil {
		t.Fatalf("RunSingle: %v", err)
	}

	var audio []protocol.AudioResponse
	for _, m := range col.snapshot() {
		if ar, ok := m.(protocol.AudioResponse); ok {
			audio = append(audio, ar)
		}
	}
	if len(audio) != 3 {
		t.Fatalf("got %d audio responses, want 3", len(audio))
	}
	wantText := []string{"A", "B", "C"}
	for i, ar := range audio {
		if ar.Sequence != i {
			t.Fatalf("audio[%d].Sequence = %d, want %d", i, ar.Sequence, i)
		}
		if ar.DisplayText != wantText[i] {
			t.Fatalf("audio[%d].DisplayText = %q, want %q", i, ar.DisplayText, wantText[i])
		}
	}
}

func TestRunSingleInterruptMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan struct{}, 1)
	cancelled := make(chan struct{})

	agent := &scriptedAgent{items: []engine.StreamItem{
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "zero", TTSText: "zero"}},
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "one", TTSText: "one"}},
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "two", TTSText: "two"}},
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "three", TTSText: "three"}},
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "four", TTSText: "four"}},
	}}
	// Block the agent right after it hands over sentence index 1 ("one")
	// until the test has actually cancelled the turn's context, so the
	// race is deterministic: no later sentence is ever offered to a
	// consumer that could still be running.
	agent.afterItem = func(i int) {
		if i == 1 {
			<-cancelled
		}
	}
	hist := history.NewInMemoryStore()
	deps := newTestDeps(agent, &delayTTS{}, hist)

	col := &collector{}
	wrappedSend := func(msg any) error {
		err := col.send(msg)
		if ar, ok := msg.(protocol.AudioResponse); ok && ar.Sequence == 1 {
			select {
			case delivered <- struct{}{}:
			default:
			}
		}
		return err
	}

	go func() {
		<-delivered
		cancel()
		close(cancelled)
	}()

	err := RunSingle(ctx, deps, Request{ClientID: "client-3", Text: "go", Send: wrappedSend})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunSingle err = %v, want context.Canceled", err)
	}

	var sawInterruptSignal bool
	for _, m := range col.snapshot() {
		if ar, ok := m.(protocol.AudioResponse); ok && ar.Sequence > 1 {
			t.Fatalf("received audio after interrupt: seq %d", ar.Sequence)
		}
		if _, ok := m.(protocol.InterruptSignal); ok {
			sawInterruptSignal = true
		}
	}
	if !sawInterruptSignal {
		t.Fatalf("expected an interrupt-signal message")
	}

	lines, _ := hist.Retrieve(context.Background(), "client-3", "", 10)
	if len(lines) != 2 {
		t.Fatalf("history = %#v, want 2 lines", lines)
	}
	if lines[0].Text != "User: go" {
		t.Fatalf("history[0] = %q", lines[0].Text)
	}
	if lines[1].Text != "Bot: zero one "+interruptedMarker {
		t.Fatalf("history[1] = %q", lines[1].Text)
	}

	agent.interruptsMu.Lock()
	defer agent.interruptsMu.Unlock()
	if len(agent.interrupts) != 1 {
		t.Fatalf("HandleInterrupt called %d times, want 1", len(agent.interrupts))
	}
}

func TestRunSingleProactiveTurnSkipsHistory(t *testing.T) {
	agent := &scriptedAgent{items: []engine.StreamItem{
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "checking in", TTSText: "checking in"}},
	}}
	hist := history.NewInMemoryStore()
	deps := newTestDeps(agent, &delayTTS{}, hist)
	col := &collector{}
	ackPlaybackSoon(deps.Gate, "client-4")

	req := Request{
		ClientID: "client-4",
		Text:     "",
		Metadata: engine.TurnMetadata{Proactive: true, SkipHistory: true},
		Send:     col.send,
	}
	if err := RunSingle(context.Background(), deps, req); err != nil {
		t.Fatalf("RunSingle: %v", err)
	}

	hasAudio := false
	for _, m := range col.snapshot() {
		if _, ok := m.(protocol.AudioResponse); ok {
			hasAudio = true
		}
	}
	if !hasAudio {
		t.Fatalf("expected the client to still observe full turn events")
	}

	lines, _ := hist.Retrieve(context.Background(), "client-4", "", 10)
	if len(lines) != 0 {
		t.Fatalf("history = %#v, want empty (skip_history)", lines)
	}
}

func TestRunSingleEmptyNonProactiveTextIsRejected(t *testing.T) {
	agent := &scriptedAgent{}
	deps := newTestDeps(agent, &delayTTS{}, history.NewInMemoryStore())
	col := &collector{}

	if err := RunSingle(context.Background(), deps, Request{ClientID: "client-5", Text: "", Send: col.send}); err != nil {
		t.Fatalf("RunSingle: %v", err)
	}

	msgs := col.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (chain-end only): %#v", len(msgs), msgs)
	}
	if c, ok := msgs[0].(protocol.Control); !ok || c.Action != protocol.ActionConversationChainEnd {
		t.Fatalf("msg = %#v, want chain-end control", msgs[0])
	}
}

// capturingAgent records the Text it was asked to chat with, then closes
// its stream immediately with no items.
type capturingAgent struct {
	gotText string
}

func (a *capturingAgent) Chat(_ context.Context, req engine.ChatRequest) (<-chan engine.StreamItem, <-chan error) {
	a.gotText = req.Text
	items := make(chan engine.StreamItem)
	errs := make(chan error)
	close(items)
	close(errs)
	return items, errs
}

func (a *capturingAgent) HandleInterrupt(context.Context, string, string) error { return nil }

func TestRunSingleTranscribesRawAudioBeforeChat(t *testing.T) {
	agent := &capturingAgent{}
	deps := newTestDeps(agent, &delayTTS{}, history.NewInMemoryStore())
	col := &collector{}
	ackPlaybackSoon(deps.Gate, "client-audio")

	req := Request{ClientID: "client-audio", RawAudio: []byte("raw pcm16le bytes"), Send: col.send}
	if err := RunSingle(context.Background(), deps, req); err != nil {
		t.Fatalf("RunSingle: %v", err)
	}

	if agent.gotText != "simulated voice input" {
		t.Fatalf("agent.gotText = %q, want the mock STT's transcript", agent.gotText)
	}
}

func TestRunSingleZeroSentenceTurnFinishesCleanly(t *testing.T) {
	agent := &scriptedAgent{items: []engine.StreamItem{
		{Kind: engine.OutputToolCallStatus, Tool: engine.ToolCallStatus{Name: "lookup", Status: "done"}},
	}}
	deps := newTestDeps(agent, &delayTTS{}, history.NewInMemoryStore())
	col := &collector{}
	ackPlaybackSoon(deps.Gate, "client-6")

	if err := RunSingle(context.Background(), deps, Request{ClientID: "client-6", Text: "run the tool", Send: col.send}); err != nil {
		t.Fatalf("RunSingle: %v", err)
	}

	var sawSynthComplete bool
	for _, m := range col.snapshot() {
		if _, ok := m.(protocol.AudioResponse); ok {
			t.Fatalf("expected no audio responses for a zero-sentence turn")
		}
		if _, ok := m.(protocol.BackendSynthComplete); ok {
			sawSynthComplete = true
		}
	}
	if !sawSynthComplete {
		t.Fatalf("expected backend-synth-complete even with no sentences")
	}
}

func TestRunSingleSynthesisFailureStillAdvancesSequence(t *testing.T) {
	agent := &scriptedAgent{items: []engine.StreamItem{
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "broken", TTSText: "broken"}},
		{Kind: engine.OutputSentence, Sentence: engine.SentenceOutput{DisplayText: "fine", TTSText: "fine"}},
	}}
	tts := &delayTTS{failing: map[string]bool{"broken": true}}
	deps := newTestDeps(agent, tts, history.NewInMemoryStore())
	col := &collector{}
	ackPlaybackSoon(deps.Gate, "client-7")

	if err := RunSingle(context.Background(), deps, Request{ClientID: "client-7", Text: "x", Send: col.send}); err != nil {
		t.Fatalf("RunSingle: %v", err)
	}

	var audio []protocol.AudioResponse
	for _, m := range col.snapshot() {
		if ar, ok := m.(protocol.AudioResponse); ok {
			audio = append(audio, ar)
		}
	}
	if len(audio) != 2 {
		t.Fatalf("got %d audio responses, want 2", len(audio))
	}
	if audio[0].Sequence != 0 || audio[0].Audio != "" {
		t.Fatalf("audio[0] = %#v, want empty sentinel at seq 0", audio[0])
	}
	if audio[1].Sequence != 1 {
		t.Fatalf("audio[1].Sequence = %d, want 1", audio[1].Sequence)
	}
}

func TestRunSingleCleanupIsIdempotent(t *testing.T) {
	mgr := ttsmanager.New(&delayTTS{}, "voice-1")
	mgr.Speak(engine.SentenceOutput{DisplayText: "x", TTSText: "x"}, func(ttsmanager.AudioPayload) error { return nil })
	cleanup(mgr)
	cleanup(mgr)
}

func messageType(t *testing.T, msg any) protocol.MessageType {
	t.Helper()
	switch m := msg.(type) {
	case protocol.Control:
		return m.Type
	case protocol.FullText:
		return m.Type
	case protocol.AudioResponse:
		return m.Type
	case protocol.BackendSynthComplete:
		return m.Type
	case protocol.ForceNewMessage:
		return m.Type
	case protocol.InterruptSignal:
		return m.Type
	case protocol.ToolCallStatus:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		t.Fatalf("unhandled message type %T", msg)
		return ""
	}
}
