// Package engine defines the narrow collaborator interfaces the
// orchestrator core consumes: the agent (LLM) engine, the TTS backend, the
// STT backend, and the sentence/audio/tool-call output types the agent
// engine streams. Concrete backends (ElevenLabs, local whisper/kokoro,
// a specific LLM API) are out of scope for the core; Mock implementations
// live in this package's mock.go for tests and the "mock" deployment
// profile.
package engine

import "context"

// TurnMetadata carries per-turn flags. Lifetime: one turn.
type TurnMetadata struct {
	Proactive   bool
	SkipMemory  bool
	SkipHistory bool
}

// ChatRequest is the batch input handed to the agent engine for one turn.
type ChatRequest struct {
	ClientID     string
	Text         string
	Metadata     TurnMetadata
	RetrievedCtx []string
}

// OutputKind discriminates the variants an agent stream can yield.
type OutputKind int

const (
	OutputSentence OutputKind = iota
	OutputAudio
	OutputToolCallStatus
)

// SentenceOutput is a unit produced by the agent engine in stream order.
// Sequence is assigned later, by the TTS Manager on submission, never by
// the producer.
type SentenceOutput struct {
	DisplayText string
	TTSText     string
	Actions     []string
}

// AudioOutput is a pre-rendered audio chunk the agent produced itself
// (bypassing synthesis). It is still routed through the TTS Manager so its
// ordering is serialized with any SentenceOutputs in the same turn.
type AudioOutput struct {
	Audio       []byte
	DisplayText string
	Actions     []string
}

// ToolCallStatus is forwarded verbatim to the client; it never passes
// through the TTS Manager (spec §4.3).
type ToolCallStatus struct {
	Name   string
	Status string
	Detail string
}

// StreamItem is one element of an agent stream: exactly one of the three
// fields determined by Kind is populated.
type StreamItem struct {
	Kind     OutputKind
	Sentence SentenceOutput
	Audio    AudioOutput
	Tool     ToolCallStatus
}

// Agent is the external language-model engine collaborator (spec §6).
type Agent interface {
	// Chat returns a lazy stream of StreamItems for req. The stream and any
	// goroutines it owns MUST observe ctx cancellation promptly.
	Chat(ctx context.Context, req ChatRequest) (<-chan StreamItem, <-chan error)
	// HandleInterrupt lets the engine record that partialText was the
	// truncated response delivered before cancellation.
	HandleInterrupt(ctx context.Context, clientID, partialText string) error
}

// TTS is the external text-to-speech backend collaborator (spec §6).
type TTS interface {
	// Synthesize renders text to audio bytes. Cancellable via ctx.
	Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error)
}

// STT is the external speech-to-text backend collaborator, consulted only
// for audio triggers (spec §6).
type STT interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
