// Package protocol defines the JSON message types exchanged between the
// orchestrator and a connected client over a single bidirectional channel
// (one logical connection per ClientId).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a websocket payload variant.
type MessageType string

const (
	// Outbound (orchestrator -> client).
	TypeControl                MessageType = "control"
	TypeFullText                MessageType = "full-text"
	TypeUserInputTranscription  MessageType = "user-input-transcription"
	TypeAudioResponse           MessageType = "audio-response"
	TypeBackendSynthComplete    MessageType = "backend-synth-complete"
	TypeForceNewMessage         MessageType = "force-new-message"
	TypeInterruptSignal         MessageType = "interrupt-signal"
	TypeToolCallStatus          MessageType = "tool_call_status"
	TypeError                   MessageType = "error"

	// Inbound (client -> orchestrator).
	TypeTextInput               MessageType = "text-input"
	TypeMicAudioEnd              MessageType = "mic-audio-end"
	TypeAISpeakSignal            MessageType = "ai-speak-signal"
	TypeFrontendPlaybackComplete MessageType = "frontend-playback-complete"
	TypeInterrupt                MessageType = "interrupt"
)

// Control actions for TypeControl.
const (
	ActionConversationChainStart = "conversation-chain-start"
	ActionConversationChainEnd   = "conversation-chain-end"
)

var ErrUnsupportedType = errors.New("protocol: unsupported message type")

// Envelope is the minimal shape every inbound message must satisfy so the
// type field can be inspected before unmarshalling into a concrete type.
type Envelope struct {
	Type MessageType `json:"type"`
}

// --- Outbound message bodies ---

type Control struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type FullText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type UserInputTranscription struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type AudioResponse struct {
	Type        MessageType `json:"type"`
	Audio       string      `json:"audio"`
	DisplayText string      `json:"display_text"`
	Actions     []string    `json:"actions,omitempty"`
	Sequence    int         `json:"sequence"`
}

type BackendSynthComplete struct {
	Type MessageType `json:"type"`
}

type ForceNewMessage struct {
	Type MessageType `json:"type"`
}

type InterruptSignal struct {
	Type MessageType `json:"type"`
}

type ToolCallStatus struct {
	Type   MessageType `json:"type"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// --- Inbound message bodies ---

type TextInput struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// MicAudioEnd closes a mic capture. Either Text (client-side STT already
// ran) or AudioBase64 (raw PCM16LE for the orchestrator's STT
// collaborator to transcribe, spec §4.3's input-normalization path) is
// set; if both are empty the trigger is a no-op turn.
type MicAudioEnd struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text,omitempty"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
}

type AISpeakSignal struct {
	Type MessageType `json:"type"`
}

type FrontendPlaybackComplete struct {
	Type MessageType `json:"type"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type clientInbound struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text"`
	AudioBase64 string      `json:"audio_base64"`
}

// ParseClientMessage decodes a raw inbound payload into one of the
// client->orchestrator message types. Unknown or malformed types return
// ErrUnsupportedType / a wrapped decode error respectively.
func ParseClientMessage(raw []byte) (any, error) {
	var inbound clientInbound
	if err := json.Unmarshal(raw, &inbound); err != nil {
		return nil, fmt.Errorf("protocol: invalid envelope: %w", err)
	}

	switch inbound.Type {
	case TypeTextInput:
		return TextInput{Type: TypeTextInput, Text: inbound.Text}, nil
	case TypeMicAudioEnd:
		return MicAudioEnd{Type: TypeMicAudioEnd, Text: inbound.Text, AudioBase64: inbound.AudioBase64}, nil
	case TypeAISpeakSignal:
		return AISpeakSignal{Type: TypeAISpeakSignal}, nil
	case TypeFrontendPlaybackComplete:
		return FrontendPlaybackComplete{Type: TypeFrontendPlaybackComplete}, nil
	case TypeInterrupt:
		return Interrupt{Type: TypeInterrupt}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// IsTrigger reports whether a parsed inbound message starts a new turn.
func IsTrigger(msg any) bool {
	switch msg.(type) {
	case TextInput, MicAudioEnd, AISpeakSignal:
		return true
	default:
		return false
	}
}
