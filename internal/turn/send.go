// Package turn implements the Conversation Utilities (spec §4.3) and the
// Single Conversation Flow (spec §4.4): the nine-step lifecycle of one
// human<->assistant turn, built from the Sync Gate, the Ordered TTS
// Manager, and the external collaborators.
package turn

import (
	"github.com/relaylane/turnorchestrator/internal/protocol"
)

// SendFunc delivers one outbound protocol message to a specific,
// already-known client. Transport concerns (framing, write locking) live
// below this boundary, in internal/transport.
type SendFunc func(msg any) error

func sendControl(send SendFunc, action string) error {
	return send(protocol.Control{Type: protocol.TypeControl, Action: action})
}

func sendFullText(send SendFunc, text string) error {
	return send(protocol.FullText{Type: protocol.TypeFullText, Text: text})
}

func sendBackendSynthComplete(send SendFunc) error {
	return send(protocol.BackendSynthComplete{Type: protocol.TypeBackendSynthComplete})
}

func sendForceNewMessage(send SendFunc) error {
	return send(protocol.ForceNewMessage{Type: protocol.TypeForceNewMessage})
}

func sendInterruptSignal(send SendFunc) error {
	return send(protocol.InterruptSignal{Type: protocol.TypeInterruptSignal})
}

func sendError(send SendFunc, message string) error {
	return send(protocol.ErrorEvent{Type: protocol.TypeError, Message: message})
}

func sendToolCallStatus(send SendFunc, name, status, detail string) error {
	return send(protocol.ToolCallStatus{Type: protocol.TypeToolCallStatus, Name: name, Status: status, Detail: detail})
}
