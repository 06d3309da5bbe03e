// Package handler implements the Conversation Handler (spec §4.6): the
// single entry point for every inbound client event, responsible for
// Sync Gate delivery, trigger classification and dispatch, the
// check-and-create task-slot lock that is the system's primary turn-
// serialization mechanism, and the interrupt path.
package handler

import (
	"context"
	"encoding/base64"
	"log"
	"sync"
	"time"

	"github.com/relaylane/turnorchestrator/internal/engine"
	"github.com/relaylane/turnorchestrator/internal/group"
	"github.com/relaylane/turnorchestrator/internal/history"
	"github.com/relaylane/turnorchestrator/internal/observability"
	"github.com/relaylane/turnorchestrator/internal/protocol"
	"github.com/relaylane/turnorchestrator/internal/session"
	"github.com/relaylane/turnorchestrator/internal/syncgate"
	"github.com/relaylane/turnorchestrator/internal/ttsmanager"
	"github.com/relaylane/turnorchestrator/internal/turn"
)

// proactivePrompt is the synthetic user input used for ai-speak-signal
// triggers (spec §4.6).
const proactivePrompt = "Please say something"

// Deps bundles the collaborators every turn needs, shared across clients.
type Deps struct {
	Agent           engine.Agent
	TTS             engine.TTS
	STT             engine.STT
	History         history.Store
	Gate            *syncgate.Gate
	Sessions        *session.Manager
	Groups          *group.Registry
	Metrics         *observability.Metrics
	PlaybackTimeout time.Duration
	MaxConcurrency  int
}

// Sender delivers one message to one specific, already-connected client.
// The transport layer (internal/transport) supplies the concrete
// implementation.
type Sender func(clientID string, msg any) error

// GroupLookup reports the group a client currently belongs to, and
// whether that group has at least two members (single-member "groups"
// are treated as single-client turns per spec §4.6's dispatch rule).
type GroupLookup func(clientID string) (groupID string, isMultiMember bool)

type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Handler is the Conversation Handler. Construct with New.
type Handler struct {
	deps    Deps
	send    Sender
	lookup  GroupLookup

	mu          sync.Mutex
	tasks       map[string]taskHandle
	ttsManagers map[string]*ttsmanager.Manager // per single-mode ClientId, reused across turns
}

func New(deps Deps, send Sender, lookup GroupLookup) *Handler {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	return &Handler{
		deps:        deps,
		send:        send,
		lookup:      lookup,
		tasks:       make(map[string]taskHandle),
		ttsManagers: make(map[string]*ttsmanager.Manager),
	}
}

// OnMessage is the single entry point for every inbound client event
// (spec §4.6).
func (h *Handler) OnMessage(ctx context.Context, clientID string, msg any) {
	switch msg.(type) {
	case protocol.FrontendPlaybackComplete:
		h.deps.Gate.Deliver(clientID, string(protocol.TypeFrontendPlaybackComplete), "", nil)
		return
	case protocol.Interrupt:
		h.interrupt(clientID)
		return
	}

	if !protocol.IsTrigger(msg) {
		return
	}
	h.dispatch(ctx, clientID, msg)
}

// OnDisconnect releases every Sync Gate wait for clientID and cancels its
// active task, if any (spec §7's client-transport-error policy).
func (h *Handler) OnDisconnect(clientID string) {
	h.deps.Gate.ReleaseClient(clientID)
	key, isGroup := h.lookup(clientID)
	if !isGroup {
		key = clientID
	}
	h.cancelAndWait(key)
}

func (h *Handler) dispatch(ctx context.Context, clientID string, msg any) {
	key, isGroup := h.lookup(clientID)
	if !isGroup {
		key = clientID
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	h.mu.Lock()
	if _, running := h.tasks[key]; running {
		h.mu.Unlock()
		cancel()
		close(done)
		h.deps.Metrics.ObserveTurnEvent("rejected_concurrent")
		return
	}
	h.tasks[key] = taskHandle{cancel: cancel, done: done}
	h.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			h.mu.Lock()
			delete(h.tasks, key)
			h.mu.Unlock()
			cancel()
		}()

		if isGroup {
			h.runGroupTurn(taskCtx, key)
			return
		}
		h.runSingleTurn(taskCtx, clientID, msg)
	}()
}

func (h *Handler) runSingleTurn(ctx context.Context, clientID string, msg any) {
	text, raw, meta := classify(msg)

	_ = h.deps.Sessions.StartTurn(clientID, clientID+":"+time.Now().UTC().Format(time.RFC3339Nano))
	defer func() { _ = h.deps.Sessions.EndTurn(clientID) }()

	deps := turn.Deps{
		Agent:           h.deps.Agent,
		TTSManager:      h.ttsManagerFor(clientID),
		STT:             h.deps.STT,
		History:         h.deps.History,
		Gate:            h.deps.Gate,
		Metrics:         h.deps.Metrics,
		PlaybackTimeout: h.deps.PlaybackTimeout,
	}
	req := turn.Request{
		ClientID: clientID,
		Text:     text,
		RawAudio: raw,
		Metadata: meta,
		Send:     func(m any) error { return h.send(clientID, m) },
	}
	if err := turn.RunSingle(ctx, deps, req); err != nil && ctx.Err() == nil {
		log.Printf("handler: single turn for %s: %v", clientID, err)
	}
}

func (h *Handler) runGroupTurn(ctx context.Context, groupID string) {
	g, ok := h.deps.Groups.Get(groupID)
	if !ok {
		return
	}
	deps := group.Deps{
		Agent:           h.deps.Agent,
		TTS:             h.deps.TTS,
		Gate:            h.deps.Gate,
		Metrics:         h.deps.Metrics,
		PlaybackTimeout: h.deps.PlaybackTimeout,
	}
	if _, err := group.RunTurn(ctx, deps, g, group.Sender(h.send)); err != nil && ctx.Err() == nil {
		log.Printf("handler: group turn for %s: %v", groupID, err)
	}
}

// interrupt cancels the active task for clientID's key. The cancelled flow
// itself persists the partial response, emits interrupt-signal, and (for
// groups) commits the Speaking->Idle transition; cancelAndWait's only job
// is to guarantee the task slot is free once this returns.
func (h *Handler) interrupt(clientID string) {
	key, isGroup := h.lookup(clientID)
	if !isGroup {
		key = clientID
	}
	h.cancelAndWait(key)
}

func (h *Handler) cancelAndWait(key string) {
	h.mu.Lock()
	t, ok := h.tasks[key]
	h.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

func (h *Handler) ttsManagerFor(clientID string) *ttsmanager.Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	mgr, ok := h.ttsManagers[clientID]
	if !ok {
		var opts []ttsmanager.Option
		if h.deps.MaxConcurrency > 0 {
			opts = append(opts, ttsmanager.WithMaxConcurrentSynthesis(h.deps.MaxConcurrency))
		}
		mgr = ttsmanager.New(h.deps.TTS, h.defaultVoiceID(clientID), opts...)
		h.ttsManagers[clientID] = mgr
	}
	return mgr
}

func (h *Handler) defaultVoiceID(clientID string) string {
	if s, err := h.deps.Sessions.Get(clientID); err == nil && s.VoiceID != "" {
		return s.VoiceID
	}
	return ""
}

// classify turns one inbound trigger message into the normalized text
// and/or raw audio and TurnMetadata the Single flow expects (spec §4.6's
// proactive-trigger wiring).
func classify(msg any) (text string, rawAudio []byte, meta engine.TurnMetadata) {
	switch m := msg.(type) {
	case protocol.TextInput:
		return m.Text, nil, engine.TurnMetadata{}
	case protocol.MicAudioEnd:
		if m.Text != "" || m.AudioBase64 == "" {
			return m.Text, nil, engine.TurnMetadata{}
		}
		audio, err := base64.StdEncoding.DecodeString(m.AudioBase64)
		if err != nil {
			return "", nil, engine.TurnMetadata{}
		}
		return "", audio, engine.TurnMetadata{}
	case protocol.AISpeakSignal:
		return proactivePrompt, nil, engine.TurnMetadata{Proactive: true, SkipMemory: true, SkipHistory: true}
	default:
		return "", nil, engine.TurnMetadata{}
	}
}
