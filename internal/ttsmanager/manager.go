// Package ttsmanager implements the Ordered TTS Manager (spec §4.2): it
// turns a stream of sentences arriving in producer order into a stream of
// audio payloads delivered to the client in that same order, while
// performing synthesis in parallel to minimize first-audio latency.
package ttsmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaylane/turnorchestrator/internal/engine"
)

// AudioPayload is the on-the-wire unit the manager hands to SendFunc, in
// strictly increasing Sequence order per turn.
type AudioPayload struct {
	Audio       []byte
	DisplayText string
	Actions     []string
	Sequence    int
}

// SendFunc delivers one ordered AudioPayload to the client.
type SendFunc func(AudioPayload) error

// generation is the mutable state of one turn's worth of synthesis work.
// A fresh generation is created lazily on the first Speak/SpeakAudio call
// after construction or after Clear.
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg          sync.WaitGroup
	completions chan AudioPayload

	mu       sync.Mutex
	nextSeq  int
	sendFn   SendFunc
	sendErrs []error
}

// Manager is the Ordered TTS Manager. The zero value is not usable;
// construct with New. A Manager instance is owned by exactly one turn at a
// time (spec §3's ownership rule); Clear makes it safe to reuse for the
// next turn.
type Manager struct {
	tts           engine.TTS
	voiceID       string
	sem           chan struct{}
	onSynthError  func(seq int, sentence engine.SentenceOutput, err error)

	mu  sync.Mutex
	gen *generation
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMaxConcurrentSynthesis bounds how many syntheses run at once. n <= 0
// means unbounded, matching spec §4.2's "no explicit cap" default.
func WithMaxConcurrentSynthesis(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = make(chan struct{}, n)
		}
	}
}

// WithSynthErrorHook registers a callback invoked whenever a synthesis
// fails and a sentinel payload is substituted, so the caller (Handler
// layer) can decide whether to also surface an error event per spec §4.2.
func WithSynthErrorHook(fn func(seq int, sentence engine.SentenceOutput, err error)) Option {
	return func(m *Manager) { m.onSynthError = fn }
}

// New constructs a Manager that synthesizes through tts using voiceID.
func New(tts engine.TTS, voiceID string, opts ...Option) *Manager {
	m := &Manager{tts: tts, voiceID: voiceID}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) currentGeneration(sendFn SendFunc) *generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == nil {
		ctx, cancel := context.WithCancel(context.Background())
		gen := &generation{
			ctx:         ctx,
			cancel:      cancel,
			completions: make(chan AudioPayload, 16),
			sendFn:      sendFn,
		}
		m.gen = gen
		go m.senderLoop(gen)
	}
	return m.gen
}

// Speak assigns the next sequence number to sentence, starts a background
// synthesis task for it, and returns immediately. The manager starts its
// sender loop lazily on the first call (spec §4.2).
func (m *Manager) Speak(sentence engine.SentenceOutput, sendFn SendFunc) {
	gen := m.currentGeneration(sendFn)

	gen.mu.Lock()
	seq := gen.nextSeq
	gen.nextSeq++
	gen.mu.Unlock()

	gen.wg.Add(1)
	go m.synthesize(gen, seq, sentence)
}

// SpeakAudio submits a pre-rendered AudioOutput; it is still assigned the
// next sequence number and routed through the same reorder buffer so
// ordering with any SentenceOutputs in the turn is preserved (spec §4.3).
func (m *Manager) SpeakAudio(audio engine.AudioOutput, sendFn SendFunc) {
	gen := m.currentGeneration(sendFn)

	gen.mu.Lock()
	seq := gen.nextSeq
	gen.nextSeq++
	gen.mu.Unlock()

	gen.wg.Add(1)
	go func() {
		payload := AudioPayload{Audio: audio.Audio, DisplayText: audio.DisplayText, Actions: audio.Actions, Sequence: seq}
		select {
		case gen.completions <- payload:
		case <-gen.ctx.Done():
			gen.wg.Done()
		}
	}()
}

func (m *Manager) synthesize(gen *generation, seq int, sentence engine.SentenceOutput) {
	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-gen.ctx.Done():
			gen.wg.Done()
			return
		}
	}

	audio, err := m.tts.Synthesize(gen.ctx, sentence.TTSText, m.voiceID)
	payload := AudioPayload{DisplayText: sentence.DisplayText, Actions: sentence.Actions, Sequence: seq}
	if err != nil {
		// Sentinel payload: the gap at seq must close even on synthesis
		// failure, or the sender loop stalls forever (spec §4.2 edge case).
		if m.onSynthError != nil {
			m.onSynthError(seq, sentence, err)
		}
	} else {
		payload.Audio = audio
	}

	select {
	case gen.completions <- payload:
	case <-gen.ctx.Done():
		gen.wg.Done()
	}
}

// senderLoop dequeues completions into a reorder buffer keyed by sequence
// and drains it in order, never advancing past a gap.
func (m *Manager) senderLoop(gen *generation) {
	buffer := make(map[int]AudioPayload)
	nextToSend := 0

	for {
		select {
		case <-gen.ctx.Done():
			return
		case payload := <-gen.completions:
			buffer[payload.Sequence] = payload
			for {
				p, ok := buffer[nextToSend]
				if !ok {
					break
				}
				delete(buffer, nextToSend)
				if err := gen.sendFn(p); err != nil {
					gen.mu.Lock()
					gen.sendErrs = append(gen.sendErrs, fmt.Errorf("ttsmanager: send seq %d: %w", p.Sequence, err))
					gen.mu.Unlock()
				}
				gen.wg.Done()
				nextToSend++
			}
		}
	}
}

// Drain suspends until every synthesis started on the current generation
// has either completed and been delivered, or been cancelled. It returns
// the first send error observed, if any.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	if gen == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		gen.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		gen.mu.Lock()
		defer gen.mu.Unlock()
		if len(gen.sendErrs) > 0 {
			return gen.sendErrs[0]
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-gen.ctx.Done():
		return context.Canceled
	}
}

// Clear cancels the sender loop and all outstanding synthesis tasks,
// empties the reorder buffer, and resets the sequence counter to 0 by
// discarding the current generation. After Clear the manager is reusable
// for a new turn (spec §4.2).
func (m *Manager) Clear() {
	m.mu.Lock()
	gen := m.gen
	m.gen = nil
	m.mu.Unlock()
	if gen != nil {
		gen.cancel()
	}
}
