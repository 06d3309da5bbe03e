package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("c1", "voice-1")
	if s.ClientID != "c1" || s.VoiceID != "voice-1" || s.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", s)
	}

	got, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("Status = %q, want %q", got.Status, StatusActive)
	}

	ended, err := m.End("c1")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
}

func TestManagerCreateIsIdempotentPerClient(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("c1", "voice-1")
	second := m.Create("c1", "voice-2")
	if second.VoiceID != first.VoiceID {
		t.Fatalf("second Create() should return the existing session, got VoiceID=%q", second.VoiceID)
	}
}

func TestManagerInterruptClearsTurn(t *testing.T) {
	m := NewManager(time.Minute)
	m.Create("c1", "")
	if err := m.StartTurn("c1", "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.Interrupt("c1"); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}

	got, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveTurnID != "" {
		t.Fatalf("ActiveTurnID = %q, want empty", got.ActiveTurnID)
	}
	if got.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", got.InterruptionCount)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	m.Create("c1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
}

func TestManagerPrunesEndedSessionsAfterRetention(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetEndedRetention(50 * time.Millisecond)
	m.Create("c1", "")
	if _, err := m.End("c1"); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	m.mu.Lock()
	m.sessions["c1"].LastActivityAt = time.Now().Add(-time.Second)
	m.mu.Unlock()
	m.expireInactive()

	if _, err := m.Get("c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want %v", err, ErrNotFound)
	}
}

func TestManagerRetentionZeroDisablesEndedPruning(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetEndedRetention(0)
	m.Create("c1", "")
	if _, err := m.End("c1"); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	m.mu.Lock()
	m.sessions["c1"].LastActivityAt = time.Now().Add(-24 * time.Hour)
	m.mu.Unlock()
	m.expireInactive()

	got, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
}

func TestManagerExpireHookFiresOnce(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	var fired int
	m.SetExpireHook(func(*Session) { fired++ })
	m.Create("c1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if fired != 1 {
		t.Fatalf("expire hook fired %d times, want 1", fired)
	}
}
