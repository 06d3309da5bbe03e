package syncgate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestWaitDeliver(t *testing.T) {
	g := New()
	done := make(chan struct{})
	var payload any
	var outcome Outcome

	go func() {
		payload, outcome, _ = g.Wait(context.Background(), "c1", "frontend-playback-complete", "", time.Second)
		close(done)
	}()

	// Give the waiter time to register before delivering.
	deadline := time.After(time.Second)
	for g.Pending("c1") == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never registered")
		default:
		}
	}

	if !g.Deliver("c1", "frontend-playback-complete", "", "ack") {
		t.Fatal("Deliver() = false, want true")
	}

	<-done
	if outcome != OutcomeDelivered {
		t.Fatalf("outcome = %v, want delivered", outcome)
	}
	if payload != "ack" {
		t.Fatalf("payload = %v, want ack", payload)
	}
}

func TestDeliverWithoutWaiterIsDropped(t *testing.T) {
	g := New()
	if g.Deliver("c1", "frontend-playback-complete", "", "ack") {
		t.Fatal("Deliver() = true, want false for no registered waiter")
	}
}

func TestWaitTimeout(t *testing.T) {
	g := New()
	_, outcome, err := g.Wait(context.Background(), "c1", "frontend-playback-complete", "", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeTimeout {
		t.Fatalf("outcome = %v, want timeout", outcome)
	}
}

func TestReleaseClientCancelsPendingWaits(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	outcomes := make([]Outcome, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcome, _ := g.Wait(context.Background(), "c1", "frontend-playback-complete", fmt.Sprintf("req-%d", i), time.Minute)
			outcomes[i] = outcome
		}(i)
	}

	deadline := time.After(time.Second)
	for g.Pending("c1") < 3 {
		select {
		case <-deadline:
			t.Fatal("waiters never registered")
		default:
		}
	}

	g.ReleaseClient("c1")
	wg.Wait()

	for i, o := range outcomes {
		if o != OutcomeCancelled {
			t.Fatalf("outcome[%d] = %v, want cancelled", i, o)
		}
	}

	// Idempotent: releasing again must not panic or block.
	g.ReleaseClient("c1")
}

func TestReleaseClientOnlyAffectsThatClient(t *testing.T) {
	g := New()
	done := make(chan Outcome, 1)
	go func() {
		_, outcome, _ := g.Wait(context.Background(), "other", "frontend-playback-complete", "", time.Second)
		done <- outcome
	}()

	deadline := time.After(time.Second)
	for g.Pending("other") == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never registered")
		default:
		}
	}

	g.ReleaseClient("c1")
	g.Deliver("other", "frontend-playback-complete", "", "ack")

	select {
	case outcome := <-done:
		if outcome != OutcomeDelivered {
			t.Fatalf("outcome = %v, want delivered", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter for unrelated client never resolved")
	}
}

func TestWaitReturnsExactlyOncePerCall(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan Outcome, 1)

	go func() {
		_, outcome, _ := g.Wait(ctx, "c1", "kind", "req-1", time.Minute)
		resultCh <- outcome
	}()

	deadline := time.After(time.Second)
	for g.Pending("c1") == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never registered")
		default:
		}
	}

	cancel()
	select {
	case outcome := <-resultCh:
		if outcome != OutcomeCancelled {
			t.Fatalf("outcome = %v, want cancelled", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after context cancellation")
	}

	if g.Pending("c1") != 0 {
		t.Fatalf("Pending() = %d, want 0 after return", g.Pending("c1"))
	}
}
