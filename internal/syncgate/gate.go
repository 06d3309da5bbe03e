// Package syncgate implements the orchestrator's request/response
// rendezvous: a flow suspends waiting for a specific kind of response from
// a specific client, and resumes when that response is delivered, a
// timeout elapses, or the client is torn down.
package syncgate

import (
	"context"
	"sync"
	"time"
)

// Outcome classifies why a Wait call returned.
type Outcome int

const (
	// OutcomeDelivered means a matching Deliver call supplied a payload.
	OutcomeDelivered Outcome = iota
	// OutcomeTimeout means the wait's deadline elapsed before delivery.
	OutcomeTimeout
	// OutcomeCancelled means the client was released or the caller's
	// context was cancelled before delivery.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// key identifies a pending wait: a client, a response kind, and an
// optional request id distinguishing concurrent waits of the same kind.
type key struct {
	client    string
	kind      string
	requestID string
}

type waiter struct {
	resultCh chan result
	once     sync.Once
}

func (w *waiter) resolve(r result) {
	w.once.Do(func() {
		w.resultCh <- r
	})
}

type result struct {
	payload any
	outcome Outcome
}

// Gate is the Sync Gate described in spec §4.1. Zero value is not usable;
// construct with New.
type Gate struct {
	mu      sync.Mutex
	waiters map[key]*waiter
}

// New returns a ready-to-use Gate.
func New() *Gate {
	return &Gate{waiters: make(map[key]*waiter)}
}

// Wait suspends until a response of the given kind (and, if requestID is
// non-empty, matching request id) arrives for client, the context is
// cancelled, or timeout elapses (timeout <= 0 means no deadline). It
// returns exactly once per call, per spec §4.1's guarantee, and always
// removes its own registration before returning.
func (g *Gate) Wait(ctx context.Context, client, kind, requestID string, timeout time.Duration) (any, Outcome, error) {
	k := key{client: client, kind: kind, requestID: requestID}
	w := &waiter{resultCh: make(chan result, 1)}

	g.mu.Lock()
	g.waiters[k] = w
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.waiters[k] == w {
			delete(g.waiters, k)
		}
		g.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-w.resultCh:
		return r.payload, r.outcome, nil
	case <-timeoutCh:
		w.resolve(result{outcome: OutcomeTimeout})
		return nil, OutcomeTimeout, nil
	case <-ctx.Done():
		w.resolve(result{outcome: OutcomeCancelled})
		return nil, OutcomeCancelled, ctx.Err()
	}
}

// Deliver inspects an inbound message's kind and optional request id and,
// if a matching waiter is registered, hands it the payload and wakes it.
// Per spec §4.1, a response with no matching waiter is dropped silently —
// it reports whether a waiter was actually woken.
func (g *Gate) Deliver(client, kind, requestID string, payload any) bool {
	k := key{client: client, kind: kind, requestID: requestID}

	g.mu.Lock()
	w, ok := g.waiters[k]
	if ok {
		delete(g.waiters, k)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	w.resolve(result{payload: payload, outcome: OutcomeDelivered})
	return true
}

// ReleaseClient unblocks every pending wait for client with a cancellation
// outcome and removes all of its entries. Idempotent: releasing a client
// with no pending waits is a no-op.
func (g *Gate) ReleaseClient(client string) {
	g.mu.Lock()
	var toRelease []*waiter
	for k, w := range g.waiters {
		if k.client == client {
			toRelease = append(toRelease, w)
			delete(g.waiters, k)
		}
	}
	g.mu.Unlock()

	for _, w := range toRelease {
		w.resolve(result{outcome: OutcomeCancelled})
	}
}

// Pending reports the number of waiters currently registered for client;
// intended for tests and metrics, not for control flow.
func (g *Gate) Pending(client string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.waiters {
		if k.client == client {
			n++
		}
	}
	return n
}
