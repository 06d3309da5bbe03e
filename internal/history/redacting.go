package history

import (
	"context"

	"github.com/relaylane/turnorchestrator/internal/policy"
)

// redactingStore wraps a Store and masks high-risk PII (emails, phone
// numbers, card numbers) out of text before it reaches durable storage.
// Retrieve results have already been redacted at write time, so it passes
// through unchanged.
type redactingStore struct {
	inner Store
}

// NewRedactingStore wraps inner so every appended line is scrubbed of
// common PII patterns before it is persisted.
func NewRedactingStore(inner Store) Store {
	return &redactingStore{inner: inner}
}

func (s *redactingStore) AppendUser(ctx context.Context, clientID, text string) error {
	redacted, _ := policy.RedactPII(text)
	return s.inner.AppendUser(ctx, clientID, redacted)
}

func (s *redactingStore) AppendAssistant(ctx context.Context, clientID, text string, markers ...string) error {
	redacted, _ := policy.RedactPII(text)
	return s.inner.AppendAssistant(ctx, clientID, redacted, markers...)
}

func (s *redactingStore) Retrieve(ctx context.Context, clientID, query string, limit int) ([]Line, error) {
	return s.inner.Retrieve(ctx, clientID, query, limit)
}

func (s *redactingStore) Close() error {
	return s.inner.Close()
}
