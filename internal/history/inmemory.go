package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a process-local Store, used for tests and the mock
// deployment profile.
type InMemoryStore struct {
	mu    sync.Mutex
	lines map[string][]Line
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{lines: make(map[string][]Line)}
}

func (s *InMemoryStore) AppendUser(_ context.Context, clientID, text string) error {
	s.append(clientID, formatLine("User", text))
	return nil
}

func (s *InMemoryStore) AppendAssistant(_ context.Context, clientID, text string, markers ...string) error {
	s.append(clientID, formatLine("Bot", text))
	for _, m := range markers {
		s.append(clientID, m)
	}
	return nil
}

func (s *InMemoryStore) append(clientID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[clientID] = append(s.lines[clientID], Line{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Text:      text,
		CreatedAt: time.Now().UTC().UnixNano(),
	})
}

// Retrieve returns lines for clientID containing query as a case-insensitive
// substring (empty query matches everything), most recent limit lines, in
// chronological order.
func (s *InMemoryStore) Retrieve(_ context.Context, clientID, query string, limit int) ([]Line, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.lines[clientID]
	var matched []Line
	q := strings.ToLower(strings.TrimSpace(query))
	for _, l := range all {
		if q == "" || strings.Contains(strings.ToLower(l.Text), q) {
			matched = append(matched, l)
		}
	}

	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]Line, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
