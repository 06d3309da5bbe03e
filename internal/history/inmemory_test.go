package history

import (
	"context"
	"testing"
)

func TestAppendAndRetrieveOrdering(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.AppendUser(ctx, "c1", "hi"); err != nil {
		t.Fatalf("AppendUser() error = %v", err)
	}
	if err := s.AppendAssistant(ctx, "c1", "hello there", "[Interrupted by user]"); err != nil {
		t.Fatalf("AppendAssistant() error = %v", err)
	}

	lines, err := s.Retrieve(ctx, "c1", "", 10)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	if lines[0].Text != "User: hi" {
		t.Fatalf("lines[0] = %q, want %q", lines[0].Text, "User: hi")
	}
	if lines[1].Text != "Bot: hello there" {
		t.Fatalf("lines[1] = %q, want %q", lines[1].Text, "Bot: hello there")
	}
	if lines[2].Text != "[Interrupted by user]" {
		t.Fatalf("lines[2] = %q, want marker line", lines[2].Text)
	}
}

func TestRetrieveIsolatesClients(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.AppendUser(ctx, "c1", "hi")
	_ = s.AppendUser(ctx, "c2", "yo")

	lines, err := s.Retrieve(ctx, "c1", "", 10)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(lines) != 1 || lines[0].Text != "User: hi" {
		t.Fatalf("unexpected cross-client leakage: %+v", lines)
	}
}

func TestRetrieveFilterByQuery(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.AppendUser(ctx, "c1", "what is the weather")
	_ = s.AppendAssistant(ctx, "c1", "it is sunny")

	lines, err := s.Retrieve(ctx, "c1", "sunny", 10)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(lines) != 1 || lines[0].Text != "Bot: it is sunny" {
		t.Fatalf("unexpected filtered result: %+v", lines)
	}
}
