package main

import "testing"

func TestWsURLForRewritesSchemeAndPath(t *testing.T) {
	got, err := wsURLFor("http://127.0.0.1:8080", "client-42")
	if err != nil {
		t.Fatalf("wsURLFor() error = %v", err)
	}
	want := "ws://127.0.0.1:8080/ws/client-42"
	if got != want {
		t.Fatalf("wsURLFor() = %q, want %q", got, want)
	}
}

func TestWsURLForHTTPSUpgradesToWSS(t *testing.T) {
	got, err := wsURLFor("https://orchestrator.example.com", "client-1")
	if err != nil {
		t.Fatalf("wsURLFor() error = %v", err)
	}
	want := "wss://orchestrator.example.com/ws/client-1"
	if got != want {
		t.Fatalf("wsURLFor() = %q, want %q", got, want)
	}
}

func TestWsURLForRejectsUnsupportedScheme(t *testing.T) {
	if _, err := wsURLFor("ftp://example.com", "client-1"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}
