package voice

import (
	"bytes"
	"context"
	"testing"
)

func TestTTSAdapterSynthesizesViaProvider(t *testing.T) {
	adapter := NewTTSAdapter(NewMockProvider(), "model-1", TTSSettings{})

	audio, err := adapter.Synthesize(context.Background(), "hello there", "voice-1")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio) == 0 {
		t.Fatal("Synthesize returned no audio")
	}
}

func TestPCMTTSAdapterWrapsWAVContainer(t *testing.T) {
	adapter := NewPCMTTSAdapter(NewMockProvider(), "model-1", TTSSettings{}, 16000)

	audio, err := adapter.Synthesize(context.Background(), "hello there", "voice-1")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.HasPrefix(audio, []byte("RIFF")) {
		t.Fatalf("wrapped audio missing RIFF header: %x", audio[:min(4, len(audio))])
	}
}

func TestSTTAdapterTranscribesViaProvider(t *testing.T) {
	adapter := NewSTTAdapter(NewMockProvider(), 16000)

	text, err := adapter.Transcribe(context.Background(), []byte{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text == "" {
		t.Fatal("Transcribe returned empty text")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
