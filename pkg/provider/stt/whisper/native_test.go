package whisper_test

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/hoa/pkg/provider/stt"
	"github.com/MrWong99/hoa/pkg/provider/stt/whisper"
)

// testModelPath reads WHISPER_MODEL_PATH and skips when unset.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func TestNativeStartStream_Lifecycle(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("ja"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.SendAudio(make([]byte, 3200)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-h.Finals(); ok {
		t.Error("silence should not produce a final")
	}
}
