package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/hoa/pkg/provider/llm"
	llmmock "github.com/MrWong99/hoa/pkg/provider/llm/mock"
	"github.com/MrWong99/hoa/pkg/provider/stt"
	sttmock "github.com/MrWong99/hoa/pkg/provider/stt/mock"
	"github.com/MrWong99/hoa/pkg/provider/tts"
	ttsmock "github.com/MrWong99/hoa/pkg/provider/tts/mock"
)

var errDown = errors.New("primary down")

func TestLLMFallback_StreamCompletion(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errDown, ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "下"}, {FinishReason: "stop"}}}

	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("ollama", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "下" {
		t.Errorf("want 下, got %q", text)
	}
	if primary.StreamCallCount() != 1 || secondary.StreamCallCount() != 1 {
		t.Errorf("want one call each, got primary=%d secondary=%d", primary.StreamCallCount(), secondary.StreamCallCount())
	}
	if !fb.Capabilities().SupportsStreaming {
		t.Error("want the primary's capabilities")
	}
	if got := fb.Names(); !slices.Equal(got, []string{"openai", "ollama"}) {
		t.Errorf("want [openai ollama], got %v", got)
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "上"}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "unused"}}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("ollama", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "上" {
		t.Errorf("want 上, got %q", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Errorf("want secondary unused, got %d calls", len(secondary.CompleteCalls))
	}
}

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{StartStreamErr: errDown}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("whisper", secondary)

	sess, err := fb.StartStream(context.Background(), stt.StreamConfig{Language: "ja"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != secondary.LastSession() {
		t.Error("want the secondary's session")
	}
	_ = sess.Close()

	both := NewSTTFallback(&sttmock.Provider{StartStreamErr: errDown}, "a", FallbackConfig{})
	both.AddFallback("b", &sttmock.Provider{StartStreamErr: errDown})
	if _, err := both.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("want ErrAllFailed, got %v", err)
	}
}

func TestTTSFallback_Synthesize(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0, 2, 0}}}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{{9, 0}}}
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	fb.AddFallback("coqui", secondary)

	ch, err := fb.Synthesize(context.Background(), "下", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []byte
	for c := range ch {
		got = append(got, c...)
	}
	if !slices.Equal(got, []byte{1, 0, 2, 0}) {
		t.Errorf("want primary audio, got %v", got)
	}
	if texts := primary.Texts(); !slices.Equal(texts, []string{"下"}) {
		t.Errorf("want primary asked for 下, got %v", texts)
	}
}

func TestTTSFallback_ConvertsFallbackFormat(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errDown, Format: tts.Format{SampleRate: 16000, Channels: 2}}
	secondary := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{{1, 0, 2, 0}},
		Format:           tts.Format{SampleRate: 16000, Channels: 1},
	}
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	fb.AddFallback("coqui", secondary)

	if got := fb.OutputFormat(); got != primary.Format {
		t.Fatalf("want primary format %+v, got %+v", primary.Format, got)
	}

	ch, err := fb.Synthesize(context.Background(), "上", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []byte
	for c := range ch {
		got = append(got, c...)
	}
	want := []byte{1, 0, 1, 0, 2, 0, 2, 0}
	if !slices.Equal(got, want) {
		t.Errorf("want stereo-duplicated %v, got %v", want, got)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{ListVoicesErr: errDown}
	secondary := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "default", Name: "default"}}}
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	fb.AddFallback("coqui", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "default" {
		t.Errorf("want the secondary's voice, got %+v", voices)
	}
}
