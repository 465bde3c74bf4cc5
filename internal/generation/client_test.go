package generation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/internal/generation"
	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/internal/prompt"
	"github.com/MrWong99/hoa/pkg/provider/llm"
	llmmock "github.com/MrWong99/hoa/pkg/provider/llm/mock"
)

var formatter = prompt.ChatFormatter{AssistantName: "Hoa"}

func request(text string) prompt.Request {
	return prompt.Request{
		Instruction: prompt.DefaultInstruction,
		Examples:    prompt.DefaultExamples(),
		History:     []chatlog.Message{{Role: chatlog.RoleUser, Text: text}},
		UserText:    text,
	}
}

// collect reads events of turn until its terminal event.
func collect(t *testing.T, c *generation.Client, turn uint64) []generation.Event {
	t.Helper()
	var out []generation.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Turn != turn {
				continue
			}
			out = append(out, ev)
			if ev.Kind != generation.Delta {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out, got %+v", out)
		}
	}
}

// blockingStream returns a StreamFunc whose stream stays open until ctx ends.
// started is closed on the first call.
func blockingStream(started chan struct{}) func(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 1)
		ch <- llm.Chunk{Text: "う"}
		close(started)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
}

func TestClient_Done(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hoa: "}, {Text: "下"}, {FinishReason: "stop"}}}
	c := generation.New(p, formatter, generation.WithTemperature(0.2), generation.WithMaxTokens(8))
	t.Cleanup(func() { _ = c.Close() })

	turn, err := c.Submit(context.Background(), request("さげて"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if turn == 0 {
		t.Fatal("want non-zero turn id")
	}

	evs := collect(t, c, turn)
	last := evs[len(evs)-1]
	if last.Kind != generation.Done || last.Text != "下" {
		t.Fatalf("want Done 下, got %+v", last)
	}
	for _, ev := range evs[:len(evs)-1] {
		if ev.Kind != generation.Delta {
			t.Errorf("want only deltas before Done, got %v", ev.Kind)
		}
	}
	if c.IsGenerating() {
		t.Error("want IsGenerating false after Done")
	}

	req, ok := p.LastStreamRequest()
	if !ok {
		t.Fatal("no stream request recorded")
	}
	if req.SystemPrompt != prompt.DefaultInstruction {
		t.Errorf("want instruction as system prompt, got %q", req.SystemPrompt)
	}
	if req.Temperature != 0.2 || req.MaxTokens != 8 {
		t.Errorf("want temperature 0.2 and max tokens 8, got %v and %d", req.Temperature, req.MaxTokens)
	}
	if got := req.Messages[len(req.Messages)-1].Content; got != "さげて" {
		t.Errorf("want last message さげて, got %q", got)
	}
}

func TestClient_TurnIDsIncrease(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "上"}}}
	c := generation.New(p, formatter)
	t.Cleanup(func() { _ = c.Close() })

	var prev uint64
	for range 3 {
		turn, err := c.Submit(context.Background(), request("あげて"))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if turn <= prev {
			t.Errorf("want turn > %d, got %d", prev, turn)
		}
		collect(t, c, turn)
		prev = turn
	}
}

func TestClient_Failures(t *testing.T) {
	t.Parallel()

	errBackend := errors.New("503")
	tests := []struct {
		name      string
		provider  *llmmock.Provider
		wantCause error
	}{
		{
			name:      "stream cannot start",
			provider:  &llmmock.Provider{StreamErr: errBackend},
			wantCause: errBackend,
		},
		{
			name: "mid-stream error chunk",
			provider: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "上"},
				{Text: "connection reset", FinishReason: llm.FinishReasonError},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := generation.New(tt.provider, formatter)
			t.Cleanup(func() { _ = c.Close() })

			turn, err := c.Submit(context.Background(), request("あげて"))
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			evs := collect(t, c, turn)
			last := evs[len(evs)-1]
			if last.Kind != generation.Failed {
				t.Fatalf("want Failed, got %+v", last)
			}
			if !errors.Is(last.Err, generation.ErrGenerationFailed) {
				t.Errorf("want ErrGenerationFailed, got %v", last.Err)
			}
			if tt.wantCause != nil && !errors.Is(last.Err, tt.wantCause) {
				t.Errorf("want cause %v, got %v", tt.wantCause, last.Err)
			}
			if c.IsGenerating() {
				t.Error("want IsGenerating false after Failed")
			}
		})
	}
}

func TestClient_EmptyReplyIsDone(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "  "}, {FinishReason: "stop"}}}
	c := generation.New(p, formatter)
	t.Cleanup(func() { _ = c.Close() })

	turn, _ := c.Submit(context.Background(), request("えっと"))
	evs := collect(t, c, turn)
	if last := evs[len(evs)-1]; last.Kind != generation.Done || last.Text != "" {
		t.Errorf("want empty Done, got %+v", last)
	}
}

func TestClient_ReplyFilterOnlyOnDone(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "たぶん"}, {Text: "うえ"}}}
	c := generation.New(p, formatter, generation.WithReplyFilter(func(s string) string {
		if s == "たぶんうえ" {
			return "上"
		}
		return s
	}))
	t.Cleanup(func() { _ = c.Close() })

	turn, _ := c.Submit(context.Background(), request("あげて"))
	evs := collect(t, c, turn)
	if last := evs[len(evs)-1]; last.Text != "上" {
		t.Errorf("want filtered 上, got %q", last.Text)
	}
	if evs[0].Kind != generation.Delta || evs[0].Text != "たぶん" {
		t.Errorf("want unfiltered first delta, got %+v", evs[0])
	}
}

func TestClient_BusyAndCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	p := &llmmock.Provider{StreamFunc: blockingStream(started)}
	c := generation.New(p, formatter)
	t.Cleanup(func() { _ = c.Close() })

	turn, err := c.Submit(context.Background(), request("あげて"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if !c.IsGenerating() {
		t.Fatal("want IsGenerating true while streaming")
	}
	if _, err := c.Submit(context.Background(), request("さげて")); !errors.Is(err, generation.ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}

	c.Cancel()
	if c.IsGenerating() {
		t.Error("want IsGenerating false after Cancel")
	}
	if err := p.StreamCalls[0].Ctx.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("want stream ctx cancelled, got %v", err)
	}

	// Nothing terminal for the cancelled turn, now or later.
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case ev := <-c.Events():
			if ev.Turn == turn && ev.Kind != generation.Delta {
				t.Fatalf("want no terminal event after Cancel, got %+v", ev)
			}
			continue
		case <-deadline:
		}
		break
	}

	c.Cancel()

	p.StreamFunc = nil
	p.StreamChunks = []llm.Chunk{{Text: "下"}}
	next, err := c.Submit(context.Background(), request("さげて"))
	if err != nil {
		t.Fatalf("Submit after Cancel: %v", err)
	}
	if next == turn {
		t.Error("want a new turn id")
	}
	if evs := collect(t, c, next); evs[len(evs)-1].Text != "下" {
		t.Errorf("want 下, got %+v", evs[len(evs)-1])
	}
}

func TestClient_CancelIgnoresStuckProvider(t *testing.T) {
	t.Parallel()

	// A stream that never closes, even on cancel.
	p := &llmmock.Provider{StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
		return make(chan llm.Chunk), nil
	}}
	c := generation.New(p, formatter)
	t.Cleanup(func() { _ = c.Close() })

	if _, err := c.Submit(context.Background(), request("あげて")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := make(chan struct{})
	go func() {
		c.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel blocked on a stuck provider")
	}
}

func TestClient_ParentContextEndsTurn(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	p := &llmmock.Provider{StreamFunc: blockingStream(started)}
	c := generation.New(p, formatter)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.Submit(ctx, request("あげて")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for c.IsGenerating() {
		if time.Now().After(deadline) {
			t.Fatal("want IsGenerating false once the parent ctx ends")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_Close(t *testing.T) {
	t.Parallel()

	c := generation.New(&llmmock.Provider{}, formatter)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("want events closed")
	}
	if _, err := c.Submit(context.Background(), request("あげて")); !errors.Is(err, generation.ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}

func TestClient_RecordsDuration(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "下"}}}
	c := generation.New(p, formatter, generation.WithMetrics(m))
	t.Cleanup(func() { _ = c.Close() })

	turn, _ := c.Submit(context.Background(), request("さげて"))
	collect(t, c, turn)

	// The histogram is recorded as the worker exits, just after Done.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if histogramCount(rm, "hoa.generation.duration") == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("want one generation duration sample")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func histogramCount(rm metricdata.ResourceMetrics, name string) uint64 {
	var n uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok {
				for _, dp := range h.DataPoints {
					n += dp.Count
				}
			}
		}
	}
	return n
}
