package turn_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/internal/endpoint"
	genmock "github.com/MrWong99/hoa/internal/generation/mock"
	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/internal/prompt"
	speechmock "github.com/MrWong99/hoa/internal/speech/mock"
	"github.com/MrWong99/hoa/internal/transcript"
	"github.com/MrWong99/hoa/internal/turn"
	audiomock "github.com/MrWong99/hoa/pkg/audio/mock"
	sttmock "github.com/MrWong99/hoa/pkg/provider/stt/mock"
)

type harness struct {
	t        *testing.T
	ctrl     *turn.Controller
	src      *transcript.Source
	platform *audiomock.Platform
	rec      *sttmock.Provider
	gen      *genmock.Generator
	out      *speechmock.Speaker
	log      *chatlog.Log
	ticks    chan time.Time
	events   <-chan turn.Event
}

func newHarness(t *testing.T, mutate func(*turn.Config), opts ...turn.Option) *harness {
	t.Helper()
	conn := audiomock.NewConnection("mic")
	h := &harness{
		t:        t,
		platform: &audiomock.Platform{ConnectResult: conn},
		rec:      &sttmock.Provider{},
		gen:      genmock.New(),
		out:      &speechmock.Speaker{},
		log:      chatlog.New(),
		ticks:    make(chan time.Time),
	}
	h.src = transcript.NewSource(h.platform, h.rec)
	t.Cleanup(func() { _ = h.src.Close() })

	cfg := turn.Config{
		Policy:      endpoint.DefaultPolicy(),
		Instruction: prompt.DefaultInstruction,
		Examples:    prompt.DefaultExamples(),
		AutoSpeak:   true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := turn.New(h.src, h.gen, h.out, h.log, cfg, append([]turn.Option{turn.WithTicks(h.ticks)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	h.events, _ = ctrl.Subscribe(256)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return h
}

// status doubles as a barrier: it runs after everything the loop already
// received.
func (h *harness) status() turn.Status {
	h.t.Helper()
	st, err := h.ctrl.Status(context.Background())
	if err != nil {
		h.t.Fatalf("Status: %v", err)
	}
	return st
}

func (h *harness) tick() {
	h.t.Helper()
	select {
	case h.ticks <- time.Now():
	case <-time.After(2 * time.Second):
		h.t.Fatal("tick not received")
	}
	h.status()
}

func (h *harness) begin() {
	h.t.Helper()
	if err := h.ctrl.Begin(context.Background()); err != nil {
		h.t.Fatalf("Begin: %v", err)
	}
}

// say emits a partial on the open recognition session and waits until the
// controller has seen it.
func (h *harness) say(text string) {
	h.t.Helper()
	h.rec.LastSession().EmitPartial(text)
	h.eventually(func() bool { return h.status().Transcript == text })
}

// utter speaks text and lets it settle for two ticks.
func (h *harness) utter(text string) {
	h.t.Helper()
	h.say(text)
	h.tick()
	h.tick()
}

func (h *harness) eventually(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitEvent reads events until match returns true.
func (h *harness) waitEvent(match func(turn.Event) bool) turn.Event {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				h.t.Fatal("events closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			h.t.Fatal("timed out waiting for event")
		}
	}
}

// drained counts queued events of kind and empties the subscription.
func (h *harness) drained(kind turn.EventKind) int {
	h.t.Helper()
	h.status()
	n := 0
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				n++
			}
		default:
			return n
		}
	}
}

func (h *harness) wantState(want turn.State) {
	h.t.Helper()
	if got := h.status().State; got != want {
		h.t.Fatalf("want state %s, got %s", want, got)
	}
}

func (h *harness) wantLog(want ...chatlog.Message) {
	h.t.Helper()
	got := h.log.Messages()
	if len(got) != len(want) {
		h.t.Fatalf("want %d messages, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Text != want[i].Text {
			h.t.Errorf("message %d: want %s %q, got %s %q", i, want[i].Role, want[i].Text, got[i].Role, got[i].Text)
		}
	}
}

func user(text string) chatlog.Message { return chatlog.Message{Role: chatlog.RoleUser, Text: text} }
func ai(text string) chatlog.Message   { return chatlog.Message{Role: chatlog.RoleAI, Text: text} }

func TestController_NewRejectsBadPolicy(t *testing.T) {
	t.Parallel()

	_, err := turn.New(nil, genmock.New(), nil, chatlog.New(), turn.Config{})
	if err == nil {
		t.Fatal("want error for zero policy")
	}
}

func TestController_StartsIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.wantState(turn.Idle)
	if h.rec.StartStreamCallCount() != 0 {
		t.Error("want no recognition before Begin")
	}
}

func TestController_FullTurn(t *testing.T) {
	t.Parallel()

	for _, autoSpeak := range []bool{true, false} {
		name := "auto speak"
		if !autoSpeak {
			name = "silent"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, func(c *turn.Config) { c.AutoSpeak = autoSpeak })
			h.begin()
			h.wantState(turn.Listening)

			h.say("さげて")
			h.tick()
			h.wantState(turn.Listening)
			h.tick()
			h.wantState(turn.Generating)
			h.wantLog(user("さげて"))

			if got := h.rec.StartStreamCallCount(); got != 2 {
				t.Errorf("want recognizer restarted on finalize, got %d streams", got)
			}
			if got := h.status().Transcript; got != "" {
				t.Errorf("want transcript cleared, got %q", got)
			}
			req, ok := h.gen.LastRequest()
			if !ok {
				t.Fatal("want a submitted request")
			}
			if req.UserText != "さげて" || len(req.History) != 1 || req.Instruction != prompt.DefaultInstruction {
				t.Errorf("unexpected request %+v", req)
			}
			if len(req.Examples) != len(prompt.DefaultExamples()) {
				t.Errorf("want %d examples, got %d", len(prompt.DefaultExamples()), len(req.Examples))
			}

			h.gen.Done(h.gen.LastTurn(), "下")
			var states []turn.State
			h.waitEvent(func(ev turn.Event) bool {
				if ev.Kind != turn.EventState {
					return false
				}
				states = append(states, ev.State)
				return ev.State == turn.Idle
			})
			want := []turn.State{turn.Idle}
			if autoSpeak {
				want = []turn.State{turn.Speaking, turn.Idle}
			}
			if !slices.Equal(states, want) {
				t.Errorf("want states %v after the reply, got %v", want, states)
			}
			h.wantLog(user("さげて"), ai("下"))

			spoken := h.out.Spoken()
			if autoSpeak {
				if len(spoken) != 1 || spoken[0] != "下" {
					t.Errorf("want [下] spoken, got %v", spoken)
				}
			} else if len(spoken) != 0 {
				t.Errorf("want nothing spoken, got %v", spoken)
			}
		})
	}
}

func TestController_UnchangedTranscriptFinalizesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.say("上")
	for range 5 {
		h.tick()
	}
	if got := h.gen.SubmitCount(); got != 1 {
		t.Fatalf("want 1 submit, got %d", got)
	}
}

func TestController_FinalizeWhileGeneratingIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.utter("右")
	h.wantState(turn.Generating)

	h.say("左")
	h.tick()
	h.tick()
	ev := h.waitEvent(func(ev turn.Event) bool { return ev.Kind == turn.EventDropped })
	if ev.Reason != turn.DropNotListening || ev.Text != "左" {
		t.Errorf("want not_listening drop of 左, got %q %q", ev.Reason, ev.Text)
	}
	h.wantLog(user("右"))
	if got := h.gen.SubmitCount(); got != 1 {
		t.Errorf("want 1 submit, got %d", got)
	}
	h.wantState(turn.Generating)
}

func TestController_LateSpeechIsNotReplayed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *turn.Config) { c.Continuous = true })
	h.begin()
	h.utter("右")
	h.say("左")
	h.tick()
	h.tick()
	h.gen.Done(h.gen.LastTurn(), "右")
	h.eventually(func() bool { return h.status().State == turn.Listening })

	if got := h.status().Transcript; got != "" {
		t.Errorf("want late speech discarded on resume, got transcript %q", got)
	}
	if got := h.rec.StartStreamCallCount(); got != 3 {
		t.Errorf("want a fresh recognition session on resume, got %d streams", got)
	}
	for range 4 {
		h.tick()
	}
	if got := h.gen.SubmitCount(); got != 1 {
		t.Errorf("want 1 submit, got %d", got)
	}
	h.wantState(turn.Listening)
	h.wantLog(user("右"), ai("右"))
}

func TestController_IdleTicksReportLateSpeechOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.utter("上")
	h.gen.Done(h.gen.LastTurn(), "上")
	h.eventually(func() bool { return h.status().State == turn.Idle })

	h.say("下")
	for range 8 {
		h.tick()
	}
	if got := h.drained(turn.EventDropped); got != 1 {
		t.Errorf("want 1 dropped event over 8 idle ticks, got %d", got)
	}

	// New speech in the same idle period is not reported again.
	h.say("下へ")
	h.tick()
	if got := h.drained(turn.EventDropped); got != 0 {
		t.Errorf("want no further drops, got %d", got)
	}
	if got := h.gen.SubmitCount(); got != 1 {
		t.Errorf("want 1 submit, got %d", got)
	}
}

func TestController_BeginDiscardsIdleSpeech(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.utter("上")
	h.gen.Done(h.gen.LastTurn(), "上")
	h.eventually(func() bool { return h.status().State == turn.Idle })
	h.say("下")

	h.begin()
	if got := h.status().Transcript; got != "" {
		t.Errorf("want transcript cleared, got %q", got)
	}
	if got := h.rec.StartStreamCallCount(); got != 3 {
		t.Errorf("want recognizer restarted, got %d streams", got)
	}
	h.tick()
	h.tick()
	if got := h.gen.SubmitCount(); got != 1 {
		t.Errorf("want 1 submit, got %d", got)
	}
}

func TestController_DuplicateDoneSpeaksOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.utter("あげて")
	id := h.gen.LastTurn()
	h.gen.Done(id, "上")
	h.gen.Done(id, "上")
	h.eventually(func() bool { return h.log.Len() == 2 })
	h.status()

	h.wantLog(user("あげて"), ai("上"))
	if got := h.out.Spoken(); len(got) != 1 {
		t.Errorf("want one Speak, got %v", got)
	}
}

func TestController_DeltasArePublished(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.utter("向こうへ")
	id := h.gen.LastTurn()
	h.gen.Delta(id, "奥")
	ev := h.waitEvent(func(ev turn.Event) bool { return ev.Kind == turn.EventDelta })
	if ev.Text != "奥" || ev.Turn != id {
		t.Errorf("want delta 奥 for turn %d, got %q for %d", id, ev.Text, ev.Turn)
	}
	h.wantLog(user("向こうへ"))
}

func TestController_StopGenerationIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.utter("こちらに持ってきて")
	id := h.gen.LastTurn()

	if err := h.ctrl.StopGeneration(context.Background()); err != nil {
		t.Fatalf("StopGeneration: %v", err)
	}
	h.wantState(turn.Idle)
	if got := h.gen.CancelCount(); got != 1 {
		t.Errorf("want 1 cancel, got %d", got)
	}

	h.gen.Delta(id, "手")
	h.gen.Done(id, "手前")
	h.status()
	h.wantLog(user("こちらに持ってきて"))
	if got := h.out.Spoken(); len(got) != 0 {
		t.Errorf("want nothing spoken after stop, got %v", got)
	}
	h.wantState(turn.Idle)
}

func TestController_StopGenerationOutsideGenerating(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.ctrl.StopGeneration(context.Background()); err != nil {
		t.Fatalf("StopGeneration: %v", err)
	}
	if got := h.gen.CancelCount(); got != 0 {
		t.Errorf("want no cancel, got %d", got)
	}
}

func TestController_Reset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{name: "idle", setup: func(*harness) {}},
		{name: "listening", setup: func(h *harness) {
			h.begin()
			h.say("アップ")
		}},
		{name: "generating", setup: func(h *harness) {
			h.begin()
			h.utter("ダウン")
		}},
		{name: "after reply", setup: func(h *harness) {
			h.begin()
			h.utter("高いところ")
			h.gen.Done(h.gen.LastTurn(), "上")
			h.eventually(func() bool { return h.log.Len() == 2 })
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			tt.setup(h)
			id := h.gen.LastTurn()

			if err := h.ctrl.Reset(context.Background()); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			h.waitEvent(func(ev turn.Event) bool { return ev.Kind == turn.EventReset })
			st := h.status()
			if st.State != turn.Idle {
				t.Errorf("want idle, got %s", st.State)
			}
			if st.Messages != 0 || h.log.Len() != 0 {
				t.Errorf("want empty log, got %d", h.log.Len())
			}
			if st.Transcript != "" {
				t.Errorf("want transcript cleared, got %q", st.Transcript)
			}
			if h.src.Running() {
				t.Error("want source stopped")
			}
			if got := h.out.SilenceCount(); got != 1 {
				t.Errorf("want 1 silence, got %d", got)
			}

			if id != 0 {
				h.gen.Done(id, "下")
				h.status()
				if h.log.Len() != 0 {
					t.Error("want late reply ignored after reset")
				}
			}
		})
	}
}

func TestController_CaptureFailureStaysIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.platform.SetConnectError(errors.New("no microphone"))

	err := h.ctrl.Begin(context.Background())
	if !errors.Is(err, transcript.ErrCaptureUnavailable) {
		t.Fatalf("want ErrCaptureUnavailable, got %v", err)
	}
	h.waitEvent(func(ev turn.Event) bool { return ev.Kind == turn.EventError })
	st := h.status()
	if st.State != turn.Idle {
		t.Errorf("want idle, got %s", st.State)
	}
	if st.LastError == "" {
		t.Error("want last error reported")
	}

	h.platform.SetConnectError(nil)
	h.begin()
	h.wantState(turn.Listening)
	if st := h.status(); st.LastError != "" {
		t.Errorf("want last error cleared, got %q", st.LastError)
	}
}

func TestController_BeginWhileListeningIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.begin()
	if got := h.rec.StartStreamCallCount(); got != 1 {
		t.Errorf("want 1 stream, got %d", got)
	}
}

func TestController_BeginWhileGeneratingIsBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.ctrl.Submit(context.Background(), "右側へ移動"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.ctrl.Begin(context.Background()); !errors.Is(err, turn.ErrBusy) {
		t.Errorf("want ErrBusy, got %v", err)
	}
}

func TestController_Submit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.ctrl.Submit(ctx, "   ")
	if !errors.Is(err, endpoint.ErrEmptyFinalize) {
		t.Fatalf("want ErrEmptyFinalize, got %v", err)
	}
	ev := h.waitEvent(func(ev turn.Event) bool { return ev.Kind == turn.EventDropped })
	if ev.Reason != turn.DropEmpty {
		t.Errorf("want empty drop, got %q", ev.Reason)
	}

	if err := h.ctrl.Submit(ctx, " 左へ移動 "); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.wantState(turn.Generating)
	h.wantLog(user("左へ移動"))
	if h.rec.StartStreamCallCount() != 0 {
		t.Error("want manual submit to leave capture alone")
	}

	if err := h.ctrl.Submit(ctx, "右"); !errors.Is(err, turn.ErrBusy) {
		t.Errorf("want ErrBusy while generating, got %v", err)
	}
	h.wantLog(user("左へ移動"))

	h.gen.Done(h.gen.LastTurn(), "左")
	h.eventually(func() bool { return h.status().State == turn.Idle })
	h.wantLog(user("左へ移動"), ai("左"))
}

func TestController_SubmitWhileListeningRestartsCapture(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.say("低")
	if err := h.ctrl.Submit(context.Background(), "低い所"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := h.rec.StartStreamCallCount(); got != 2 {
		t.Errorf("want capture restarted, got %d streams", got)
	}
	if got := h.status().Transcript; got != "" {
		t.Errorf("want transcript cleared, got %q", got)
	}
}

func TestController_SubmitFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.gen.SubmitErr = errors.New("offline")

	if err := h.ctrl.Submit(context.Background(), "上"); err == nil {
		t.Fatal("want submit error")
	}
	st := h.status()
	if st.State != turn.Idle {
		t.Errorf("want idle, got %s", st.State)
	}
	if st.LastError == "" {
		t.Error("want last error")
	}
	h.wantLog(user("上"))
}

func TestController_GenerationFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		surface bool
		want    []chatlog.Message
	}{
		{name: "quiet", want: []chatlog.Message{user("上")}},
		{name: "surfaced", surface: true, want: []chatlog.Message{
			user("上"),
			{Role: chatlog.RoleSystem, Text: "backend unreachable"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, func(c *turn.Config) { c.SurfaceErrors = tt.surface })
			h.begin()
			h.utter("上")
			h.gen.Fail(h.gen.LastTurn(), errors.New("backend unreachable"))
			ev := h.waitEvent(func(ev turn.Event) bool { return ev.Kind == turn.EventError })
			if ev.Error != "backend unreachable" {
				t.Errorf("want error text, got %q", ev.Error)
			}
			st := h.status()
			if st.State != turn.Idle {
				t.Errorf("want idle, got %s", st.State)
			}
			if st.LastError != "backend unreachable" {
				t.Errorf("want last error, got %q", st.LastError)
			}
			h.wantLog(tt.want...)
			if got := h.out.Spoken(); len(got) != 0 {
				t.Errorf("want nothing spoken, got %v", got)
			}
		})
	}
}

func TestController_EmptyReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.utter("えーと")
	h.gen.Done(h.gen.LastTurn(), "  ")
	h.eventually(func() bool { return h.status().State == turn.Idle })
	h.wantLog(user("えーと"))
	if got := h.out.Spoken(); len(got) != 0 {
		t.Errorf("want nothing spoken, got %v", got)
	}
}

func TestController_IdleKeepsCaptureButDropsFinalize(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.begin()
	h.utter("上")
	h.gen.Done(h.gen.LastTurn(), "上")
	h.eventually(func() bool { return h.status().State == turn.Idle })

	if !h.src.Running() {
		t.Fatal("want capture still running in idle")
	}
	h.say("下")
	h.tick()
	h.tick()
	ev := h.waitEvent(func(ev turn.Event) bool { return ev.Kind == turn.EventDropped })
	if ev.Reason != turn.DropNotListening {
		t.Errorf("want not_listening, got %q", ev.Reason)
	}
	if got := h.gen.SubmitCount(); got != 1 {
		t.Errorf("want 1 submit, got %d", got)
	}
}

func TestController_Continuous(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *turn.Config) { c.Continuous = true })
	h.begin()
	h.utter("アップ")
	h.gen.Done(h.gen.LastTurn(), "上")
	h.eventually(func() bool { return h.status().State == turn.Listening })

	h.utter("ダウン")
	h.wantState(turn.Generating)
	h.gen.Done(h.gen.LastTurn(), "下")
	h.eventually(func() bool { return h.log.Len() == 4 })
	h.wantLog(user("アップ"), ai("上"), user("ダウン"), ai("下"))
	if got := h.out.Spoken(); len(got) != 2 {
		t.Errorf("want 2 spoken replies, got %v", got)
	}
}

func TestController_EchoPartialTranscript(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *turn.Config) { c.EchoPartialTranscript = true })
	h.begin()
	h.say("ひだり")
	ev := h.waitEvent(func(ev turn.Event) bool { return ev.Kind == turn.EventDraft })
	if ev.Text != "ひだり" {
		t.Errorf("want draft ひだり, got %q", ev.Text)
	}

	if err := h.ctrl.SetToggles(context.Background(), turn.Toggles{AutoSpeak: true}); err != nil {
		t.Fatalf("SetToggles: %v", err)
	}
	h.say("ひだりへ")
	h.status()
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == turn.EventDraft && ev.Text == "ひだりへ" {
				t.Fatal("want no draft once echo is off")
			}
			continue
		default:
		}
		break
	}
}

func TestController_SetToggles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	want := turn.Toggles{AutoSpeak: false, EchoPartialTranscript: true}
	if err := h.ctrl.SetToggles(context.Background(), want); err != nil {
		t.Fatalf("SetToggles: %v", err)
	}
	if got := h.status().Toggles; got != want {
		t.Errorf("want %+v, got %+v", want, got)
	}

	if err := h.ctrl.Submit(context.Background(), "上"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.gen.Done(h.gen.LastTurn(), "上")
	h.eventually(func() bool { return h.log.Len() == 2 })
	if got := h.out.Spoken(); len(got) != 0 {
		t.Errorf("want auto speak off, got %v", got)
	}
}

func TestController_SubmitSequence(t *testing.T) {
	t.Parallel()

	// One sample per tick. Each stable run finalizes exactly once.
	h := newHarness(t, func(c *turn.Config) { c.Continuous = true })
	h.begin()
	prev := ""
	for _, s := range []string{"a", "a", "b", "b", "b"} {
		if s != prev {
			h.say(s)
		}
		prev = s
		h.tick()
		if h.status().State == turn.Generating {
			h.gen.Done(h.gen.LastTurn(), "上")
			h.eventually(func() bool { return h.status().State == turn.Listening })
			h.status()
		}
	}
	var texts []string
	for _, r := range h.gen.Requests[:h.gen.SubmitCount()] {
		texts = append(texts, r.UserText)
	}
	if len(texts) != 2 || texts[0] != "a" || texts[1] != "b" {
		t.Errorf("want [a b] submitted, got %v", texts)
	}
}

func TestController_SubscribeCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch, cancel := h.ctrl.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("want closed channel after cancel")
	}
}

func TestController_CommandsAfterRun(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("mic")
	src := transcript.NewSource(&audiomock.Platform{ConnectResult: conn}, &sttmock.Provider{})
	t.Cleanup(func() { _ = src.Close() })
	ctrl, err := turn.New(src, genmock.New(), nil, chatlog.New(), turn.Config{Policy: endpoint.DefaultPolicy()},
		turn.WithTicks(make(chan time.Time)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, _ := ctrl.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := ctrl.Run(context.Background()); !errors.Is(err, turn.ErrAlreadyRunning) {
		t.Errorf("want ErrAlreadyRunning, got %v", err)
	}
	if err := ctrl.Begin(context.Background()); !errors.Is(err, turn.ErrNotRunning) {
		t.Errorf("want ErrNotRunning, got %v", err)
	}
	for range events {
	}
}

func TestController_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := newHarness(t, nil, turn.WithMetrics(m))
	h.begin()
	h.utter("上")
	h.say("下")
	h.tick()
	h.tick()
	h.gen.Done(h.gen.LastTurn(), "上")
	h.eventually(func() bool { return h.status().State == turn.Idle })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counter(rm, "hoa.turns", "status", observe.TurnDone); got != 1 {
		t.Errorf("want 1 done turn, got %d", got)
	}
	if got := counter(rm, "hoa.finalize.dropped", "reason", turn.DropNotListening); got != 1 {
		t.Errorf("want 1 not_listening drop, got %d", got)
	}
	if got := counter(rm, "hoa.turn.state", "state", "idle"); got != 1 {
		t.Errorf("want idle gauge at 1, got %d", got)
	}
	if got := counter(rm, "hoa.turn.state", "state", "generating"); got != 0 {
		t.Errorf("want generating gauge at 0, got %d", got)
	}
}

func counter(rm metricdata.ResourceMetrics, name, key, value string) int64 {
	var n int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					n += dp.Value
				}
			}
		}
	}
	return n
}

func TestController_SetPrompt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	examples := []prompt.Example{{Role: chatlog.RoleUser, Text: "前"}, {Role: chatlog.RoleAI, Text: "奥"}}
	if err := h.ctrl.SetPrompt(context.Background(), "答えは一語で。", examples); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	examples[0].Text = "changed"

	if err := h.ctrl.Submit(context.Background(), "うしろ"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req, _ := h.gen.LastRequest()
	if req.Instruction != "答えは一語で。" {
		t.Errorf("want new instruction, got %q", req.Instruction)
	}
	if len(req.Examples) != 2 || req.Examples[0].Text != "前" {
		t.Errorf("want copied examples, got %v", req.Examples)
	}
}
