package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hoa/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "ja", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_OptionsAndOverrides(t *testing.T) {
	p, err := New("key", WithModel("nova-2"), WithLanguage("en"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, _ := p.buildURL(stt.StreamConfig{})
	q := mustQuery(t, rawURL)
	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))

	rawURL, _ = p.buildURL(stt.StreamConfig{Language: "ja", SampleRate: 16000})
	q = mustQuery(t, rawURL)
	assertEqual(t, "language", "ja", q.Get("language"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, _ := New("key")
	rawURL, err := p.buildURL(stt.StreamConfig{
		Keywords: []stt.KeywordBoost{{Keyword: "上", Boost: 2}, {Keyword: "手前", Boost: 1.5}},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	kws := mustQuery(t, rawURL)["keywords"]
	if len(kws) != 2 {
		t.Fatalf("want 2 keywords, got %v", kws)
	}
	assertEqual(t, "keyword[0]", "上:2", kws[0])
	assertEqual(t, "keyword[1]", "手前:1.5", kws[1])
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantText  string
		wantFinal bool
	}{
		{
			name:      "final",
			raw:       `{"type":"Results","is_final":true,"start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"さげて","confidence":0.95}]}}`,
			wantOK:    true,
			wantText:  "さげて",
			wantFinal: true,
		},
		{
			name:     "partial",
			raw:      `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"さげ","confidence":0.7}]}}`,
			wantOK:   true,
			wantText: "さげ",
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := parseDeepgramResponse([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("want ok=%v, got %v", tt.wantOK, ok)
			}
			if !ok {
				return
			}
			assertEqual(t, "text", tt.wantText, tr.Text)
			if tr.IsFinal != tt.wantFinal {
				t.Errorf("want IsFinal=%v, got %v", tt.wantFinal, tr.IsFinal)
			}
		})
	}
}

func TestParseDeepgramResponse_Timing(t *testing.T) {
	tr, ok := parseDeepgramResponse([]byte(`{"type":"Results","is_final":true,"start":1.5,"duration":0.25,"channel":{"alternatives":[{"transcript":"x"}]}}`))
	if !ok {
		t.Fatal("expected ok")
	}
	if tr.Timestamp != 1500*time.Millisecond {
		t.Errorf("want timestamp 1.5s, got %v", tr.Timestamp)
	}
	if tr.Duration != 250*time.Millisecond {
		t.Errorf("want duration 250ms, got %v", tr.Duration)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- Session against a fake server ----

func TestSession_RoundTrip(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		typ, _, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"さげ"}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"さげて"}]}}`))

		for {
			typ, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(msg), "CloseStream") {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	defer srv.Close()

	p, _ := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-h.Partials():
		assertEqual(t, "partial", "さげ", tr.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for partial")
	}
	select {
	case tr := <-h.Finals():
		assertEqual(t, "final", "さげて", tr.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for final")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio after Close should fail")
	}
	assertEqual(t, "auth header", "Token secret", <-gotAuth)
}

// ---- helpers ----

func mustQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	return u.Query()
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
