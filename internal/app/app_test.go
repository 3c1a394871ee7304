package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/pkg/audio"
	audiomock "github.com/MrWong99/voxbridge/pkg/audio/mock"
	answermock "github.com/MrWong99/voxbridge/pkg/provider/answer/mock"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxbridge/pkg/provider/stt/mock"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxbridge/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/voxbridge/pkg/provider/vad/mock"
)

// testYAML closes an utterance after three silent 30 ms frames.
const testYAML = `
server:
  log_level: info
transport:
  room: test-room
  identity: bangla-bot
  frame_ms: 20
vad:
  url: http://vad:8000/detect_speech
  frame_ms: 30
segment:
  pre_roll: 30ms
  end_silence: 90ms
  tail_margin: 30ms
  min_speech: 60ms
stt:
  url: http://stt:8001/transcribe
answer:
  url: http://gov/chat/stream
tts:
  url: http://tts:8002/synthesize
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

type appHarness struct {
	conn     *audiomock.Connection
	platform *audiomock.Platform
	vad      *vadmock.Session
	stt      *sttmock.Provider
	answer   *answermock.Provider
	tts      *ttsmock.Provider
}

func newAppHarness(script ...bool) *appHarness {
	conn := &audiomock.Connection{}
	// 100 ms of 16 kHz mono silence.
	clip := audio.EncodeWAV(make([]byte, 3200), audio.Format{SampleRate: 16000, Channels: 1})
	return &appHarness{
		conn:     conn,
		platform: &audiomock.Platform{ConnectResult: conn},
		vad:      vadmock.Script(script...),
		stt:      &sttmock.Provider{Result: stt.Transcript{Text: "জন্ম নিবন্ধন কীভাবে করব?"}},
		answer:   &answermock.Provider{Chunks: answermock.Text("অনলাইনে ", "আবেদন করুন।")},
		tts:      &ttsmock.Provider{Result: tts.Audio{Data: clip, ContentType: "audio/wav"}},
	}
}

func (h *appHarness) providers() *app.Providers {
	return &app.Providers{
		VAD:    &vadmock.Engine{Session: h.vad},
		STT:    h.stt,
		Answer: h.answer,
		TTS:    h.tts,
		Audio:  h.platform,
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	full := newAppHarness().providers()

	tests := []struct {
		name      string
		cfg       *config.Config
		providers *app.Providers
		wantErr   string
	}{
		{name: "nil config", providers: full, wantErr: "config must not be nil"},
		{name: "nil providers", cfg: cfg, wantErr: "providers must not be nil"},
		{name: "missing vad", cfg: cfg, providers: &app.Providers{STT: full.STT, Answer: full.Answer, TTS: full.TTS, Audio: full.Audio}, wantErr: "VAD provider"},
		{name: "missing audio", cfg: cfg, providers: &app.Providers{VAD: full.VAD, STT: full.STT, Answer: full.Answer, TTS: full.TTS}, wantErr: "audio platform"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := app.New(tc.cfg, tc.providers)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("New error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestNew_ReportsEveryMissingProvider(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(t), &app.Providers{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"VAD", "STT", "answer", "TTS", "audio"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := app.SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	old := testConfig(t)
	level := new(slog.LevelVar)
	a, err := app.New(old, newAppHarness().providers(), app.WithMetrics(testMetrics(t)), app.WithLevelVar(level))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	unchanged := testConfig(t)
	a.ApplyConfig(old, unchanged)
	if a.Config() != old {
		t.Error("identical config replaced the current one")
	}

	updated := testConfig(t)
	updated.Server.LogLevel = config.LogDebug
	updated.Segment.EndSilence = 900 * time.Millisecond
	a.ApplyConfig(old, updated)

	if a.Config() != updated {
		t.Error("Config() did not return the applied config")
	}
	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
}

func TestApp_HandlerBeforeRun(t *testing.T) {
	t.Parallel()
	a, err := app.New(testConfig(t), newAppHarness().providers(), app.WithMetrics(testMetrics(t)),
		app.WithRoutes(func(mux *http.ServeMux) {
			mux.HandleFunc("GET /extra", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for path, want := range map[string]int{
		"/healthz":  http.StatusOK,
		"/readyz":   http.StatusOK,
		"/metrics":  http.StatusOK,
		"/sessions": http.StatusOK,
		"/extra":    http.StatusTeapot,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}

	var list []app.SessionInfo
	getJSON(t, srv.URL+"/sessions", &list)
	if len(list) != 0 {
		t.Errorf("sessions before Run = %+v, want none", list)
	}
	if got := a.Sessions(); got != nil {
		t.Errorf("Sessions() before Run = %+v, want nil", got)
	}
}

func TestApp_ReadyzReportsFailingChecker(t *testing.T) {
	t.Parallel()
	a, err := app.New(testConfig(t), newAppHarness().providers(),
		app.WithMetrics(testMetrics(t)),
		app.WithCheckers(health.Checker{Name: "answer", Check: func(context.Context) error { return errors.New("down") }}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", resp.StatusCode)
	}
}

func TestApp_RunConnectError(t *testing.T) {
	t.Parallel()
	h := newAppHarness()
	h.platform.ConnectError = errors.New("room full")
	a, err := app.New(testConfig(t), h.providers(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = a.Run(context.Background())
	if !errors.Is(err, h.platform.ConnectError) {
		t.Fatalf("Run error = %v, want wrapping %v", err, h.platform.ConnectError)
	}
}

func TestApp_RunEndToEnd(t *testing.T) {
	t.Parallel()
	speech := slices.Repeat([]bool{true}, 10)
	silence := slices.Repeat([]bool{false}, 5)
	h := newAppHarness(slices.Concat(silence, speech, silence)...)
	in := make(chan audio.AudioFrame)
	h.conn.SetInput("alice", in)
	h.conn.SetInput("bangla-bot", make(chan audio.AudioFrame))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, err := app.New(testConfig(t), h.providers(), app.WithMetrics(testMetrics(t)), app.WithListener(ln))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	waitFor(t, "alice's session", func() bool { return len(a.Sessions()) == 1 })
	if got := h.platform.ConnectCalls; len(got) != 1 || got[0].Room != "test-room" || got[0].Identity != "bangla-bot" {
		t.Errorf("connect calls = %+v", got)
	}

	for range 20 {
		in <- audio.AudioFrame{Data: make([]byte, 960), SampleRate: 16000, Channels: 1}
	}

	out := h.conn.Writer("alice")
	waitFor(t, "reply audio", func() bool { return out.Count() > 0 })
	if got := h.answer.QueryCount(); got != 1 {
		t.Errorf("answer queries = %d, want 1", got)
	}
	if got := h.tts.Requests(); len(got) != 1 || got[0].Text != "অনলাইনে আবেদন করুন।" {
		t.Errorf("tts requests = %+v", got)
	}
	if f := out.Frames()[0]; f.SampleRate != 48000 || f.Channels != 1 {
		t.Errorf("published format = %d Hz x %d, want 48000 Hz mono", f.SampleRate, f.Channels)
	}

	var list []app.SessionInfo
	getJSON(t, fmt.Sprintf("http://%s/sessions", ln.Addr()), &list)
	if len(list) != 1 || list[0].UserID != "alice" {
		t.Errorf("GET /sessions = %+v, want alice only", list)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if got := h.conn.Disconnects(); got != 1 {
		t.Errorf("disconnects = %d, want 1", got)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if got := h.conn.Disconnects(); got != 1 {
		t.Errorf("disconnects after second Shutdown = %d, want 1", got)
	}
}

func TestApp_ParticipantLeaveClearsAnswerSession(t *testing.T) {
	t.Parallel()
	h := newAppHarness()
	h.conn.SetInput("alice", make(chan audio.AudioFrame))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, err := app.New(testConfig(t), h.providers(), app.WithMetrics(testMetrics(t)), app.WithListener(ln))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})

	waitFor(t, "alice's session", func() bool { return len(a.Sessions()) == 1 })
	h.conn.EmitEvent(audio.Event{Type: audio.EventLeave, UserID: "alice"})

	waitFor(t, "session removed", func() bool { return len(a.Sessions()) == 0 })
	waitFor(t, "answer session cleared", func() bool {
		return slices.Equal(h.answer.ClearedUsers(), []string{"alice"})
	})
}

func TestCheckers(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.VAD.URL = srv.URL + "/detect_speech"
	cfg.STT.URL = srv.URL + "/transcribe"
	cfg.Answer.URL = srv.URL + "/chat/stream"
	cfg.TTS.URL = srv.URL + "/synthesize"

	checkers, err := app.Checkers(cfg)
	if err != nil {
		t.Fatalf("Checkers: %v", err)
	}
	var names []string
	for _, c := range checkers {
		names = append(names, c.Name)
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("check %s: %v", c.Name, err)
		}
	}
	if want := []string{"vad", "stt", "answer", "tts"}; !slices.Equal(names, want) {
		t.Errorf("checker names = %v, want %v", names, want)
	}
}

func TestNewProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.STT.FallbackURLs = []string{"http://stt-2:8001/transcribe"}
	cfg.TTS.FallbackURLs = []string{"http://tts-2:8002/synthesize"}
	platform := &audiomock.Platform{}

	p, err := app.NewProviders(cfg, platform, testMetrics(t))
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	if p.VAD == nil || p.STT == nil || p.Answer == nil || p.TTS == nil {
		t.Fatalf("missing provider in %+v", p)
	}
	if p.Audio != platform {
		t.Error("platform not passed through")
	}
	if _, err := app.New(cfg, p); err != nil {
		t.Errorf("New with built providers: %v", err)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s content type = %q", url, ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
