package app_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/orchestrator"
	"github.com/MrWong99/voxbridge/internal/pipeline"
	pubmock "github.com/MrWong99/voxbridge/internal/pipeline/mock"
	"github.com/MrWong99/voxbridge/internal/segment"
	"github.com/MrWong99/voxbridge/pkg/audio"
	audiomock "github.com/MrWong99/voxbridge/pkg/audio/mock"
	answermock "github.com/MrWong99/voxbridge/pkg/provider/answer/mock"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxbridge/pkg/provider/stt/mock"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxbridge/pkg/provider/tts/mock"
	"github.com/MrWong99/voxbridge/pkg/provider/vad"
	vadmock "github.com/MrWong99/voxbridge/pkg/provider/vad/mock"
)

const botIdentity = "bangla-bot"

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// recordingFactory builds sessions and remembers which users it was called
// for. Without vad every frame is silence.
type recordingFactory struct {
	metrics   *observe.Metrics
	vad       *vadmock.Session
	publisher *pubmock.Publisher

	mu    sync.Mutex
	users []string
	err   error
}

func (f *recordingFactory) create(userID string, out audio.FrameWriter) (*orchestrator.Session, error) {
	f.mu.Lock()
	f.users = append(f.users, userID)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	engine := &vadmock.Engine{}
	if f.vad != nil {
		engine.Session = f.vad
	}
	pub := f.publisher
	if pub == nil {
		pub = &pubmock.Publisher{}
	}
	p := pipeline.New(
		pipeline.NewTranscriber(&sttmock.Provider{Result: stt.Transcript{Text: "x"}}, "bn", time.Second),
		pipeline.NewRetriever(&answermock.Provider{Chunks: answermock.Text("y")}, time.Second),
		pipeline.NewSynthesizer(&ttsmock.Provider{Result: tts.Audio{Data: []byte{1}}}, "bn", time.Second),
		pub,
		pipeline.WithMetrics(f.metrics),
	)
	return orchestrator.NewSession(orchestrator.Config{
		UserID:  userID,
		VAD:     vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.5},
		Segment: segment.DefaultConfig(),
	}, engine, p, out, orchestrator.WithMetrics(f.metrics))
}

func (f *recordingFactory) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.users)
}

type managerHarness struct {
	conn    *audiomock.Connection
	answer  *answermock.Provider
	factory *recordingFactory
	sm      *app.SessionManager
}

func newManagerHarness(t *testing.T, existing ...string) *managerHarness {
	t.Helper()
	h := &managerHarness{
		conn:    &audiomock.Connection{},
		answer:  &answermock.Provider{},
		factory: &recordingFactory{metrics: testMetrics(t)},
	}
	for _, id := range existing {
		h.conn.SetInput(id, make(chan audio.AudioFrame))
	}
	h.sm = app.NewSessionManager(h.conn, botIdentity, h.factory.create, h.answer)
	t.Cleanup(h.sm.Stop)
	return h
}

// join adds an input stream for userID and announces it.
func (h *managerHarness) join(userID string) chan audio.AudioFrame {
	in := make(chan audio.AudioFrame)
	h.conn.SetInput(userID, in)
	h.conn.EmitEvent(audio.Event{Type: audio.EventJoin, UserID: userID})
	return in
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSessionManager_StartsExistingParticipants(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t, "alice", "bob", botIdentity)

	h.sm.Start(context.Background())

	if got := h.sm.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	got := h.sm.Sessions()
	if len(got) != 2 || got[0].UserID != "alice" || got[1].UserID != "bob" {
		t.Fatalf("Sessions = %+v, want alice and bob in order", got)
	}
	for _, info := range got {
		if info.SessionID == "" {
			t.Errorf("session of %s has no ID", info.UserID)
		}
		if info.State != orchestrator.StateIdle.String() || info.Busy {
			t.Errorf("state of %s = %q busy:%v, want %q idle", info.UserID, info.State, info.Busy, orchestrator.StateIdle)
		}
		if info.StartedAt.IsZero() {
			t.Errorf("session of %s has no start time", info.UserID)
		}
	}
}

func TestSessionManager_JoinStartsSession(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	h.sm.Start(context.Background())

	h.join("alice")

	s, ok := h.sm.Session("alice")
	if !ok {
		t.Fatal("no session for alice after join")
	}
	if s.UserID() != "alice" {
		t.Errorf("UserID = %q, want alice", s.UserID())
	}
	if !slices.Contains(h.conn.OutputCalls, "alice") {
		t.Errorf("no output track requested for alice: %v", h.conn.OutputCalls)
	}
}

func TestSessionManager_IgnoresBotIdentity(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	h.sm.Start(context.Background())

	h.join(botIdentity)

	if got := h.sm.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}
	if got := h.factory.calls(); len(got) != 0 {
		t.Errorf("factory called for %v", got)
	}
}

func TestSessionManager_DuplicateJoinKeepsSession(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t, "alice")
	h.sm.Start(context.Background())
	first, _ := h.sm.Session("alice")

	h.conn.EmitEvent(audio.Event{Type: audio.EventJoin, UserID: "alice"})

	second, _ := h.sm.Session("alice")
	if first != second {
		t.Error("duplicate join replaced the running session")
	}
	if got := h.factory.calls(); len(got) != 1 {
		t.Errorf("factory calls = %v, want one", got)
	}
}

func TestSessionManager_JoinWithoutInputStream(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	h.sm.Start(context.Background())

	h.conn.EmitEvent(audio.Event{Type: audio.EventJoin, UserID: "ghost"})

	if got := h.sm.Len(); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
}

func TestSessionManager_FactoryError(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	h.factory.err = errors.New("boom")
	h.sm.Start(context.Background())

	h.join("alice")

	if got := h.sm.Len(); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
}

func TestSessionManager_LeaveStopsAndClears(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	h.sm.Start(context.Background())
	h.join("alice")
	s, ok := h.sm.Session("alice")
	if !ok {
		t.Fatal("no session for alice")
	}

	cause := errors.New("participant left")
	h.conn.EmitEvent(audio.Event{Type: audio.EventLeave, UserID: "alice", Err: cause})

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after leave")
	}
	if _, ok := h.sm.Session("alice"); ok {
		t.Error("session still registered after leave")
	}
	waitFor(t, "answer session cleared", func() bool {
		return slices.Equal(h.answer.ClearedUsers(), []string{"alice"})
	})
}

func TestSessionManager_LeaveUnknownStillClears(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	h.sm.Start(context.Background())

	h.conn.EmitEvent(audio.Event{Type: audio.EventLeave, UserID: "carol"})

	waitFor(t, "answer session cleared", func() bool {
		return slices.Equal(h.answer.ClearedUsers(), []string{"carol"})
	})
}

func TestSessionManager_InputClosedRemovesSession(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	h.sm.Start(context.Background())
	in := h.join("alice")

	close(in)

	waitFor(t, "session removed", func() bool { return h.sm.Len() == 0 })
}

func TestSessionManager_RejoinAfterLeave(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	h.sm.Start(context.Background())
	h.join("alice")
	first, _ := h.sm.Session("alice")

	h.conn.EmitEvent(audio.Event{Type: audio.EventLeave, UserID: "alice"})
	h.join("alice")

	second, ok := h.sm.Session("alice")
	if !ok {
		t.Fatal("no session after rejoin")
	}
	if first == second {
		t.Error("rejoin reused the stopped session")
	}
}

func TestSessionManager_StopEndsAll(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t, "alice", "bob")
	h.sm.Start(context.Background())
	a, _ := h.sm.Session("alice")
	b, _ := h.sm.Session("bob")

	h.sm.Stop()

	for _, s := range []*orchestrator.Session{a, b} {
		select {
		case <-s.Done():
		default:
			t.Errorf("session of %s still running after Stop", s.UserID())
		}
	}
	if got := h.sm.Len(); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}

	h.join("carol")
	if got := h.sm.Len(); got != 0 {
		t.Errorf("session created after Stop: Len = %d", got)
	}
}

func TestSessionManager_ContextCancelEndsSessions(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	h.sm.Start(ctx)

	cancel()

	waitFor(t, "sessions ended", func() bool { return h.sm.Len() == 0 })
}

func TestSessionManager_SessionsReportsBusy(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	// 360 ms of speech, then enough silence to close the utterance.
	script := make([]bool, 0, 36)
	for i := range 36 {
		script = append(script, i < 12)
	}
	h.factory.vad = vadmock.Script(script...)
	h.factory.publisher = &pubmock.Publisher{Block: block}
	h.sm.Start(context.Background())
	in := h.join("alice")

	for range len(script) {
		in <- audio.AudioFrame{Data: make([]byte, 960), SampleRate: 16000, Channels: 1}
	}

	waitFor(t, "busy session", func() bool {
		got := h.sm.Sessions()
		return len(got) == 1 && got[0].Busy
	})
	if got := h.sm.Sessions()[0].State; got != orchestrator.StateSpeaking.String() {
		t.Errorf("state = %q, want %q", got, orchestrator.StateSpeaking)
	}
}
