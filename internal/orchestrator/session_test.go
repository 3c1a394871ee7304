package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/pipeline"
	pubmock "github.com/MrWong99/voxbridge/internal/pipeline/mock"
	"github.com/MrWong99/voxbridge/internal/resilience"
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

var vadConfig = vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.5}

// testSegment closes after three silent frames and keeps no pre-roll or
// tail so utterance sizes are exact.
var testSegment = segment.Config{
	EndSilence: 90 * time.Millisecond,
	MinSpeech:  60 * time.Millisecond,
}

type harness struct {
	vad    *vadmock.Session
	stt    *sttmock.Provider
	answer *answermock.Provider
	tts    *ttsmock.Provider
	pub    *pubmock.Publisher
	out    *audiomock.Writer

	mu     sync.Mutex
	states []State

	session *Session
	in      chan audio.AudioFrame
	runErr  chan error
}

func newHarness(t *testing.T, script []bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		vad:    vadmock.Script(script...),
		stt:    &sttmock.Provider{Result: stt.Transcript{Text: "hello"}},
		answer: &answermock.Provider{Chunks: answermock.Text("hi ", "there")},
		tts:    &ttsmock.Provider{Result: tts.Audio{Data: []byte{1, 2, 3}}},
		pub:    &pubmock.Publisher{Frames: 10},
		out:    &audiomock.Writer{},
		in:     make(chan audio.AudioFrame),
		runErr: make(chan error, 1),
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p := pipeline.New(
		pipeline.NewTranscriber(h.stt, "", time.Second),
		pipeline.NewRetriever(h.answer, time.Second),
		pipeline.NewSynthesizer(h.tts, "", time.Second),
		h.pub,
		pipeline.WithMetrics(m),
	)
	opts = append([]Option{
		WithMetrics(m),
		WithStateListener(func(_, to State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, to)
		}),
	}, opts...)

	s, err := NewSession(Config{UserID: "alice", VAD: vadConfig, Segment: testSegment},
		&vadmock.Engine{Session: h.vad}, p, h.out, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.session = s
	go func() { h.runErr <- s.Run(context.Background(), h.in) }()
	t.Cleanup(func() {
		s.Stop(nil)
		<-s.Done()
	})
	return h
}

// feed sends n VAD-sized frames and waits until the VAD has seen them all.
func (h *harness) feed(t *testing.T, n int) {
	t.Helper()
	want := h.vad.FrameCount() + n
	for range n {
		h.in <- audio.AudioFrame{Data: make([]byte, 960), SampleRate: 16000, Channels: 1}
	}
	waitFor(t, "vad frames", func() bool { return h.vad.FrameCount() >= want })
}

func (h *harness) seenStates() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.states)
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

func speech(n int) []bool { return slices.Repeat([]bool{true}, n) }
func silence(n int) []bool { return slices.Repeat([]bool{false}, n) }

func TestSession_Scenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, slices.Concat(silence(5), speech(20), silence(15)))

	h.feed(t, 40)
	waitFor(t, "answer spoken", func() bool { return h.pub.CallCount() == 1 })
	waitFor(t, "idle", func() bool { return h.session.State() == StateIdle })

	if got := h.stt.CallCount(); got != 1 {
		t.Fatalf("transcriptions = %d, want 1", got)
	}
	if got, want := len(h.stt.Requests()[0].PCM), 20*960; got != want {
		t.Errorf("utterance bytes = %d, want %d", got, want)
	}
	if q := h.answer.Queries[0]; q.UserID != "alice" || q.Text != "hello" {
		t.Errorf("answer query = %+v", q)
	}
	if got := h.pub.Texts(); got[0] != "hi there" {
		t.Errorf("published text = %q, want %q", got[0], "hi there")
	}

	want := []State{StateListening, StateTranscribing, StateQuerying, StateSynthesizing, StateSpeaking, StateIdle}
	if got := h.seenStates(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestSession_IgnoresSpeechWhileBusy(t *testing.T) {
	t.Parallel()
	script := slices.Concat(
		speech(10), silence(3), // first utterance
		speech(10), silence(5), // spoken while the answer plays
		speech(10), silence(3), // after the answer
	)
	h := newHarness(t, script)
	h.pub.Block = make(chan struct{})
	h.pub.Started = make(chan struct{}, 1)

	h.feed(t, 13)
	select {
	case <-h.pub.Started:
	case <-time.After(3 * time.Second):
		t.Fatal("first answer never started playing")
	}

	h.feed(t, 15)
	if got := h.stt.CallCount(); got != 1 {
		t.Fatalf("transcriptions while busy = %d, want 1", got)
	}
	if got := h.session.State(); got != StateSpeaking {
		t.Errorf("state = %v, want SPEAKING", got)
	}

	close(h.pub.Block)
	waitFor(t, "idle", func() bool { return h.session.State() == StateIdle })

	h.feed(t, 13)
	waitFor(t, "second transcription", func() bool { return h.stt.CallCount() == 2 })
	waitFor(t, "second answer", func() bool { return h.pub.CallCount() == 2 })
}

func TestSession_ShortSpeechNeverReachesDownstream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, slices.Concat(speech(1), silence(10)))

	h.feed(t, 11)
	if got := h.stt.CallCount(); got != 0 {
		t.Errorf("transcriptions = %d, want 0", got)
	}
	if got := h.session.State(); got != StateIdle {
		t.Errorf("state = %v, want IDLE", got)
	}
	if got := h.seenStates(); !slices.Equal(got, []State{StateListening, StateIdle}) {
		t.Errorf("states = %v, want [LISTENING IDLE]", got)
	}
}

func TestSession_FailedStageReturnsToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, slices.Concat(speech(5), silence(3), speech(5), silence(3)))
	h.tts.Err = errors.New("tts down")

	h.feed(t, 8)
	waitFor(t, "first failure", func() bool { return h.tts.CallCount() == 1 })
	waitFor(t, "idle", func() bool { return h.session.State() == StateIdle })
	if got := h.pub.CallCount(); got != 0 {
		t.Fatalf("publish calls = %d, want 0", got)
	}

	h.feed(t, 8)
	waitFor(t, "second attempt", func() bool { return h.tts.CallCount() == 2 })
}

func TestSession_VADFailureIsSilence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, speech(20))
	h.vad.ProcessFrameErr = errors.New("vad unreachable")

	h.feed(t, 20)
	if got := h.session.State(); got != StateIdle {
		t.Errorf("state = %v, want IDLE", got)
	}
	if got := h.stt.CallCount(); got != 0 {
		t.Errorf("transcriptions = %d, want 0", got)
	}
}

func TestSession_OpenVADBreakerSkipsCalls(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "vad",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	h := newHarness(t, nil, WithVADBreaker(cb))
	h.vad.ProcessFrameErr = errors.New("vad unreachable")

	// The unbuffered send of the last frame returns only after the frame
	// before it was ingested.
	for range 8 {
		h.in <- audio.AudioFrame{Data: make([]byte, 960), SampleRate: 16000, Channels: 1}
	}
	if got := cb.State(); got != resilience.StateOpen {
		t.Fatalf("breaker = %v, want open", got)
	}
	if got := h.vad.FrameCount(); got != 2 {
		t.Errorf("vad calls = %d, want 2", got)
	}
}

func TestSession_StopWithCauseCancelsPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, slices.Concat(speech(5), silence(3)))
	h.stt.Block = make(chan struct{})

	h.feed(t, 8)
	waitFor(t, "transcription started", func() bool { return h.stt.CallCount() == 1 })

	h.session.Stop(errors.New("ice failed"))
	select {
	case err := <-h.runErr:
		if !errors.Is(err, ErrTransport) {
			t.Errorf("Run = %v, want ErrTransport", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	<-h.session.Done()

	if got := h.answer.QueryCount(); got != 0 {
		t.Errorf("answer queries = %d, want 0", got)
	}
	if got := h.vad.CloseCallCount; got != 1 {
		t.Errorf("vad closes = %d, want 1", got)
	}
	if got := h.session.State(); got != StateIdle {
		t.Errorf("state = %v, want IDLE", got)
	}
}

func TestSession_InputClosedEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, speech(3))

	h.feed(t, 3)
	close(h.in)
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after input closed")
	}
	if got := h.stt.CallCount(); got != 0 {
		t.Errorf("open utterance was transcribed %d times, want 0", got)
	}
}

func TestSession_ConvertsTransportFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	// Three 20 ms frames at 48 kHz make two 30 ms VAD frames at 16 kHz.
	for range 3 {
		h.in <- audio.AudioFrame{Data: make([]byte, 1920), SampleRate: 48000, Channels: 1}
	}
	waitFor(t, "vad frames", func() bool { return h.vad.FrameCount() == 2 })
	for i, f := range h.vad.Frames {
		if len(f) != vadConfig.FrameBytes() {
			t.Errorf("vad frame %d bytes = %d, want %d", i, len(f), vadConfig.FrameBytes())
		}
	}
}

func TestNewSession_Rejects(t *testing.T) {
	t.Parallel()
	errEngine := errors.New("no model")
	tests := []struct {
		name   string
		cfg    Config
		engine *vadmock.Engine
	}{
		{"empty user", Config{VAD: vadConfig}, &vadmock.Engine{}},
		{"bad vad config", Config{UserID: "u", VAD: vad.Config{SampleRate: 16000}}, &vadmock.Engine{}},
		{"engine error", Config{UserID: "u", VAD: vadConfig}, &vadmock.Engine{NewSessionErr: errEngine}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewSession(tc.cfg, tc.engine, nil, nil); err == nil {
				t.Fatal("NewSession succeeded, want error")
			}
		})
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{
		StateIdle:         "IDLE",
		StateListening:    "LISTENING",
		StateTranscribing: "TRANSCRIBING",
		StateQuerying:     "QUERYING",
		StateSynthesizing: "SYNTHESIZING",
		StateSpeaking:     "SPEAKING",
		State(42):         "State(42)",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
	if StateListening.Busy() || !StateSpeaking.Busy() {
		t.Error("Busy() misclassifies states")
	}
}
