// Package orchestrator drives one participant's conversation with the bot.
//
// A [Session] owns the ingestion path (format conversion, VAD framing,
// classification and segmentation) and dispatches every closed utterance to
// a pipeline goroutine. At most one pipeline is in flight per session; speech
// that starts while a pipeline runs is ignored, not queued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/pipeline"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/segment"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/vad"
)

// ErrTransport ends a session whose media path failed.
var ErrTransport = errors.New("orchestrator: transport failure")

// vadLogEvery bounds how often repeated VAD failures are logged per session.
const vadLogEvery = 5 * time.Second

// Runner runs one utterance through the downstream stages.
// [*pipeline.Pipeline] is the production implementation.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job, onStage func(pipeline.Stage)) (pipeline.Result, error)
}

var _ Runner = (*pipeline.Pipeline)(nil)

// Config holds the per-session settings.
type Config struct {
	// UserID is the participant identity. Required.
	UserID string

	// VAD selects the classification format and frame size.
	VAD vad.Config

	// Segment holds the segmentation thresholds.
	Segment segment.Config
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithVADBreaker guards VAD calls with cb. While the breaker is open every
// frame is treated as silence.
func WithVADBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Session) { s.breaker = cb }
}

// WithStateListener registers fn to be called on every state change. fn runs
// on the goroutine causing the change and must not block.
func WithStateListener(fn func(from, to State)) Option {
	return func(s *Session) { s.onState = fn }
}

// Session is the conversation state of one participant, created on join and
// torn down on leave.
//
// Run must be called at most once. Stop and the accessors are safe for
// concurrent use.
type Session struct {
	id     string
	userID string

	vadCfg    vad.Config
	vad       vad.SessionHandle
	breaker   *resilience.CircuitBreaker
	converter *audio.FormatConverter
	chunker   *audio.Rechunker
	seg       *segment.Segmenter

	runner  Runner
	out     audio.FrameWriter
	metrics *observe.Metrics
	onState func(from, to State)
	vadLog  *rate.Limiter

	state   atomic.Int32
	busy    atomic.Bool
	dropped bool // a speech run was already counted as dropped

	// pipeCtx parents every pipeline run; cancelled on teardown.
	pipeCtx    context.Context
	pipeCancel context.CancelFunc
	pipes      sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once

	mu  sync.Mutex
	err error
}

// NewSession creates a session for cfg.UserID that classifies frames with a
// fresh session from engine, runs closed utterances through runner and plays
// answers onto out.
func NewSession(cfg Config, engine vad.Engine, runner Runner, out audio.FrameWriter, opts ...Option) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errors.New("orchestrator: user ID must not be empty")
	}
	if err := cfg.VAD.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	handle, err := engine.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open vad session: %w", err)
	}

	vadFormat := audio.Format{SampleRate: cfg.VAD.SampleRate, Channels: 1}
	s := &Session{
		id:        xid.New().String(),
		userID:    cfg.UserID,
		vadCfg:    cfg.VAD,
		vad:       handle,
		converter: &audio.FormatConverter{Target: vadFormat},
		chunker:   audio.NewRechunker(vadFormat, time.Duration(cfg.VAD.FrameSizeMs)*time.Millisecond),
		seg:       segment.New(cfg.Segment),
		runner:    runner,
		out:       out,
		vadLog:    rate.NewLimiter(rate.Every(vadLogEvery), 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.pipeCtx, s.pipeCancel = context.WithCancel(context.Background())
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the participant identity.
func (s *Session) UserID() string { return s.userID }

// State returns the current session state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once Run has returned and all pipeline work has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the transport failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run consumes the participant's frames until in is closed, ctx is
// cancelled or Stop is called, then tears the session down: the in-flight
// pipeline is cancelled and awaited, the open utterance is dropped and the
// VAD session is released.
//
// Run returns nil when the stream ended or Stop was called without a cause.
func (s *Session) Run(ctx context.Context, in <-chan audio.AudioFrame) error {
	defer close(s.done)
	defer s.teardown()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.runCtx, cancel)()

	log := s.logger()
	log.Info("orchestrator: session started")

	for {
		select {
		case <-ctx.Done():
			if s.runCtx.Err() != nil {
				return s.Err()
			}
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				log.Info("orchestrator: input stream ended")
				return s.Err()
			}
			s.ingest(ctx, frame)
		}
	}
}

// Stop ends the session. A non-nil cause marks a transport failure and is
// reported by Err wrapped in [ErrTransport]. Stop does not wait; use Done.
func (s *Session) Stop(cause error) {
	s.stopOnce.Do(func() {
		if cause != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("%w: %w", ErrTransport, cause)
			s.mu.Unlock()
			s.logger().Error("orchestrator: transport failure, ending session", "err", cause)
		}
		s.pipeCancel()
		s.runCancel()
	})
}

func (s *Session) teardown() {
	s.pipeCancel()
	s.pipes.Wait()
	s.seg.Reset()
	s.chunker.Reset()
	if err := s.vad.Close(); err != nil {
		s.logger().Warn("orchestrator: close vad session", "err", err)
	}
	s.setState(StateIdle)
	s.logger().Info("orchestrator: session ended", "stats", s.seg.Stats())
}

// ingest runs one transport frame through conversion, framing,
// classification and segmentation.
func (s *Session) ingest(ctx context.Context, frame audio.AudioFrame) {
	converted := s.converter.Convert(frame)
	if len(converted.Data) == 0 {
		return
	}
	for _, f := range s.chunker.Push(converted) {
		v := s.classify(ctx, f)

		if s.busy.Load() {
			s.seg.Observe(f)
			if v.Speech && !s.dropped {
				s.dropped = true
				s.metrics.RecordUtterance(ctx, observe.OutcomeDropped)
				s.logger().Debug("orchestrator: speech ignored while answering", "state", s.State())
			} else if !v.Speech {
				s.dropped = false
			}
			continue
		}
		s.dropped = false

		discarded := s.seg.Stats().Discarded
		utt := s.seg.Push(f, v)
		if s.seg.Stats().Discarded > discarded {
			s.metrics.RecordUtterance(ctx, observe.OutcomeDiscarded)
			s.logger().Debug("orchestrator: utterance too short, discarded")
		}
		if utt != nil {
			s.dispatch(utt)
			continue
		}
		if s.seg.State() == segment.StateIdle {
			s.setState(StateIdle)
		} else {
			s.setState(StateListening)
		}
	}
}

// classify asks the VAD for a verdict. Failures and an open breaker count as
// silence so a flaky classifier never opens an utterance.
func (s *Session) classify(ctx context.Context, f audio.AudioFrame) vad.Verdict {
	start := time.Now()
	var v vad.Verdict
	call := func(ctx context.Context) error {
		var err error
		v, err = s.vad.ProcessFrame(ctx, f.Data)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		s.metrics.RecordStage(ctx, observe.StageVAD, time.Since(start))
	}
	s.metrics.RecordVADFrame(ctx, v.Speech, err)
	if err != nil {
		if s.vadLog.Allow() {
			s.logger().Warn("orchestrator: vad failed, treating audio as silence", "err", err)
		}
		return vad.Verdict{}
	}
	return v
}

// dispatch hands a closed utterance to a new pipeline goroutine.
func (s *Session) dispatch(utt *segment.Utterance) {
	if s.pipeCtx.Err() != nil {
		return
	}
	s.busy.Store(true)
	s.setState(StateTranscribing)
	s.pipes.Add(1)
	go func() {
		defer s.pipes.Done()
		defer func() {
			s.setState(StateIdle)
			s.busy.Store(false)
		}()
		s.runPipeline(utt)
	}()
}

func (s *Session) runPipeline(utt *segment.Utterance) {
	ctx := s.pipeCtx
	log := s.logger().With("utterance_id", utt.ID)
	log.Info("orchestrator: utterance closed",
		"audio", utt.Duration(),
		"speech", utt.Speech,
		"forced", utt.Forced,
	)

	_, err := s.runner.Run(ctx, pipeline.Job{
		UserID:    s.userID,
		Utterance: utt,
		Output:    s.out,
	}, func(st pipeline.Stage) {
		s.setState(stageState(st))
	})

	switch {
	case err == nil:
		s.metrics.RecordUtterance(ctx, observe.OutcomeSpoken)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		s.metrics.RecordUtterance(context.Background(), observe.OutcomeCancelled)
		log.Debug("orchestrator: pipeline cancelled", "err", err)
	default:
		s.metrics.RecordUtterance(ctx, observe.OutcomeFailed)
		attrs := []any{"err", err}
		var se *pipeline.StageError
		if errors.As(err, &se) {
			attrs = append(attrs, "stage", se.Stage.String())
		}
		log.Warn("orchestrator: utterance failed", attrs...)
	}
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.logger().Debug("orchestrator: state change", "from", from, "to", to)
	if s.onState != nil {
		s.onState(from, to)
	}
}

func (s *Session) logger() *slog.Logger {
	return slog.With("session_id", s.id, "user_id", s.userID)
}
