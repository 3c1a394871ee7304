// Package pipeline runs one closed utterance through the downstream services:
// transcription, answer retrieval, synthesis and publication, strictly in that
// order. Every stage has its own timeout; the first failing stage ends the run
// with a [*StageError].
//
// A [Pipeline] holds no per-utterance state and is safe for concurrent use.
// Bounding the number of concurrent runs per participant is the caller's job.
package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/segment"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// Publisher decodes synthesized audio and plays it onto out in real time.
type Publisher interface {
	// Publish returns the number of frames written. A decode failure must be
	// reported before any frame is written.
	Publish(ctx context.Context, clip tts.Audio, out audio.FrameWriter) (int, error)
}

// Job is one utterance to answer.
type Job struct {
	// UserID is the asking participant.
	UserID string

	// Utterance is the closed utterance. The pipeline takes ownership.
	Utterance *segment.Utterance

	// Output is the participant's bot track.
	Output audio.FrameWriter
}

// Result describes a successful run.
type Result struct {
	Transcript string
	Answer     Answer
	Frames     int
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithPublishTimeout bounds playback of one answer. Zero means playback is
// bound only by the run context.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.publishTimeout = d }
}

// Pipeline sequences the stages for one utterance at a time.
type Pipeline struct {
	transcriber    *Transcriber
	retriever      *Retriever
	synthesizer    *Synthesizer
	publisher      Publisher
	metrics        *observe.Metrics
	publishTimeout time.Duration
}

// New creates a Pipeline from its stages.
func New(t *Transcriber, r *Retriever, s *Synthesizer, pub Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		transcriber: t,
		retriever:   r,
		synthesizer: s,
		publisher:   pub,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run executes all stages for job. onStage, if non-nil, is called on the
// calling goroutine right before each stage starts.
//
// The returned error is always a [*StageError] naming the failed stage and
// the utterance. A cancelled ctx fails the stage that was running.
func (p *Pipeline) Run(ctx context.Context, job Job, onStage func(Stage)) (Result, error) {
	uttID := job.Utterance.ID
	ctx = observe.WithUtterance(ctx, job.UserID, uttID)
	ctx, span := observe.StartSpan(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.Int64("utterance.audio_ms", job.Utterance.Duration().Milliseconds()),
			attribute.Bool("utterance.forced", job.Utterance.Forced),
		),
	)
	defer span.End()
	start := time.Now()
	log := observe.Logger(ctx)

	var res Result
	fail := func(stage Stage, err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage.String())
		return res, stageError(stage, uttID, err)
	}

	// ─── Transcribe ──────────────────────────────────────────────────────────

	err := p.stage(ctx, StageTranscribe, onStage, func(ctx context.Context) error {
		tr, err := p.transcriber.Transcribe(ctx, job.Utterance)
		res.Transcript = tr.Text
		return err
	})
	if err != nil {
		return fail(StageTranscribe, err)
	}
	log.Info("pipeline: transcribed", "text", res.Transcript)

	// ─── Answer ──────────────────────────────────────────────────────────────

	err = p.stage(ctx, StageAnswer, onStage, func(ctx context.Context) error {
		ans, err := p.retriever.Retrieve(ctx, job.UserID, res.Transcript)
		res.Answer = ans
		return err
	})
	if err != nil {
		return fail(StageAnswer, err)
	}
	log.Info("pipeline: answer received",
		"runes", len([]rune(res.Answer.Text)),
		"sources", res.Answer.Sources,
		"fallback", res.Answer.Fallback,
		"truncated", res.Answer.Truncated,
	)

	// ─── Synthesize ──────────────────────────────────────────────────────────

	var clip tts.Audio
	err = p.stage(ctx, StageSynthesize, onStage, func(ctx context.Context) error {
		var err error
		clip, err = p.synthesizer.Synthesize(ctx, uttID, res.Answer.Text)
		return err
	})
	if err != nil {
		return fail(StageSynthesize, err)
	}
	log.Debug("pipeline: synthesized", "bytes", len(clip.Data), "content_type", clip.ContentType)

	// ─── Publish ─────────────────────────────────────────────────────────────

	p.metrics.ResponseLatency.Record(ctx, time.Since(start).Seconds())
	err = p.stage(ctx, StagePublish, onStage, func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, p.publishTimeout)
		defer cancel()
		n, err := p.publisher.Publish(ctx, clip, job.Output)
		res.Frames = n
		return err
	})
	if err != nil {
		return fail(StagePublish, err)
	}
	log.Info("pipeline: answer spoken", "frames", res.Frames, "elapsed", time.Since(start))
	return res, nil
}

// stage runs fn inside a child span and records its latency and outcome.
func (p *Pipeline) stage(ctx context.Context, s Stage, onStage func(Stage), fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if onStage != nil {
		onStage(s)
	}
	ctx, span := observe.StartSpan(ctx, "pipeline."+s.String())
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.RecordStage(ctx, s.String(), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordStageFailure(ctx, s.String())
	}
	return err
}
