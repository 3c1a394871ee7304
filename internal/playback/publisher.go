// Package playback plays synthesized answers onto a participant's bot track.
//
// A clip is decoded in full, converted to the track format and cut into
// fixed-duration frames. Frames are then written by a ticker-paced loop, one
// per frame duration, so the transport receives audio at real-time rate. A
// clip that cannot be decoded produces no frames at all.
package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// DefaultFrameDuration is the length of one published frame.
const DefaultFrameDuration = 20 * time.Millisecond

// Option configures a [Publisher].
type Option func(*Publisher)

// WithFrameDuration sets the published frame length. Defaults to
// [DefaultFrameDuration].
func WithFrameDuration(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.frameDur = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// Publisher decodes clips and writes them to a [audio.FrameWriter] in real
// time. It is stateless between calls and safe for concurrent use; callers
// must not publish two clips onto the same track at once.
type Publisher struct {
	format   audio.Format
	frameDur time.Duration
	metrics  *observe.Metrics
}

// New creates a Publisher emitting frames in format, typically the
// transport's 48 kHz mono.
func New(format audio.Format, opts ...Option) *Publisher {
	p := &Publisher{format: format, frameDur: DefaultFrameDuration}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Format returns the format of published frames.
func (p *Publisher) Format() audio.Format { return p.format }

// Frames decodes clip and returns it cut into publishable frames, the last
// one zero-padded.
func (p *Publisher) Frames(clip tts.Audio) ([]audio.AudioFrame, error) {
	pcm, src, err := Decode(clip.Data)
	if err != nil {
		return nil, err
	}
	if src != p.format {
		pcm = audio.ConvertPCM(pcm, src, p.format)
	}
	frames := audio.SplitFrames(pcm, p.format, p.frameDur)
	if len(frames) == 0 {
		return nil, ErrNoAudio
	}
	return frames, nil
}

// Publish decodes clip and plays it onto out, returning the number of frames
// written. It blocks for the playback duration of the clip. Decode failures
// are returned before anything is written.
func (p *Publisher) Publish(ctx context.Context, clip tts.Audio, out audio.FrameWriter) (int, error) {
	frames, err := p.Frames(clip)
	if err != nil {
		return 0, err
	}
	return p.play(ctx, frames, out)
}

func (p *Publisher) play(ctx context.Context, frames []audio.AudioFrame, out audio.FrameWriter) (int, error) {
	ticker := time.NewTicker(p.frameDur)
	defer ticker.Stop()

	for i, f := range frames {
		if i > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := out.WriteFrame(ctx, f); err != nil {
			return i, fmt.Errorf("playback: write frame %d of %d: %w", i+1, len(frames), err)
		}
		p.metrics.PublishedFrames.Add(ctx, 1)
	}
	return len(frames), nil
}
