package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxbridge/pkg/provider/answer"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ stt.Provider          = (*STT)(nil)
	_ tts.Provider          = (*TTS)(nil)
	_ answer.Provider       = (*Answer)(nil)
	_ answer.SessionClearer = (*Answer)(nil)
)

// STT is an [stt.Provider] that fails over across breaker-guarded backends.
type STT struct {
	*Group[stt.Provider]
}

// NewSTT creates an [STT] with primary as the preferred backend.
func NewSTT(name string, primary stt.Provider, cfg CircuitBreakerConfig) *STT {
	return &STT{Group: NewGroup(name, primary, cfg)}
}

// Transcribe implements [stt.Provider].
func (s *STT) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	return Do(ctx, s.Group, func(ctx context.Context, p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, req)
	})
}

// TTS is a [tts.Provider] that fails over across breaker-guarded backends.
type TTS struct {
	*Group[tts.Provider]
}

// NewTTS creates a [TTS] with primary as the preferred backend.
func NewTTS(name string, primary tts.Provider, cfg CircuitBreakerConfig) *TTS {
	return &TTS{Group: NewGroup(name, primary, cfg)}
}

// Synthesize implements [tts.Provider].
func (t *TTS) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	return Do(ctx, t.Group, func(ctx context.Context, p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, req)
	})
}

// Answer is an [answer.Provider] guarded by circuit breakers. Failover only
// happens while opening the stream; once chunks flow, the stream's outcome
// is reported to the serving backend's breaker when it ends.
type Answer struct {
	*Group[answer.Provider]
}

// NewAnswer creates an [Answer] with primary as the preferred backend.
func NewAnswer(name string, primary answer.Provider, cfg CircuitBreakerConfig) *Answer {
	return &Answer{Group: NewGroup(name, primary, cfg)}
}

// Stream implements [answer.Provider].
func (a *Answer) Stream(ctx context.Context, q answer.Query) (<-chan answer.Chunk, error) {
	var lastErr error
	for _, e := range a.entries {
		report, err := e.breaker.Allow()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", e.name, err)
			continue
		}
		src, err := e.value.Stream(ctx, q)
		if err != nil {
			report(err)
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = fmt.Errorf("%s: %w", e.name, err)
			continue
		}
		return relay(ctx, src, report), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// relay forwards chunks from src and reports the stream's outcome once src is
// closed.
func relay(ctx context.Context, src <-chan answer.Chunk, report func(error)) <-chan answer.Chunk {
	out := make(chan answer.Chunk)
	go func() {
		defer close(out)
		var streamErr error
		defer func() {
			if streamErr == nil {
				streamErr = ctx.Err()
			}
			report(streamErr)
		}()
		for c := range src {
			if c.Err != nil {
				streamErr = c.Err
			}
			select {
			case out <- c:
			case <-ctx.Done():
				for range src {
				}
				return
			}
		}
	}()
	return out
}

// ClearSession implements [answer.SessionClearer]. Every backend that keeps
// session state is cleared; failures are joined.
func (a *Answer) ClearSession(ctx context.Context, userID string) error {
	var errs []error
	for _, e := range a.entries {
		if c, ok := e.value.(answer.SessionClearer); ok {
			if err := c.ClearSession(ctx, userID); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			}
		}
	}
	return errors.Join(errs...)
}
