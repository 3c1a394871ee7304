package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// Synthesizer turns answer text into one encoded audio blob through a
// [tts.Provider].
type Synthesizer struct {
	provider tts.Provider
	language string
	timeout  time.Duration
}

// NewSynthesizer creates a Synthesizer. An empty language lets the provider
// apply its default.
func NewSynthesizer(p tts.Provider, language string, timeout time.Duration) *Synthesizer {
	return &Synthesizer{provider: p, language: language, timeout: timeout}
}

// Synthesize speaks text. An empty audio blob is a failure.
func (s *Synthesizer) Synthesize(ctx context.Context, id, text string) (tts.Audio, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	clip, err := s.provider.Synthesize(ctx, tts.Request{ID: id, Text: text, Language: s.language})
	if err != nil {
		return tts.Audio{}, err
	}
	if len(clip.Data) == 0 {
		return tts.Audio{}, errors.New("synthesizer returned no audio")
	}
	if clip.Text == "" {
		clip.Text = text
	}
	return clip, nil
}
