package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voxbridge/internal/segment"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

// Transcriber turns a closed utterance into text through an [stt.Provider].
type Transcriber struct {
	provider stt.Provider
	language string
	timeout  time.Duration
}

// NewTranscriber creates a Transcriber. A zero timeout leaves the call bound
// only by ctx.
func NewTranscriber(p stt.Provider, language string, timeout time.Duration) *Transcriber {
	return &Transcriber{provider: p, language: language, timeout: timeout}
}

// Transcribe sends the utterance audio for recognition. A blank result is
// reported as [ErrEmptyTranscript]; there is nothing to ask.
func (t *Transcriber) Transcribe(ctx context.Context, u *segment.Utterance) (stt.Transcript, error) {
	if len(u.Frames) == 0 {
		return stt.Transcript{}, ErrEmptyTranscript
	}
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	tr, err := t.provider.Transcribe(ctx, stt.Request{
		ID:       u.ID,
		PCM:      u.PCM(),
		Format:   u.Format(),
		Language: t.language,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("transcribe %s of audio: %w", u.Duration(), err)
	}
	tr.Text = strings.TrimSpace(tr.Text)
	if tr.Text == "" {
		return stt.Transcript{}, ErrEmptyTranscript
	}
	return tr, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
