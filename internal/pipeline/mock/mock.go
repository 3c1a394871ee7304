// Package mock provides a test double for [pipeline.Publisher].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/internal/pipeline"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// Publisher records every clip it is asked to play.
type Publisher struct {
	mu sync.Mutex

	// Frames is the frame count reported by every successful Publish call.
	Frames int

	// Err, if non-nil, is returned by Publish.
	Err error

	// Block, if non-nil, makes Publish wait until it is closed or the context
	// is cancelled, simulating playback time.
	Block chan struct{}

	// Clips records every clip in order.
	Clips []tts.Audio

	// Started, if non-nil, receives one value per Publish call before it
	// blocks. Sends never block.
	Started chan struct{}
}

// Publish records clip and returns Frames, Err.
func (p *Publisher) Publish(ctx context.Context, clip tts.Audio, _ audio.FrameWriter) (int, error) {
	p.mu.Lock()
	p.Clips = append(p.Clips, clip)
	block, started := p.Block, p.Started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return 0, p.Err
	}
	return p.Frames, nil
}

// CallCount returns the number of Publish calls so far.
func (p *Publisher) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Clips)
}

// Texts returns the text of every published clip in order.
func (p *Publisher) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Clips))
	for i, c := range p.Clips {
		out[i] = c.Text
	}
	return out
}

var _ pipeline.Publisher = (*Publisher)(nil)
