// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: tts.Audio{Data: mp3, ContentType: "audio/mpeg"}}
//	a, _ := p.Synthesize(ctx, tts.Request{Text: "hi"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every successful Synthesize call. Its Text field is
	// replaced with the requested text.
	Result tts.Audio

	// Err, if non-nil, is returned by Synthesize.
	Err error

	// Calls records every request in order.
	Calls []tts.Request
}

// Synthesize records the call and returns Result, Err.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if err := ctx.Err(); err != nil {
		return tts.Audio{}, err
	}
	if p.Err != nil {
		return tts.Audio{}, p.Err
	}
	a := p.Result
	a.Text = req.Text
	return a, nil
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Requests returns a copy of the recorded requests.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.Calls...)
}

var _ tts.Provider = (*Provider)(nil)
