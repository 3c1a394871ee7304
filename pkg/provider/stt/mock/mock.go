// Package mock provides test doubles for the stt package interfaces.
//
// Provider returns a fixed Transcript (or error) and records every request,
// so tests can assert what audio reached the recogniser and how often.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "hello"}}
//	t, _ := p.Transcribe(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every successful Transcribe call.
	Result stt.Transcript

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Block, if non-nil, makes Transcribe wait until it is closed or the
	// context is cancelled.
	Block chan struct{}

	// Calls records every request in order.
	Calls []stt.Request
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	req.PCM = append([]byte(nil), req.PCM...)
	p.Calls = append(p.Calls, req)
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return stt.Transcript{}, p.Err
	}
	return p.Result, nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Requests returns a copy of the recorded requests.
func (p *Provider) Requests() []stt.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.Request(nil), p.Calls...)
}

var _ stt.Provider = (*Provider)(nil)
