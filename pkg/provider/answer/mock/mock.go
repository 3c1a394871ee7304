// Package mock provides a test double for the answer package interfaces.
//
// Provider replays a fixed list of chunks for every query, optionally pausing
// between chunks, and records every query and session clear.
//
// Example:
//
//	p := &mock.Provider{Chunks: mock.Text("Hello, ", "world")}
//	ch, _ := p.Stream(ctx, answer.Query{UserID: "u", Text: "hi"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/answer"
)

// Provider is a mock implementation of answer.Provider and
// answer.SessionClearer.
type Provider struct {
	mu sync.Mutex

	// Chunks is replayed in order for every Stream call.
	Chunks []answer.Chunk

	// Delay is the pause before each chunk is sent.
	Delay time.Duration

	// StreamErr, if non-nil, is returned by Stream.
	StreamErr error

	// ClearErr, if non-nil, is returned by ClearSession.
	ClearErr error

	// Queries records every Stream call in order.
	Queries []answer.Query

	// Cleared records the user IDs passed to ClearSession.
	Cleared []string
}

// Text builds answer chunks from text fragments.
func Text(fragments ...string) []answer.Chunk {
	out := make([]answer.Chunk, len(fragments))
	for i, f := range fragments {
		out[i] = answer.Chunk{Text: f}
	}
	return out
}

// Stream records q and replays Chunks on a new channel.
func (p *Provider) Stream(ctx context.Context, q answer.Query) (<-chan answer.Chunk, error) {
	p.mu.Lock()
	p.Queries = append(p.Queries, q)
	chunks := append([]answer.Chunk(nil), p.Chunks...)
	delay, err := p.Delay, p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	ch := make(chan answer.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ClearSession records userID and returns ClearErr.
func (p *Provider) ClearSession(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cleared = append(p.Cleared, userID)
	return p.ClearErr
}

// QueryCount returns the number of Stream calls so far.
func (p *Provider) QueryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Queries)
}

// ClearedUsers returns a copy of the cleared user IDs.
func (p *Provider) ClearedUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Cleared...)
}

var (
	_ answer.Provider       = (*Provider)(nil)
	_ answer.SessionClearer = (*Provider)(nil)
)
