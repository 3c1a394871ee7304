// Package answer defines the Provider interface for the external question
// answering service.
//
// An answer provider accepts the transcribed question of one participant and
// streams the answer back as text fragments. Fragments are delivered in the
// order the service produced them; folding them into the final answer is the
// caller's job.
//
// Implementations must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the answer ends or when the
// supplied context is cancelled.
package answer

import "context"

// Query is one question put to the answer service.
type Query struct {
	// UserID identifies the asking participant. The service keys its own
	// conversation state on it.
	UserID string

	// Text is the question, usually a transcript.
	Text string
}

// Chunk is a single event of an answer stream. Exactly one of Text, Final or
// Err is meaningful per chunk.
type Chunk struct {
	// Text is the next fragment of the answer. May be empty.
	Text string

	// Final marks the closing metadata event. Sources lists the references
	// the service cited for the answer.
	Final   bool
	Sources []string

	// Err is set when the stream failed after it was opened. It is always the
	// last chunk sent.
	Err error
}

// Provider is the abstraction over the answer backend.
type Provider interface {
	// Stream sends q to the service and returns a channel of answer chunks.
	// The initial error is non-nil only for failures that prevent the stream
	// from starting (connection refused, non-2xx status). Failures after that
	// are reported as a Chunk with Err set.
	//
	// Callers must drain the channel to avoid goroutine leaks. The returned
	// channel is never nil when error is nil.
	Stream(ctx context.Context, q Query) (<-chan Chunk, error)
}

// SessionClearer is implemented by providers that keep per-user conversation
// state on the service side.
type SessionClearer interface {
	// ClearSession drops the service-side state for userID.
	ClearSession(ctx context.Context, userID string) error
}
