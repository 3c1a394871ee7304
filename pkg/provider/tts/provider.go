// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns the complete answer text into one encoded audio blob
// (MP3 or WAV). Decoding and timed playback happen downstream, so providers
// only deal with bytes and a content type.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request is one synthesis request.
type Request struct {
	// ID correlates the request with the utterance it answers. Optional.
	ID string

	// Text is the text to speak. Must be non-empty.
	Text string

	// Language is the synthesis language code (e.g., "bn"). Empty lets the
	// provider apply its default.
	Language string
}

// Audio is a synthesised, still-encoded audio blob.
type Audio struct {
	// Data is the encoded audio.
	Data []byte

	// ContentType is the media type reported by the backend, such as
	// "audio/mpeg" or "audio/wav". May be empty when unknown.
	ContentType string

	// Text is the text the audio speaks.
	Text string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize speaks req.Text and returns the complete encoded audio.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}
