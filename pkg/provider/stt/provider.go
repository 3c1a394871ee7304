// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one complete utterance of PCM audio into text. The
// orchestrator never streams audio into the recogniser: segmentation happens
// upstream, so every call is a single batch request that either yields a
// Transcript or fails.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Request is one batch transcription request.
type Request struct {
	// ID correlates the request with the utterance it transcribes. Optional.
	ID string

	// PCM is 16-bit little-endian audio in Format.
	PCM []byte

	// Format describes PCM.
	Format audio.Format

	// Language is a recognition hint (e.g., "bn", "en"). Empty lets the backend
	// choose.
	Language string
}

// Transcript is the recognised text of one utterance.
type Transcript struct {
	// Text is the transcribed speech, trimmed of surrounding whitespace.
	Text string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises req.PCM and returns the transcript. A successful
	// call may return an empty Text when the backend heard nothing intelligible.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
