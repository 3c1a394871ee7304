// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine classifies fixed-size PCM frames as speech or silence. Engines
// hand out one SessionHandle per audio stream so that backends with per-stream
// state (smoothing, ring buffers, connection reuse) can keep streams apart.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is driven by one goroutine: the ingestion loop of the
// participant it was created for.
package vad

import (
	"context"
	"errors"
	"fmt"
)

// ErrFrameSize is returned by ProcessFrame when a frame does not match the
// session's configured frame length.
var ErrFrameSize = errors.New("vad: frame size mismatch")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the mono 16-bit PCM frames
	// passed to ProcessFrame. Typical: 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most VAD
	// models operate on fixed frame sizes (e.g., 10, 20 or 30 ms).
	FrameSizeMs int

	// SpeechThreshold is the score at or above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Zero defers to the backend's own decision.
	SpeechThreshold float64
}

// FrameBytes returns the byte length of one mono 16-bit frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports whether c describes a usable session.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold must be in [0, 1], got %g", c.SpeechThreshold))
	}
	return errors.Join(errs...)
}

// Verdict is the classification of a single frame.
type Verdict struct {
	// Speech is true when the frame contains voice.
	Speech bool

	// Score is the backend's speech probability (0.0–1.0).
	Score float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies one frame of raw little-endian PCM at the
	// SampleRate and FrameSizeMs the session was created with. Returns
	// [ErrFrameSize] for a wrongly sized frame.
	ProcessFrame(ctx context.Context, frame []byte) (Verdict, error)

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
