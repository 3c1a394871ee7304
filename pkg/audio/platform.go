// Package audio defines the transport-facing types of voxbridge: PCM frames,
// the [Platform] / [Connection] abstraction over a real-time room, and the
// PCM helpers (format conversion, fixed-size framing, WAV) used on both the
// ingestion and the playback path.
//
// The two primary abstractions are:
//
//   - [Platform] joins a room under the bot identity and returns a [Connection].
//   - [Connection] is the joined room: per-participant input streams, one
//     outgoing [FrameWriter] per participant, and lifecycle events.
//
// Implementations live in adapter packages (audio/webrtc) and in audio/mock
// for tests.
package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by [FrameWriter.WriteFrame] once the participant or
// the whole connection is gone.
var ErrClosed = errors.New("audio: connection closed")

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the room.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the room or its media
	// path is lost.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change.
// Callbacks registered via [Connection.OnParticipantChange] receive values of this type.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the participant identity inside the room.
	UserID string

	// Username is the human-readable display name of the participant.
	Username string

	// Err is set on an [EventLeave] caused by a transport failure rather than
	// an orderly leave.
	Err error
}

// FrameWriter publishes PCM frames onto one outgoing audio track.
//
// WriteFrame hands the frame to the transport and returns without waiting for
// it to be played; pacing is the caller's job. Implementations must be safe for
// concurrent use but a single track is expected to have a single writer.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame AudioFrame) error
}

// Connection represents the bot's presence in one room.
//
// A Connection is obtained from [Platform.Connect] and remains valid until
// [Connection.Disconnect] is called. Implementations must be safe for
// concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-participant audio
	// channels keyed by participant identity. A participant's channel is closed
	// when it leaves. Callers should call InputStreams again after an
	// [EventJoin] to pick up the new channel.
	InputStreams() map[string]<-chan AudioFrame

	// Output returns the writer for the bot track published towards the given
	// participant. It returns an error if the participant is unknown.
	Output(userID string) (FrameWriter, error)

	// OnParticipantChange registers cb as the participant lifecycle callback.
	// Only one callback may be registered; later calls replace it. The callback
	// runs on an internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect leaves the room and closes all input channels. It is safe to
	// call more than once; later calls return nil.
	Disconnect() error
}

// Platform is the entry point for a real-time audio transport.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins room under identity and returns the live [Connection]. ctx
	// governs only the join attempt.
	Connect(ctx context.Context, room, identity string) (Connection, error)
}
