package webrtc

import (
	"context"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// PeerTransport abstracts one WebRTC peer connection carrying a single
// bidirectional audio track. The production implementation is backed by
// pion/webrtc (see newPionTransport); tests substitute an in-memory fake.
type PeerTransport interface {
	// Answer applies the remote SDP offer and returns the local SDP answer once
	// ICE gathering has completed.
	Answer(ctx context.Context, sdpOffer string) (sdpAnswer string, err error)

	// AddICECandidate adds a trickled remote ICE candidate (JSON-encoded
	// RTCIceCandidateInit).
	AddICECandidate(candidate string) error

	// AudioInput delivers decoded PCM frames received from the peer. The
	// channel is closed when the peer's track ends or the transport closes.
	AudioInput() <-chan audio.AudioFrame

	// SendAudio encodes one PCM frame and writes it to the bot track.
	SendAudio(frame audio.AudioFrame) error

	// Done is closed when the media path failed or the transport was closed.
	Done() <-chan struct{}

	// Err reports why Done was closed; nil after an orderly Close.
	Err() error

	// Close tears down the peer connection. Safe to call more than once.
	Close() error
}

// transportConfig carries the per-room settings a transport needs.
type transportConfig struct {
	stunServers []string
	format      audio.Format
	identity    string
}
