// Package webrtc provides an [audio.Platform] backed by pion/webrtc. It lets
// browser participants join the bot's room without any third-party media
// server: every participant is one peer connection carrying the participant's
// microphone track inbound and a dedicated bot track outbound.
//
// Peers join through the [SignalingServer] HTTP/WebSocket endpoints. Audio is
// Opus on the wire and 48 kHz PCM towards the rest of the application.
package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Compile-time interface assertions.
var _ audio.Platform = (*Platform)(nil)
var _ audio.Connection = (*Connection)(nil)

// Option configures a [Platform].
type Option func(*Platform)

// WithSTUNServers sets the STUN server URLs used during ICE negotiation.
// Defaults to ["stun:stun.l.google.com:19302"].
func WithSTUNServers(servers ...string) Option {
	return func(p *Platform) {
		p.stunServers = servers
	}
}

// WithChannels selects mono (1) or stereo (2) PCM on the application side.
// Defaults to 1.
func WithChannels(n int) Option {
	return func(p *Platform) {
		if n == 1 || n == 2 {
			p.channels = n
		}
	}
}

// Platform implements [audio.Platform] using WebRTC. A room is created on the
// first Connect for its name; later Connect calls for the same room return the
// same [Connection] so the signaling server and the application share it.
//
// Platform is safe for concurrent use.
type Platform struct {
	stunServers []string
	channels    int

	mu    sync.Mutex
	rooms map[string]*Connection

	newTransport func(cfg transportConfig) (PeerTransport, error)
}

// New creates a WebRTC Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		stunServers:  []string{"stun:stun.l.google.com:19302"},
		channels:     1,
		rooms:        make(map[string]*Connection),
		newTransport: newPionTransport,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Format is the PCM format delivered by input streams and expected on output.
func (p *Platform) Format() audio.Format {
	return audio.Format{SampleRate: opusSampleRate, Channels: p.channels}
}

// Connect returns the [Connection] for room, creating it under identity on
// first use. A room that was disconnected is replaced by a fresh one.
func (p *Platform) Connect(ctx context.Context, room, identity string) (audio.Connection, error) {
	return p.room(ctx, room, identity)
}

// Room returns the live connection for room, if any.
func (p *Platform) Room(room string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.rooms[room]
	if ok && c.isDisconnected() {
		return nil, false
	}
	return c, ok
}

func (p *Platform) room(ctx context.Context, room, identity string) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if room == "" {
		return nil, fmt.Errorf("webrtc: room name must not be empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.rooms[room]; ok && !c.isDisconnected() {
		return c, nil
	}
	c := newConnection(room, identity, p.Format(), p.stunServers)
	c.newTransport = p.newTransport
	p.rooms[room] = c
	return c, nil
}

func (c *Connection) isDisconnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disconnected
}
