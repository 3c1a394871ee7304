package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

const inputChannelBuffer = 64

// ErrPeerNotFound is returned for operations on an unknown participant.
var ErrPeerNotFound = errors.New("webrtc: peer not found")

// peerWriter is the [audio.FrameWriter] for the bot track towards one peer.
// Writes after the peer left fail with [audio.ErrClosed] instead of
// reaching a torn-down transport.
type peerWriter struct {
	p *peer
}

// WriteFrame implements [audio.FrameWriter].
func (w *peerWriter) WriteFrame(ctx context.Context, frame audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.p.closed.Load() {
		return audio.ErrClosed
	}
	if err := w.p.transport.SendAudio(frame); err != nil {
		return fmt.Errorf("webrtc: send to %q: %w", w.p.userID, err)
	}
	return nil
}

// peer holds the runtime state of one connected participant.
type peer struct {
	userID    string
	username  string
	transport PeerTransport
	inputCh   chan audio.AudioFrame
	done      chan struct{} // closed by removePeer/Disconnect to stop readPeerInput
	closed    atomic.Bool
}

// Connection is the bot's presence in one room. Each browser participant is a
// separate WebRTC peer with its own inbound track and its own bot track.
// It implements [audio.Connection].
//
// Connection is safe for concurrent use.
type Connection struct {
	room        string
	identity    string
	format      audio.Format
	stunServers []string

	mu           sync.RWMutex
	peers        map[string]*peer
	onChange     func(audio.Event)
	disconnected bool

	ctx          context.Context
	cancel       context.CancelFunc
	newTransport func(cfg transportConfig) (PeerTransport, error) // injectable for tests
}

func newConnection(room, identity string, format audio.Format, stunServers []string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		room:         room,
		identity:     identity,
		format:       format,
		stunServers:  stunServers,
		peers:        make(map[string]*peer),
		ctx:          ctx,
		cancel:       cancel,
		newTransport: newPionTransport,
	}
}

// Room returns the room name this connection serves.
func (c *Connection) Room() string { return c.room }

// InputStreams returns a consistent snapshot of the per-participant audio
// channels keyed by participant identity.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.peers))
	for id, p := range c.peers {
		snap[id] = p.inputCh
	}
	return snap
}

// Output implements [audio.Connection].
func (c *Connection) Output(userID string) (audio.FrameWriter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %q in room %q", ErrPeerNotFound, userID, c.room)
	}
	return &peerWriter{p: p}, nil
}

// OnParticipantChange registers cb as the participant lifecycle callback.
// The callback is invoked on an internal goroutine.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = cb
}

// Disconnect tears down all peers. Safe to call more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil
	}
	c.disconnected = true
	c.cancel()

	var errs []error
	for userID, p := range c.peers {
		p.closed.Store(true)
		close(p.done)
		if err := p.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.peers, userID)
	}
	return errors.Join(errs...)
}

// AddPeer negotiates a new participant from its SDP offer and returns the SDP
// answer. The participant's input stream appears in [Connection.InputStreams]
// and an [audio.EventJoin] is emitted once negotiation succeeded.
func (c *Connection) AddPeer(ctx context.Context, userID, username, sdpOffer string) (string, error) {
	if userID == c.identity {
		return "", fmt.Errorf("webrtc: %q is the bot identity", userID)
	}
	if err := c.checkAvailable(userID); err != nil {
		return "", err
	}

	transport, err := c.newTransport(transportConfig{
		stunServers: c.stunServers,
		format:      c.format,
		identity:    c.identity,
	})
	if err != nil {
		return "", err
	}
	answer, err := transport.Answer(ctx, sdpOffer)
	if err != nil {
		_ = transport.Close()
		return "", err
	}

	c.mu.Lock()
	if err := c.checkAvailableLocked(userID); err != nil {
		c.mu.Unlock()
		_ = transport.Close()
		return "", err
	}
	p := &peer{
		userID:    userID,
		username:  username,
		transport: transport,
		inputCh:   make(chan audio.AudioFrame, inputChannelBuffer),
		done:      make(chan struct{}),
	}
	c.peers[userID] = p
	cb := c.onChange
	c.mu.Unlock()

	go c.readPeerInput(p)

	slog.Info("webrtc: peer joined", "room", c.room, "user_id", userID)
	if cb != nil {
		go cb(audio.Event{Type: audio.EventJoin, UserID: userID, Username: username})
	}
	return answer, nil
}

// AddICECandidate forwards a trickled ICE candidate to the participant's
// transport.
func (c *Connection) AddICECandidate(userID, candidate string) error {
	c.mu.RLock()
	p, ok := c.peers[userID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q in room %q", ErrPeerNotFound, userID, c.room)
	}
	return p.transport.AddICECandidate(candidate)
}

// RemovePeer disconnects the participant identified by userID.
func (c *Connection) RemovePeer(userID string) error {
	return c.removePeer(userID, nil)
}

func (c *Connection) removePeer(userID string, cause error) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return fmt.Errorf("webrtc: room %q is disconnected", c.room)
	}
	p, ok := c.peers[userID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q in room %q", ErrPeerNotFound, userID, c.room)
	}
	delete(c.peers, userID)
	cb := c.onChange
	c.mu.Unlock()

	p.closed.Store(true)
	close(p.done)
	_ = p.transport.Close()

	slog.Info("webrtc: peer left", "room", c.room, "user_id", userID, "err", cause)
	if cb != nil {
		go cb(audio.Event{Type: audio.EventLeave, UserID: userID, Username: p.username, Err: cause})
	}
	return nil
}

func (c *Connection) checkAvailable(userID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkAvailableLocked(userID)
}

func (c *Connection) checkAvailableLocked(userID string) error {
	if c.disconnected {
		return fmt.Errorf("webrtc: room %q is disconnected", c.room)
	}
	if _, exists := c.peers[userID]; exists {
		return fmt.Errorf("webrtc: peer %q is already connected in room %q", userID, c.room)
	}
	return nil
}

// readPeerInput forwards decoded frames from the transport to the peer's
// input channel. It closes inputCh on exit. A transport failure removes the
// peer with the failure as the leave cause.
func (c *Connection) readPeerInput(p *peer) {
	defer close(p.inputCh)
	audioIn := p.transport.AudioInput()
	for {
		select {
		case <-p.done:
			return
		case <-c.ctx.Done():
			return
		case <-p.transport.Done():
			if err := p.transport.Err(); err != nil {
				go func() { _ = c.removePeer(p.userID, err) }()
			}
			return
		case frame, ok := <-audioIn:
			if !ok {
				return
			}
			select {
			case p.inputCh <- frame:
			case <-p.done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}
}
