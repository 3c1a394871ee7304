// Package mock provides in-memory implementations of [audio.Platform],
// [audio.Connection] and [audio.FrameWriter] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and expose exported fields that
// control return values.
//
// Typical usage:
//
//	in := make(chan audio.AudioFrame, 16)
//	conn := &mock.Connection{
//	    InputStreamsResult: map[string]<-chan audio.AudioFrame{"user-1": in},
//	}
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "room", "bot")
//	w, _ := got.Output("user-1")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ─── Writer ──────────────────────────────────────────────────────────────────

// Writer is a mock [audio.FrameWriter] that records every frame written.
type Writer struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every WriteFrame call and the frame
	// is not recorded.
	WriteErr error

	// OnWrite, if set, is called after a frame has been recorded.
	OnWrite func(audio.AudioFrame)

	frames []audio.AudioFrame
}

// WriteFrame implements [audio.FrameWriter].
func (w *Writer) WriteFrame(_ context.Context, frame audio.AudioFrame) error {
	w.mu.Lock()
	if w.WriteErr != nil {
		err := w.WriteErr
		w.mu.Unlock()
		return err
	}
	w.frames = append(w.frames, frame)
	cb := w.OnWrite
	w.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
	return nil
}

// Frames returns a copy of all recorded frames in write order.
func (w *Writer) Frames() []audio.AudioFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]audio.AudioFrame, len(w.frames))
	copy(out, w.frames)
	return out
}

// Count returns the number of recorded frames.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

var _ audio.FrameWriter = (*Writer)(nil)

// ─── Connection ──────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported Result fields before use; inspect the call counters after.
type Connection struct {
	mu sync.Mutex

	// InputStreamsResult is returned by [Connection.InputStreams].
	// Defaults to an empty (non-nil) map if left nil.
	InputStreamsResult map[string]<-chan audio.AudioFrame

	// Writers maps participant IDs to the writer returned by Output. Output
	// lazily creates a Writer for an unknown participant unless OutputErr is set.
	Writers map[string]*Writer

	// OutputErr is returned by Output when non-nil.
	OutputErr error

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountInputStreams records how many times InputStreams was called.
	CallCountInputStreams int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// OutputCalls records the participant IDs passed to Output.
	OutputCalls []string

	callbacks []func(audio.Event)
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputStreams++
	snap := make(map[string]<-chan audio.AudioFrame, len(c.InputStreamsResult))
	for k, v := range c.InputStreamsResult {
		snap[k] = v
	}
	return snap
}

// SetInput adds or replaces the input stream for userID.
func (c *Connection) SetInput(userID string, ch <-chan audio.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InputStreamsResult == nil {
		c.InputStreamsResult = make(map[string]<-chan audio.AudioFrame)
	}
	c.InputStreamsResult[userID] = ch
}

// Output implements [audio.Connection].
func (c *Connection) Output(userID string) (audio.FrameWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OutputCalls = append(c.OutputCalls, userID)
	if c.OutputErr != nil {
		return nil, c.OutputErr
	}
	if c.Writers == nil {
		c.Writers = make(map[string]*Writer)
	}
	w, ok := c.Writers[userID]
	if !ok {
		w = &Writer{}
		c.Writers[userID] = w
	}
	return w, nil
}

// Writer returns the writer handed out for userID, creating it if needed.
func (c *Connection) Writer(userID string) *Writer {
	w, _ := c.Output(userID)
	mw, _ := w.(*Writer)
	return mw
}

// OnParticipantChange implements [audio.Connection]. To simulate events in
// tests, call [Connection.EmitEvent].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// EmitEvent calls every registered participant-change callback with ev.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.callbacks))
	copy(cbs, c.callbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// Disconnects returns CallCountDisconnect under the lock.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

var _ audio.Connection = (*Connection)(nil)

// ─── Platform ────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	Room     string
	Identity string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, room, identity string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Room: room, Identity: identity})
	return p.ConnectResult, p.ConnectError
}

var _ audio.Platform = (*Platform)(nil)
