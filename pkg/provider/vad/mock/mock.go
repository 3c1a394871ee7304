// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a script of verdicts, one per frame, and records every
// frame it was asked to classify. Engine hands out a configured Session.
//
// Example:
//
//	sess := mock.Script(false, true, true, false)
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session that classifies everything as silence.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Calls returns a copy of the recorded NewSession calls.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]NewSessionCall(nil), e.NewSessionCalls...)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Verdicts is consumed one entry per ProcessFrame call. Once exhausted,
	// Default is returned.
	Verdicts []vad.Verdict

	// Default is returned when Verdicts is exhausted.
	Default vad.Verdict

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Frames records a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Script returns a Session that answers speech/silence in the given order and
// silence afterwards.
func Script(speech ...bool) *Session {
	s := &Session{Verdicts: make([]vad.Verdict, len(speech))}
	for i, sp := range speech {
		s.Verdicts[i] = verdict(sp)
	}
	return s
}

func verdict(speech bool) vad.Verdict {
	if speech {
		return vad.Verdict{Speech: true, Score: 0.9}
	}
	return vad.Verdict{Speech: false, Score: 0.1}
}

// ProcessFrame records the frame and returns the next scripted verdict.
func (s *Session) ProcessFrame(_ context.Context, frame []byte) (vad.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, append([]byte(nil), frame...))
	if s.ProcessFrameErr != nil {
		return vad.Verdict{}, s.ProcessFrameErr
	}
	if len(s.Verdicts) == 0 {
		return s.Default, nil
	}
	v := s.Verdicts[0]
	s.Verdicts = s.Verdicts[1:]
	return v, nil
}

// FrameCount returns the number of frames processed so far.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

var _ vad.SessionHandle = (*Session)(nil)
