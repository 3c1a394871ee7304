package app

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/orchestrator"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/answer"
)

// clearTimeout bounds the answer-service session reset after a leave.
const clearTimeout = 5 * time.Second

// SessionFactory creates the orchestrator session for userID whose bot track
// is out. The session is not yet running.
type SessionFactory func(userID string, out audio.FrameWriter) (*orchestrator.Session, error)

// SessionInfo is a snapshot of one live session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	State     string    `json:"state"`
	Busy      bool      `json:"busy"`
	StartedAt time.Time `json:"started_at"`
}

type managedSession struct {
	session *orchestrator.Session
	started time.Time
}

// SessionManager is the session registry of one room: it creates a
// [orchestrator.Session] when a participant joins, runs it on the
// participant's input stream and tears it down when the participant leaves.
// The bot's own identity never gets a session.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	conn     audio.Connection
	identity string
	factory  SessionFactory
	clearer  answer.SessionClearer

	mu       sync.Mutex
	sessions map[string]*managedSession
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a registry for conn. clearer, if non-nil, resets
// the answer service's conversation for every participant that leaves.
func NewSessionManager(conn audio.Connection, identity string, factory SessionFactory, clearer answer.SessionClearer) *SessionManager {
	return &SessionManager{
		conn:     conn,
		identity: identity,
		factory:  factory,
		clearer:  clearer,
		sessions: make(map[string]*managedSession),
	}
}

// Start subscribes to participant changes and starts a session for every
// participant already in the room. Sessions run until they end on their own,
// their participant leaves, ctx is cancelled or [SessionManager.Stop] is
// called.
func (sm *SessionManager) Start(ctx context.Context) {
	sm.mu.Lock()
	sm.ctx, sm.cancel = context.WithCancel(ctx)
	sm.mu.Unlock()

	sm.conn.OnParticipantChange(sm.handleEvent)
	for userID := range sm.conn.InputStreams() {
		sm.join(userID)
	}
}

// Stop ends every session and waits for them, including pending session
// resets, to finish. No session is created afterwards.
func (sm *SessionManager) Stop() {
	sm.mu.Lock()
	sm.closed = true
	if sm.cancel != nil {
		sm.cancel()
	}
	for _, m := range sm.sessions {
		m.session.Stop(nil)
	}
	sm.mu.Unlock()
	sm.wg.Wait()
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Session returns the live session of userID, if any.
func (sm *SessionManager) Session(userID string) (*orchestrator.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[userID]
	if !ok {
		return nil, false
	}
	return m.session, true
}

// Sessions returns a snapshot of all live sessions ordered by user ID.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, m := range sm.sessions {
		state := m.session.State()
		out = append(out, SessionInfo{
			SessionID: m.session.ID(),
			UserID:    m.session.UserID(),
			State:     state.String(),
			Busy:      state.Busy(),
			StartedAt: m.started,
		})
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

func (sm *SessionManager) handleEvent(ev audio.Event) {
	switch ev.Type {
	case audio.EventJoin:
		sm.join(ev.UserID)
	case audio.EventLeave:
		sm.leave(ev.UserID, ev.Err)
	}
}

func (sm *SessionManager) join(userID string) {
	if userID == sm.identity {
		return
	}
	log := slog.With("user_id", userID)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed || sm.ctx == nil {
		return
	}
	if _, ok := sm.sessions[userID]; ok {
		return
	}
	in, ok := sm.conn.InputStreams()[userID]
	if !ok {
		log.Warn("app: participant joined without an input stream")
		return
	}
	out, err := sm.conn.Output(userID)
	if err != nil {
		log.Warn("app: no output track for participant", "err", err)
		return
	}
	s, err := sm.factory(userID, out)
	if err != nil {
		log.Error("app: failed to create session", "err", err)
		return
	}

	m := &managedSession{session: s, started: time.Now()}
	sm.sessions[userID] = m
	ctx := sm.ctx
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		err := s.Run(ctx, in)
		sm.remove(userID, m)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			log.Debug("app: session finished", "session_id", s.ID())
		default:
			log.Warn("app: session ended with error", "session_id", s.ID(), "err", err)
		}
	}()
}

func (sm *SessionManager) leave(userID string, cause error) {
	sm.mu.Lock()
	m, ok := sm.sessions[userID]
	if ok {
		delete(sm.sessions, userID)
	}
	closed := sm.closed
	if !closed {
		sm.wg.Add(1)
	}
	sm.mu.Unlock()

	if ok {
		m.session.Stop(cause)
	}
	if closed {
		return
	}
	go func() {
		defer sm.wg.Done()
		if ok {
			<-m.session.Done()
		}
		sm.clear(userID)
	}()
}

// remove drops m from the registry unless userID has already been replaced
// by a newer session.
func (sm *SessionManager) remove(userID string, m *managedSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sessions[userID] == m {
		delete(sm.sessions, userID)
	}
}

func (sm *SessionManager) clear(userID string) {
	if sm.clearer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	if err := sm.clearer.ClearSession(ctx, userID); err != nil {
		slog.Warn("app: failed to clear answer session", "user_id", userID, "err", err)
	}
}
