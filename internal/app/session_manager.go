package app

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/novaflow/internal/turn"
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// ChatID is the chat the session appends to.
	ChatID string

	// StartedAt is when the connection opened the session.
	StartedAt time.Time
}

// SessionManager tracks the turn sessions of live websocket connections.
// Every connection gets its own session; several may share a chat. All
// exported methods are safe for concurrent use.
type SessionManager struct {
	deps turn.Deps
	cfg  turn.Config

	mu     sync.Mutex
	active map[*turn.Session]SessionInfo
	closed bool
}

// NewSessionManager returns a SessionManager that builds sessions from deps
// and cfg.
func NewSessionManager(deps turn.Deps, cfg turn.Config) *SessionManager {
	return &SessionManager{
		deps:   deps,
		cfg:    cfg,
		active: make(map[*turn.Session]SessionInfo),
	}
}

// Open creates a session for chatID that reports to sink. After CloseAll
// the returned session is already closed, so every command fails with
// [turn.ErrClosed].
func (sm *SessionManager) Open(ctx context.Context, chatID string, sink turn.Emitter) *turn.Session {
	s := turn.NewSession(ctx, chatID, sink, sm.deps, sm.cfg)

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		s.Close()
		return s
	}
	sm.active[s] = SessionInfo{SessionID: s.ID(), ChatID: chatID, StartedAt: time.Now().UTC()}
	n := len(sm.active)
	sm.mu.Unlock()

	slog.Debug("session opened", "session_id", s.ID(), "chat_id", chatID, "active", n)
	return s
}

// Release closes s and forgets it. Releasing an unknown session only closes
// it.
func (sm *SessionManager) Release(s *turn.Session) {
	sm.mu.Lock()
	info, ok := sm.active[s]
	delete(sm.active, s)
	sm.mu.Unlock()

	s.Close()
	if ok {
		slog.Debug("session released", "session_id", info.SessionID, "chat_id", info.ChatID,
			"duration", time.Since(info.StartedAt).Round(time.Millisecond))
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// Active returns metadata about every active session, oldest first.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.active))
	for _, info := range sm.active {
		out = append(out, info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// CloseAll closes every active session concurrently and refuses new ones.
// It returns ctx.Err() if the sessions have not finished by the time ctx is
// done; they keep closing in the background.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]*turn.Session, 0, len(sm.active))
	for s := range sm.active {
		sessions = append(sessions, s)
	}
	clear(sm.active)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if len(sessions) > 0 {
			slog.Info("closed active sessions", "count", len(sessions))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
