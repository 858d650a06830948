package usecase

import (
	"sync"

	"livelens/internal/domain"
)

// sessionGuard serializes access to one session's state and records whether
// the session is still live. Late provider results check Alive before publishing.
type sessionGuard struct {
	mu     sync.Mutex
	state  *SessionState
	closed bool
}

func newSessionGuard(state *SessionState) *sessionGuard {
	return &sessionGuard{state: state}
}

// With runs fn under the state lock. It is a no-op once the session is closed.
func (g *sessionGuard) With(fn func(state *SessionState)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	fn(g.state)
	return true
}

func (g *sessionGuard) Alive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed
}

func (g *sessionGuard) Close(status domain.SessionStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.state.SetStatus(status)
}

func (g *sessionGuard) status() domain.SessionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Status
}
