package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/fanout/pkg/agent"
)

// sessionTable holds the executor's in-flight and finished sessions. It is
// private to one executor and never shared with the query controller.
type sessionTable struct {
	mu      sync.RWMutex
	active  map[string]*ForkedSession
	history map[string]*ForkedSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		active:  make(map[string]*ForkedSession),
		history: make(map[string]*ForkedSession),
	}
}

// begin adds a session and returns the number of active sessions
func (t *sessionTable) begin(s *ForkedSession) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[s.SessionID] = s
	return len(t.active)
}

func (t *sessionTable) setHandle(sessionID string, handle agent.SessionHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.active[sessionID]; ok {
		s.Handle = handle
	}
}

func (t *sessionTable) appendMessage(sessionID string, msg agent.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.active[sessionID]; ok {
		s.Messages = append(s.Messages, msg)
	}
}

// complete moves a session to history with its terminal status. ok is false
// when the session was already finished.
func (t *sessionTable) complete(sessionID string, err error) (final ForkedSession, active int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, found := t.active[sessionID]
	if !found {
		if h, inHistory := t.history[sessionID]; inHistory {
			return h.snapshot(), len(t.active), false
		}
		return ForkedSession{SessionID: sessionID}, len(t.active), false
	}

	now := time.Now()
	s.EndTime = &now
	s.Err = err
	if err != nil {
		s.Status = AgentStatusFailed
	} else {
		s.Status = AgentStatusCompleted
	}

	delete(t.active, sessionID)
	t.history[sessionID] = s
	return s.snapshot(), len(t.active), true
}

func snapshots(m map[string]*ForkedSession) []ForkedSession {
	out := make([]ForkedSession, 0, len(m))
	for _, s := range m {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// ActiveSessions returns copies of the sessions currently being drained
func (p *ParallelExecutor) ActiveSessions() []ForkedSession {
	p.sessions.mu.RLock()
	defer p.sessions.mu.RUnlock()
	return snapshots(p.sessions.active)
}

// SessionHistory returns copies of every finished session
func (p *ParallelExecutor) SessionHistory() []ForkedSession {
	p.sessions.mu.RLock()
	defer p.sessions.mu.RUnlock()
	return snapshots(p.sessions.history)
}

// Session returns a copy of one session, active or finished
func (p *ParallelExecutor) Session(sessionID string) (ForkedSession, bool) {
	p.sessions.mu.RLock()
	defer p.sessions.mu.RUnlock()

	if s, ok := p.sessions.active[sessionID]; ok {
		return s.snapshot(), true
	}
	if s, ok := p.sessions.history[sessionID]; ok {
		return s.snapshot(), true
	}
	return ForkedSession{}, false
}

// ClearHistory forgets finished sessions and returns how many were dropped
func (p *ParallelExecutor) ClearHistory() int {
	p.sessions.mu.Lock()
	defer p.sessions.mu.Unlock()

	n := len(p.sessions.history)
	p.sessions.history = make(map[string]*ForkedSession)
	return n
}
