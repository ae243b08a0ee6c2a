package tracer

import (
	"sync"

	"github.com/agentoven/shopdesk/pkg/models"
)

// sessionBuffer is a thread-safe ring buffer of completed sessions.
type sessionBuffer struct {
	mu       sync.RWMutex
	sessions []*models.TraceSession
	max      int
}

func newSessionBuffer(max int) *sessionBuffer {
	if max <= 0 {
		max = 100
	}
	return &sessionBuffer{
		sessions: make([]*models.TraceSession, 0, max),
		max:      max,
	}
}

// push appends a session and returns the one evicted to make room, if any.
func (b *sessionBuffer) push(s *models.TraceSession) *models.TraceSession {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted *models.TraceSession
	if len(b.sessions) >= b.max {
		evicted = b.sessions[0]
		// drop oldest
		copy(b.sessions, b.sessions[1:])
		b.sessions = b.sessions[:len(b.sessions)-1]
	}
	b.sessions = append(b.sessions, s)
	return evicted
}

// recent returns up to n sessions, newest first. n <= 0 returns all.
func (b *sessionBuffer) recent(n int) []*models.TraceSession {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.sessions)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]*models.TraceSession, 0, n)
	for i := total - 1; i >= total-n; i-- {
		out = append(out, b.sessions[i])
	}
	return out
}

func (b *sessionBuffer) get(id string) (*models.TraceSession, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.sessions) - 1; i >= 0; i-- {
		if b.sessions[i].SessionID == id {
			return b.sessions[i], true
		}
	}
	return nil, false
}

func (b *sessionBuffer) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}
