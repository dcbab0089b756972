package agent

import (
	"sync"
	"time"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
)

// Registry owns the sessions of a process, keyed by session key. Sessions are
// created on first use and live until EvictIdle drops them.
type Registry struct {
	scopePerSession bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. With scopePerSession false every
// session shares one pair of memory partitions.
func NewRegistry(scopePerSession bool) *Registry {
	return &Registry{
		scopePerSession: scopePerSession,
		sessions:        make(map[string]*Session),
	}
}

// Session returns the session for (channel, conversationID), creating it if
// needed.
func (r *Registry) Session(channel, conversationID string) (*Session, error) {
	key, err := ResolveSessionKey(channel, conversationID)
	if err != nil {
		return nil, err
	}
	return r.Get(key), nil
}

// Get returns the session stored under key, creating it if needed.
func (r *Registry) Get(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if s, ok := r.sessions[key]; ok {
		s.lastUsed = now
		return s
	}
	scope := ""
	if r.scopePerSession {
		scope = key
	}
	s := newSession(key, scope)
	s.lastUsed = now
	r.sessions[key] = s
	logger.DebugCF("agent", "Session created", map[string]interface{}{
		"session_key": key,
		"sessions":    len(r.sessions),
	})
	return s
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle drops sessions not fetched within idle and returns how many went.
// A session mid-turn is kept even when idle.
func (r *Registry) EvictIdle(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	evicted := 0
	for key, s := range r.sessions {
		if s.lastUsed.After(cutoff) || !s.turn.TryLock() {
			continue
		}
		delete(r.sessions, key)
		s.turn.Unlock()
		evicted++
	}
	if evicted > 0 {
		logger.DebugCF("agent", "Idle sessions evicted", map[string]interface{}{
			"evicted":  evicted,
			"sessions": len(r.sessions),
		})
	}
	return evicted
}
