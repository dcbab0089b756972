package agent

import (
	"sync"
	"time"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/cbt"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/memory"
)

// Session is the state of one conversation: its transcript, technique usage
// log and the memory scope its partitions live under.
type Session struct {
	key   string
	scope string

	// lastUsed is guarded by the owning Registry's mutex.
	lastUsed time.Time

	// turn is held for the whole of a turn, including a live stream.
	turn sync.Mutex

	mu         sync.RWMutex
	transcript cbt.Transcript
	usage      *cbt.TechniqueUsageLog
}

func newSession(key, scope string) *Session {
	return &Session{key: key, scope: scope, usage: cbt.NewTechniqueUsageLog()}
}

// NewSession returns a standalone session whose memory partitions are scoped
// to key. An empty key shares the global partitions.
func NewSession(key string) *Session {
	return newSession(key, key)
}

func (s *Session) Key() string { return s.key }

func (s *Session) partition(kind memory.Kind) string {
	return memory.Partition(s.scope, kind)
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []cbt.ChatTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.Turns()
}

// UsageLog returns a copy of the technique usage log.
func (s *Session) UsageLog() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage.Snapshot()
}

func (s *Session) append(role cbt.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.Append(role, content)
}

func (s *Session) window(k int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.Window(k)
}

func (s *Session) transcriptJSON() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.String()
}

func (s *Session) usageLogJSON() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage.String()
}

func (s *Session) recordStage(technique, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Record(technique, stage)
}
