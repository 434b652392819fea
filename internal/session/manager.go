package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
)

const (
	defaultHistoryCap = 40
	defaultIdleTTL    = 2 * time.Hour
)

// Session is the mutable per-conversation state. It is only reachable
// through a checked-out Handle, so its fields need no locking of their own.
type Session struct {
	ConversationID string
	history        []domain.Message
	modes          map[string]bool
	requests       int64
}

// entry wraps a session with its exclusivity lock and eviction bookkeeping.
// checkedOut and waiters are guarded by the manager's structural mutex.
type entry struct {
	mu         sync.Mutex
	sess       *Session
	lastUsed   time.Time
	checkedOut bool
	waiters    int
}

// Manager owns all conversation sessions. Sessions are created lazily on
// first Acquire and evicted after the idle TTL. The internal map mutex is
// scoped to structural changes only; history mutation is serialized by the
// per-conversation lock instead.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*entry
	historyCap int
	idleTTL    time.Duration
	logger     *slog.Logger
}

func NewManager(historyCap int, idleTTL time.Duration, logger *slog.Logger) *Manager {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:   make(map[string]*entry),
		historyCap: historyCap,
		idleTTL:    idleTTL,
		logger:     logger,
	}
}

// Acquire checks out the session for the given conversation, creating it if
// needed. It blocks while another handler holds the same conversation's
// handle, so two in-flight events for one conversation never interleave.
// The caller must Release the returned handle.
func (m *Manager) Acquire(conversationID string) *Handle {
	m.mu.Lock()
	e, ok := m.sessions[conversationID]
	if !ok {
		e = &entry{sess: &Session{
			ConversationID: conversationID,
			modes:          make(map[string]bool),
		}}
		m.sessions[conversationID] = e
		m.logger.Debug("session created", "conversation", conversationID)
	}
	e.waiters++
	m.mu.Unlock()

	e.mu.Lock()

	m.mu.Lock()
	e.waiters--
	e.checkedOut = true
	e.lastUsed = time.Now()
	m.mu.Unlock()

	return &Handle{m: m, e: e}
}

// EvictIdle removes sessions untouched since olderThan. A session that is
// checked out, or that has a handler waiting on it, is never evicted.
// Returns the number of sessions removed.
func (m *Manager) EvictIdle(olderThan time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.sessions {
		if e.checkedOut || e.waiters > 0 {
			continue
		}
		if e.lastUsed.Before(olderThan) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("idle sessions evicted", "count", removed)
	}
	return removed
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run ticks the idle janitor until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(time.Now().Add(-m.idleTTL))
		}
	}
}

// Handle is a scoped checkout of one conversation's session. All mutation
// goes through it; it is not safe to use after Release.
type Handle struct {
	m        *Manager
	e        *entry
	released bool
}

// ConversationID identifies the checked-out session.
func (h *Handle) ConversationID() string { return h.e.sess.ConversationID }

// Append adds a history turn, trimming the oldest entries to the cap.
func (h *Handle) Append(role, text string) {
	s := h.e.sess
	s.history = append(s.history, domain.Message{Role: role, Text: text})
	if over := len(s.history) - h.m.historyCap; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// History returns a copy of the session history, oldest first.
func (h *Handle) History() []domain.Message {
	s := h.e.sess
	out := make([]domain.Message, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryLen returns the current history length.
func (h *Handle) HistoryLen() int { return len(h.e.sess.history) }

// Clear drops the session history.
func (h *Handle) Clear() { h.e.sess.history = nil }

// SetMode toggles a named mode flag on the session.
func (h *Handle) SetMode(name string, on bool) { h.e.sess.modes[name] = on }

// Mode reports a named mode flag.
func (h *Handle) Mode(name string) bool { return h.e.sess.modes[name] }

// CountRequest bumps the session request counter and returns the new total.
func (h *Handle) CountRequest() int64 {
	h.e.sess.requests++
	return h.e.sess.requests
}

// Release returns the session to the manager. Safe to call once.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true

	h.m.mu.Lock()
	h.e.checkedOut = false
	h.e.lastUsed = time.Now()
	h.m.mu.Unlock()

	h.e.mu.Unlock()
}
