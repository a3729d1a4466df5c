// Package history keeps per-session conversation turns in memory.
package history

import (
	"context"
	"sync"

	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/turn"
)

// Store is an in-memory turn.HistoryProvider and turn.HistoryRecorder.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]turn.Message
	maxTurns int
	strict   bool
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMessages keeps at most n messages per session (0 = unbounded).
func WithMaxMessages(n int) Option {
	return func(s *Store) { s.maxTurns = n }
}

// Strict makes History fail with SESSION_NOT_FOUND for sessions that were
// never created through Ensure or Record.
func Strict() Option {
	return func(s *Store) { s.strict = true }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{sessions: make(map[string][]turn.Message)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure creates an empty history for sessionID if none exists.
func (s *Store) Ensure(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = nil
	}
}

// History returns a copy of the session's messages.
func (s *Store) History(_ context.Context, sessionID string) ([]turn.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.sessions[sessionID]
	if !ok && s.strict {
		return nil, errors.SessionNotFound(sessionID)
	}
	return append([]turn.Message(nil), msgs...), nil
}

// Record appends messages and trims to the configured cap.
func (s *Store) Record(_ context.Context, sessionID string, msgs ...turn.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append(s.sessions[sessionID], msgs...)
	if s.maxTurns > 0 && len(all) > s.maxTurns {
		all = append([]turn.Message(nil), all[len(all)-s.maxTurns:]...)
	}
	s.sessions[sessionID] = all
	return nil
}

// Sessions returns the ids of all known sessions.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
