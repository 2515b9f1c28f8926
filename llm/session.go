package llm

import (
	"sync"
	"time"
)

// DefaultSessionTTL bounds how long a conversation token is retained.
const DefaultSessionTTL = 30 * time.Minute

// SessionStore keeps per-correlation affinity tokens, so every LLM call
// in a multi-step workflow prefers the model that served its first call.
// Entries expire after the TTL; expired entries are dropped lazily on
// access.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]sessionEntry
}

type sessionEntry struct {
	token     string
	expiresAt time.Time
}

// NewSessionStore creates a store with the given TTL; zero selects the
// default.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[string]sessionEntry),
	}
}

// Put stores the token under the correlation id, resetting its TTL.
func (s *SessionStore) Put(correlationID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[correlationID] = sessionEntry{
		token:     token,
		expiresAt: time.Now().Add(s.ttl),
	}
}

// Get returns the token for the correlation id, if present and unexpired.
func (s *SessionStore) Get(correlationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[correlationID]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.sessions, correlationID)
		return "", false
	}
	return e.token, true
}

// Delete removes the session for the correlation id.
func (s *SessionStore) Delete(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, correlationID)
}

// Sweep drops every expired session and returns the count removed.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range s.sessions {
		if now.After(e.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
