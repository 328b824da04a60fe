// Package convo holds short-lived per-user conversation state for the
// inference backend.
package convo

import (
	"sync"
	"time"

	"matterbot/internal/domain"
)

// DefaultExpiration is the idle window after which a user's context is
// treated as stale.
const DefaultExpiration = 4 * time.Minute

type entry struct {
	token    domain.ContextToken
	lastSeen time.Time
}

// Store maps user IDs to inference context tokens with idle expiration.
// Entries are never removed: an expired entry resolves to an empty token
// until the next Update overwrites it, so memory grows with the number of
// distinct users seen during the process lifetime.
type Store struct {
	mu         sync.Mutex
	expiration time.Duration
	enabled    bool
	entries    map[string]entry
}

// NewStore creates a store with the given idle window. A non-positive
// expiration falls back to DefaultExpiration. When enabled is false the
// store resolves every user to an empty token and each message is answered
// without history.
func NewStore(expiration time.Duration, enabled bool) *Store {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	return &Store{
		expiration: expiration,
		enabled:    enabled,
		entries:    make(map[string]entry),
	}
}

func (s *Store) Enabled() bool { return s.enabled }

// Resolve returns the context token for userID, or nil when tracking is
// disabled, the user is new, or the last interaction is older than the
// expiration window. Expiration is evaluated fresh on each call; Resolve
// never mutates an existing entry, so repeated calls without an intervening
// Update are idempotent.
func (s *Store) Resolve(userID string, now time.Time) domain.ContextToken {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		s.entries[userID] = entry{lastSeen: now}
		return nil
	}
	if now.Sub(e.lastSeen) > s.expiration {
		return nil
	}
	return e.token
}

// Update unconditionally overwrites the entry for userID with the new token
// and interaction instant.
func (s *Store) Update(userID string, token domain.ContextToken, now time.Time) {
	s.mu.Lock()
	s.entries[userID] = entry{token: token, lastSeen: now}
	s.mu.Unlock()
}
