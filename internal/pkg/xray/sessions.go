package xray

import (
	"sync"
	"time"

	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
)

// SessionKeyPair holds the directional keys recovered for one handshake.
type SessionKeyPair = primitives.SessionKeys

// Side says which ephemeral key a candidate secret matched.
type Side int

const (
	SideInitiator Side = iota + 1
	SideResponder
)

func (s Side) String() string {
	switch s {
	case SideInitiator:
		return "initiator"
	case SideResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// SessionInfo describes a stored pair without exposing key material.
type SessionInfo struct {
	CorrelationID string    `json:"correlation_id"`
	Side          string    `json:"side"`
	Candidate     string    `json:"candidate"`
	DerivedAt     time.Time `json:"derived_at"`
}

type sessionEntry struct {
	keys      SessionKeyPair
	side      Side
	candidate string
	derivedAt time.Time
}

// SessionStore maps correlation ids to recovered key pairs. Iteration follows
// first insertion; overwriting a pair keeps its position.
type SessionStore struct {
	mu    sync.RWMutex
	pairs map[string]*sessionEntry
	order []string

	totalStored      uint64
	totalOverwritten uint64
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		pairs: make(map[string]*sessionEntry),
	}
}

// Put stores keys under id, replacing any earlier pair. Returns true when id
// was not present before.
func (s *SessionStore) Put(id string, keys SessionKeyPair, side Side, candidate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalStored++
	entry := &sessionEntry{
		keys:      keys,
		side:      side,
		candidate: candidate,
		derivedAt: time.Now(),
	}

	if _, exists := s.pairs[id]; exists {
		s.pairs[id] = entry
		s.totalOverwritten++
		return false
	}

	s.pairs[id] = entry
	s.order = append(s.order, id)
	return true
}

// Get returns the pair stored for id.
func (s *SessionStore) Get(id string) (SessionKeyPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.pairs[id]
	if !ok {
		return SessionKeyPair{}, false
	}
	return entry.keys, true
}

// Has checks if a pair exists for id.
func (s *SessionStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pairs[id]
	return ok
}

// Delete removes the pair for id.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pairs[id]; !ok {
		return false
	}
	delete(s.pairs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of stored pairs.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// ForEach calls fn for every pair in store order until fn returns false.
// The store is read-locked for the whole walk; fn must not call back into it.
func (s *SessionStore) ForEach(fn func(id string, keys SessionKeyPair) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		if !fn(id, s.pairs[id].keys) {
			return
		}
	}
}

// Sessions lists stored pairs in store order.
func (s *SessionStore) Sessions() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionInfo, 0, len(s.order))
	for _, id := range s.order {
		e := s.pairs[id]
		out = append(out, SessionInfo{
			CorrelationID: id,
			Side:          e.side.String(),
			Candidate:     e.candidate,
			DerivedAt:     e.derivedAt,
		})
	}
	return out
}

// SessionStoreStats holds store statistics.
type SessionStoreStats struct {
	Sessions         int    `json:"sessions"`
	TotalStored      uint64 `json:"total_stored"`
	TotalOverwritten uint64 `json:"total_overwritten"`
}

// Stats returns store statistics.
func (s *SessionStore) Stats() SessionStoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionStoreStats{
		Sessions:         len(s.pairs),
		TotalStored:      s.totalStored,
		TotalOverwritten: s.totalOverwritten,
	}
}
