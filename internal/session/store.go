package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the registry of live sessions, keyed by id. It replaces any
// ambient global registry: the manager owns one and passes it by handle.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Put registers a session. Replacing an existing id is an error.
func (st *Store) Put(s *Session) error {
	if s == nil {
		return fmt.Errorf("session: cannot store nil session")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[s.ID()]; exists {
		return fmt.Errorf("session: duplicate id %s", s.ID())
	}
	st.sessions[s.ID()] = s
	return nil
}

// Get returns the session for id, or false.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes the session for id.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// IDs returns the registered session ids, sorted.
func (st *Store) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Purge removes terminal sessions whose last update is older than maxAge and
// returns how many were dropped. Running sessions are never purged.
func (st *Store) Purge(maxAge time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := st.now().Add(-maxAge)
	dropped := 0
	for id, s := range st.sessions {
		if !s.Done() {
			continue
		}
		if s.Snapshot().UpdatedAt.Before(cutoff) {
			delete(st.sessions, id)
			dropped++
		}
	}
	return dropped
}
