package approval

import (
	"encoding/json"
	"strings"
	"sync"
)

// Key identifies a class of sensitive operation ("exec shell command X",
// "edit files under Y"). A missing identifier normalizes to the empty string.
type Key struct {
	Action     string
	Identifier string
}

// encode produces the canonical form used for equality. The ordered
// structural encoding keeps ("ab","c") and ("a","bc") distinct, which plain
// concatenation would not.
func (k Key) encode() string {
	rec := struct {
		A string `json:"a"`
		I string `json:"i"`
	}{
		A: strings.TrimSpace(k.Action),
		I: strings.TrimSpace(k.Identifier),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		// Marshal of two strings cannot fail; keep a non-colliding fallback
		// rather than panicking in the approval path.
		return "a=" + rec.A + "\x00i=" + rec.I
	}
	return string(data)
}

// Store caches "always allow" / "always deny" decisions for one conversation
// session. It is memory-only and reset per process run; absence of an entry
// always means "ask again".
type Store struct {
	mu        sync.RWMutex
	decisions map[string]bool
}

func NewStore() *Store {
	return &Store{decisions: make(map[string]bool)}
}

// Approve records a standing allow decision for the exact key.
func (s *Store) Approve(key Key) {
	s.set(key, true)
}

// Reject records a standing deny decision for the exact key.
func (s *Store) Reject(key Key) {
	s.set(key, false)
}

func (s *Store) set(key Key, allowed bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decisions == nil {
		s.decisions = make(map[string]bool)
	}
	s.decisions[key.encode()] = allowed
}

// IsApproved is fail-closed: it returns true only for keys with an explicit
// prior Approve call.
func (s *Store) IsApproved(key Key) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decisions[key.encode()]
}

// Decision reports the recorded decision for key and whether one exists.
func (s *Store) Decision(key Key) (allowed bool, ok bool) {
	if s == nil {
		return false, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed, ok = s.decisions[key.encode()]
	return allowed, ok
}

// AllApproved reports whether every key in a non-empty set is approved. An
// empty set is not vacuously approved: "nothing to approve" must not read as
// "pre-approved".
func (s *Store) AllApproved(keys []Key) bool {
	if s == nil || len(keys) == 0 {
		return false
	}
	for _, key := range keys {
		if !s.IsApproved(key) {
			return false
		}
	}
	return true
}

// Clear wipes the session cache. Called exactly once per conversation
// teardown.
func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = make(map[string]bool)
}
