package chatsession

import (
	"sync"
	"time"
)

// CredentialStore holds the live credential for one session. It performs no
// network activity; refreshing is the caller's responsibility. At most one
// credential is live at a time and replacement is atomic.
type CredentialStore struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// Set replaces the active credential wholesale.
func (s *CredentialStore) Set(cred Credential) {
	s.mu.Lock()
	c := cred
	s.cred = &c
	s.mu.Unlock()
}

// Current returns the live credential, or ErrNoActiveSession if none is set.
func (s *CredentialStore) Current() (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, ErrNoActiveSession
	}
	return *s.cred, nil
}

// Expiring reports whether the credential's expiry falls within the lookahead
// window. Credentials without an expiry hint are treated as not expiring.
func (s *CredentialStore) Expiring(lookahead time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil || s.cred.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(s.cred.ExpiresAt) <= lookahead
}

// Clear drops the credential. Subsequent Current calls fail with
// ErrNoActiveSession.
func (s *CredentialStore) Clear() {
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()
}
