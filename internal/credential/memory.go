package credential

import "sync"

// MemoryStore is a process-local Store, used by tests and by the CLI
// when no keyring backend is available.
type MemoryStore struct {
	mu    sync.Mutex
	creds Credentials
}

// NewMemoryStore returns a MemoryStore seeded with c.
func NewMemoryStore(c Credentials) *MemoryStore {
	return &MemoryStore{creds: c}
}

// Get returns the stored credentials or ErrNoCredentials.
func (s *MemoryStore) Get() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.Empty() {
		return Credentials{}, ErrNoCredentials
	}
	return s.creds, nil
}

// Set replaces the stored credentials.
func (s *MemoryStore) Set(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds = c
	return nil
}

// Clear removes all stored credentials.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds = Credentials{}
	return nil
}
