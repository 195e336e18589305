package auth

import (
	"sync"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

// UserStore holds argon2id-hashed credentials in memory. It backs the
// standalone binary's dev-mode /auth/login so the service is runnable
// end-to-end without a real identity provider wired in front of it.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]user
}

type user struct {
	passwordHash string
	role         string
}

// NewUserStore creates an empty user store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]user)}
}

// Put hashes password and stores (or replaces) the credential for id.
func (s *UserStore) Put(id, password, role string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = user{passwordHash: hash, role: role}
	return nil
}

// Authenticate verifies id/password and returns the resulting Principal.
func (s *UserStore) Authenticate(id, password string) (ingest.Principal, error) {
	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return ingest.Principal{}, ingest.New(ingest.KindUnauthorized, "unknown principal")
	}
	ok, err := VerifyPassword(password, u.passwordHash)
	if err != nil {
		return ingest.Principal{}, ingest.Wrap(ingest.KindInternal, "verify password", err)
	}
	if !ok {
		return ingest.Principal{}, ingest.New(ingest.KindUnauthorized, "bad credentials")
	}
	return ingest.Principal{ID: id, Role: u.role}, nil
}
