package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrAuthFailed is returned by Authenticate on any bad-credential path.
var ErrAuthFailed = errors.New("authentication failed")

// LocalAuthenticator is a concrete, compilable stand-in for the PAM
// authentication the spec treats as an external collaborator not specified
// here (SPEC_FULL.md §1, §6). It holds a bcrypt-hashed username/password
// table, loaded once at startup. Swapping in real PAM later only touches
// this file.
type LocalAuthenticator struct {
	mu    sync.RWMutex
	users map[string][]byte // username -> bcrypt hash
}

func NewLocalAuthenticator() *LocalAuthenticator {
	return &LocalAuthenticator{users: make(map[string][]byte)}
}

// SetPassword hashes and stores a password for username, overwriting any
// previous entry.
func (a *LocalAuthenticator) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	a.mu.Lock()
	a.users[username] = hash
	a.mu.Unlock()
	return nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), bcrypt.DefaultCost)

// Authenticate returns nil if username/password match a stored entry.
func (a *LocalAuthenticator) Authenticate(username, password string) error {
	a.mu.RLock()
	hash, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		// Compare against a precomputed dummy hash so the absence of a
		// user costs the same as a wrong password — avoids leaking user
		// existence via response latency.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return fmt.Errorf("%w: unknown user", ErrAuthFailed)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return fmt.Errorf("%w: bad credentials", ErrAuthFailed)
	}
	return nil
}
