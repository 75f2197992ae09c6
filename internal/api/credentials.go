package api

import (
	"sync"

	"golang.org/x/oauth2"
)

// CredentialSource supplies the current credential, or none
type CredentialSource interface {
	Credential() (string, bool)
}

// CredentialStore is a replaceable in-memory credential with change notifications
type CredentialStore struct {
	mu    sync.RWMutex
	token string
	subs  []chan struct{}
}

// NewCredentialStore creates a store holding token (which may be empty)
func NewCredentialStore(token string) *CredentialStore {
	return &CredentialStore{token: token}
}

// Credential returns the current token
func (s *CredentialStore) Credential() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set replaces the token and notifies subscribers
func (s *CredentialStore) Set(token string) {
	s.mu.Lock()
	s.token = token
	subs := append([]chan struct{}(nil), s.subs...)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel signalled after every Set. Signals coalesce.
func (s *CredentialStore) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// credentialTokenSource reads the credential on every request so that a replaced
// token takes effect without rebuilding the client.
type credentialTokenSource struct {
	src CredentialSource
}

func (ts credentialTokenSource) Token() (*oauth2.Token, error) {
	token, ok := ts.src.Credential()
	if !ok {
		return nil, &AuthError{Err: ErrNoCredential}
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}
