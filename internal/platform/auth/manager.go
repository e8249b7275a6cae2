package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uroflow/uroflow/pkg/ident"
)

// SignInResult is the auth service's answer to a sign-in.
type SignInResult struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type,omitempty"`
	Role        string   `json:"role"`
	UserID      ident.ID `json:"user_id"`
}

// Authenticator exchanges credentials for a token.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*SignInResult, error)
}

// SessionFromResult builds a session from a sign-in result. The result's role
// and user id are authoritative; the token only contributes its expiry.
// Opaque tokens are accepted when no signing key is configured.
func SessionFromResult(res *SignInResult, signingKey []byte) (Session, error) {
	if res == nil || res.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: empty access token", ErrInvalidToken)
	}
	s := Session{Token: res.AccessToken, Role: res.Role, UserID: res.UserID.String()}

	parsed, err := ParseSession(res.AccessToken, signingKey)
	switch {
	case err == nil:
		s.ExpiresAt = parsed.ExpiresAt
		if s.Role == "" {
			s.Role = parsed.Role
		}
		if s.UserID == "" {
			s.UserID = parsed.UserID
		}
	case errors.Is(err, ErrSessionExpired), len(signingKey) > 0:
		return Session{}, err
	}
	return s, nil
}

// Manager owns the CLI session lifecycle: Restore a stored session, SignIn,
// SignOut.
type Manager struct {
	authn      Authenticator
	store      CredentialStore
	signingKey []byte
	now        func() time.Time

	mu      sync.Mutex
	current *Session
}

func NewManager(authn Authenticator, store CredentialStore, signingKey []byte) *Manager {
	return &Manager{authn: authn, store: store, signingKey: signingKey, now: time.Now}
}

// Restore loads the stored session. An expired session is cleared and
// reported as ErrSessionExpired; a missing one as ErrNotSignedIn.
func (m *Manager) Restore() (Session, error) {
	s, err := m.store.Load()
	if err != nil {
		return Session{}, err
	}
	if s == nil {
		return Session{}, ErrNotSignedIn
	}
	if s.Expired(m.now()) {
		if err := m.store.Clear(); err != nil {
			return Session{}, err
		}
		return Session{}, ErrSessionExpired
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return *s, nil
}

// SignIn authenticates and stores the new session.
func (m *Manager) SignIn(ctx context.Context, email, password string) (Session, error) {
	res, err := m.authn.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, fmt.Errorf("sign in: %w", err)
	}
	s, err := SessionFromResult(res, m.signingKey)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.Save(s); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
	return s, nil
}

// SignOut forgets the session locally and in the store.
func (m *Manager) SignOut() error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return m.store.Clear()
}

// Current returns the session restored or signed in by this manager.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}
