package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultVerifyTTL is how long a token confirmed by the auth service is
// trusted before it is checked again.
const DefaultVerifyTTL = 5 * time.Minute

// SessionVerifier confirms a session whose token cannot be checked locally.
type SessionVerifier interface {
	VerifySession(ctx context.Context, s Session) error
}

// RemoteVerifier confirms tokens by making an authenticated call to the
// platform with them. Tokens that pass are remembered for the TTL or until
// they expire, whichever is sooner.
type RemoteVerifier struct {
	check    func(ctx context.Context) error
	ttl      time.Duration
	verified *cache.Cache
}

// NewRemoteVerifier creates a verifier. check is called with the session on
// its context and must fail when the platform rejects the token.
func NewRemoteVerifier(check func(ctx context.Context) error, ttl time.Duration) *RemoteVerifier {
	if ttl <= 0 {
		ttl = DefaultVerifyTTL
	}
	return &RemoteVerifier{check: check, ttl: ttl, verified: cache.New(ttl, 2*ttl)}
}

// VerifySession returns an error wrapping ErrInvalidToken when the platform
// rejects the token, and a plain error when it could not be asked.
func (v *RemoteVerifier) VerifySession(ctx context.Context, s Session) error {
	if _, ok := v.verified.Get(s.Token); ok {
		return nil
	}
	if err := v.check(WithSession(ctx, s)); err != nil {
		var sc statusCoder
		if errors.As(err, &sc) && (sc.StatusCode() == http.StatusUnauthorized || sc.StatusCode() == http.StatusForbidden) {
			return fmt.Errorf("%w: rejected by auth service", ErrInvalidToken)
		}
		return fmt.Errorf("verify session: %w", err)
	}

	ttl := v.ttl
	if !s.ExpiresAt.IsZero() {
		if left := time.Until(s.ExpiresAt); left < ttl {
			ttl = left
		}
	}
	if ttl > 0 {
		v.verified.Set(s.Token, s.UserID, ttl)
	}
	return nil
}
