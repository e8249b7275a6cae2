package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/uroflow/uroflow/pkg/ident"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrSessionExpired = errors.New("session expired")
	ErrNotSignedIn    = errors.New("not signed in")
)

// Session is the signed-in user's bearer credential. It is carried in the
// request context and read by the backend client for every outgoing call.
type Session struct {
	Token     string    `json:"access_token"`
	Role      string    `json:"role"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the session's token has expired at now. A session
// without an expiry never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Claims are the token claims issued by the platform's auth service.
type Claims struct {
	jwt.RegisteredClaims
	Role   string   `json:"role"`
	UserID ident.ID `json:"user_id"`
}

// ParseSession reads a session from a bearer token. With a signing key the
// token must carry a valid HS256 signature; without one the claims are read
// as-is and the auth service stays the authority on the token.
func ParseSession(token string, signingKey []byte) (Session, error) {
	claims := &Claims{}
	if len(signingKey) > 0 {
		t, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrSessionExpired
		}
		if err != nil || !t.Valid {
			return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	s := Session{
		Token:  token,
		Role:   claims.Role,
		UserID: claims.UserID.String(),
	}
	if s.UserID == "" {
		s.UserID = claims.Subject
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	if s.Expired(time.Now()) {
		return Session{}, ErrSessionExpired
	}
	return s, nil
}

type contextKey string

const sessionKey contextKey = "session"

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the session carried by ctx.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

func UserIDFromContext(ctx context.Context) string {
	s, _ := SessionFromContext(ctx)
	return s.UserID
}

func RolesFromContext(ctx context.Context) []string {
	s, ok := SessionFromContext(ctx)
	if !ok || s.Role == "" {
		return nil
	}
	return []string{s.Role}
}
