package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// SessionConfig configures SessionMiddleware.
type SessionConfig struct {
	// SigningKey verifies token signatures. Leave empty to trust the auth
	// service and only read the claims.
	SigningKey []byte
	// Verifier confirms tokens with the auth service when SigningKey is
	// empty. Without either, any well-formed token is accepted.
	Verifier SessionVerifier
	Skipper  func(c echo.Context) bool
}

// SessionMiddleware reads the bearer token, turns it into a Session and puts
// the session on the request context.
func SessionMiddleware(cfg SessionConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			s, err := ParseSession(strings.TrimSpace(parts[1]), cfg.SigningKey)
			if errors.Is(err, ErrSessionExpired) {
				return echo.NewHTTPError(http.StatusUnauthorized, "session expired")
			}
			if err != nil || s.UserID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if len(cfg.SigningKey) == 0 && cfg.Verifier != nil {
				if err := cfg.Verifier.VerifySession(c.Request().Context(), s); err != nil {
					if errors.Is(err, ErrInvalidToken) {
						return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
					}
					return echo.NewHTTPError(http.StatusServiceUnavailable, "could not verify session").SetInternal(err)
				}
			}

			c.Set("session_user_id", s.UserID)
			c.SetRequest(c.Request().WithContext(WithSession(c.Request().Context(), s)))
			return next(c)
		}
	}
}
