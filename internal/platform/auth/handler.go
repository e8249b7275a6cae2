package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler serves sign-in and sign-out for the workspace API.
type Handler struct {
	authn      Authenticator
	signingKey []byte
	onSignOut  func(userID string)
	logger     zerolog.Logger
}

// NewHandler creates the auth handler. onSignOut is called with the user id
// of every session that signs out.
func NewHandler(authn Authenticator, signingKey []byte, onSignOut func(userID string), logger zerolog.Logger) *Handler {
	return &Handler{authn: authn, signingKey: signingKey, onSignOut: onSignOut, logger: logger}
}

// RegisterRoutes registers sign-in on the public group and sign-out on the
// session-protected group.
func (h *Handler) RegisterRoutes(public *echo.Group, protected *echo.Group) {
	public.POST("/auth/signin", h.SignIn)
	protected.POST("/auth/signout", h.SignOut)
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type statusCoder interface {
	StatusCode() int
}

func (h *Handler) SignIn(c echo.Context) error {
	var req signInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	res, err := h.authn.SignIn(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		var sc statusCoder
		if errors.As(err, &sc) && sc.StatusCode() >= 400 && sc.StatusCode() < 500 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		h.logger.Error().Err(err).Msg("sign in failed")
		return echo.NewHTTPError(http.StatusBadGateway, "auth service unavailable")
	}

	s, err := SessionFromResult(res, h.signingKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "auth service returned an unusable token")
	}
	if s.Role != RoleDoctor {
		return echo.NewHTTPError(http.StatusForbidden, "the workspace is available to doctors only")
	}
	h.logger.Info().Str("user_id", s.UserID).Msg("signed in")
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SignOut(c echo.Context) error {
	s, ok := SessionFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
	}
	if h.onSignOut != nil {
		h.onSignOut(s.UserID)
	}
	h.logger.Info().Str("user_id", s.UserID).Msg("signed out")
	return c.NoContent(http.StatusNoContent)
}
