package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists URL paths that bypass session authentication: health
// checks, metrics and sign-in itself.
var publicPaths = map[string]bool{
	"/health":             true,
	"/health/db":          true,
	"/metrics":            true,
	"/api/v1/auth/signin": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
// Pass it as SessionConfig.Skipper.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
