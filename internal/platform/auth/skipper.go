package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. The socket authenticates by its own
// registration frame.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/socket":  true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether path is a public endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
