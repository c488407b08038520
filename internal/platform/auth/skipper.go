package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and school resolution.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
