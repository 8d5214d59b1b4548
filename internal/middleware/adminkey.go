package middleware

import (
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader carries the dashboard service key on admin requests that do
// not originate from a signed-in admin user.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth admits a request either through the dashboard service key, when
// it matches the configured bcrypt hash, or through a Bearer token carrying
// the ADMIN role.  An empty hash disables the key path entirely.
func AdminAuth(jwtSecret, keyHash string) echo.MiddlewareFunc {
	jwtAuth := JWTAuth(jwtSecret)
	adminRole := RequireRole("ADMIN")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if keyHash != "" {
				key := c.Request().Header.Get(AdminKeyHeader)
				if key != "" && bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) == nil {
					return next(c)
				}
			}
			return jwtAuth(adminRole(next))(c)
		}
	}
}
