// Package handler contains the HTTP layer: request decoding, auth context,
// error mapping and response shapes.  Business rules live below in the
// reconcile and repository packages; handlers stay thin.
package handler

import (
	"encoding/json"
	"strconv"

	"github.com/labstack/echo/v4"
)

// currentUserID extracts the authenticated user's numeric id from the JWT
// claims the auth middleware stored on the context.  The identity provider
// serialises the subject either as a string or a JSON number, so both are
// accepted.
func currentUserID(c echo.Context) (uint64, bool) {
	switch v := c.Get("user_id").(type) {
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		return id, err == nil && id != 0
	case float64:
		if v <= 0 {
			return 0, false
		}
		return uint64(v), true
	case json.Number:
		id, err := strconv.ParseUint(v.String(), 10, 64)
		return id, err == nil && id != 0
	case uint64:
		return v, v != 0
	}
	return 0, false
}

// currentEmail returns the email claim, empty when absent.
func currentEmail(c echo.Context) string {
	if s, ok := c.Get("email").(string); ok {
		return s
	}
	return ""
}
