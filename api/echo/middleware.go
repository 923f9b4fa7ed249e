package echo

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/api"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
)

// tokenRecordKey is the context key the validated record is stored under.
const tokenRecordKey = "auth.token_record"

// bearerToken extracts the token from the Authorization header, or "".
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// RequireToken validates the bearer token and stashes the record for the
// handler. Requests without a live token stop here with 401.
func RequireToken(engine Engine) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, api.ErrorResponse{
					Error:            "invalid_token",
					ErrorDescription: "missing bearer token",
				})
			}
			rec, err := engine.ValidateToken(c.Request().Context(), raw)
			if err != nil {
				status, body := mapError(err)
				return c.JSON(status, body)
			}
			c.Set(tokenRecordKey, rec)
			return next(c)
		}
	}
}

// TokenRecordFromContext returns the record RequireToken validated, or nil.
func TokenRecordFromContext(c echo.Context) *domain.TokenRecord {
	rec, _ := c.Get(tokenRecordKey).(*domain.TokenRecord)
	return rec
}
