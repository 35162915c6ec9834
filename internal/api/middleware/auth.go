package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/melosso/portway/internal/api/models"
	"github.com/melosso/portway/internal/auth"
)

// BearerToken extracts the secret from an "Authorization: Bearer ..."
// header; the second return is false when the header is absent or not a
// bearer scheme.
func BearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireBearer enforces a valid bearer token without environment or
// scope constraints. Used for the authenticated health endpoints.
func RequireBearer(guard *auth.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer, _ := BearerToken(c)
		meta := auth.RequestMeta{
			Operation: c.Request.Method + " " + c.Request.URL.Path,
			Source:    "health",
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		principal, err := guard.ValidateBearer(c.Request.Context(), bearer, meta)
		if err != nil {
			status := http.StatusUnauthorized
			var authErr *auth.AuthError
			if errors.As(err, &authErr) {
				status = authErr.StatusCode()
			}
			c.AbortWithStatusJSON(status, models.ErrorResponse{Error: "unauthorized", Code: status})
			return
		}
		c.Set("principal", principal)
		c.Next()
	}
}
