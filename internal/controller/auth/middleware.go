package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UsernameKey is the gin context key carrying the authenticated subject.
const UsernameKey = "auth_username"

// Middleware returns a gin middleware that requires a valid bearer token and
// stores the subject in the request context.
func Middleware(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_FAILURE",
				"message": "missing bearer token",
			})
			return
		}

		subject, err := svc.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_FAILURE",
				"message": "invalid or expired token",
			})
			return
		}

		c.Set(UsernameKey, subject)
		c.Next()
	}
}

// Username returns the authenticated subject stored by the middleware.
func Username(c *gin.Context) string {
	if v, ok := c.Get(UsernameKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	// Accept a bare token for convenience
	return strings.TrimSpace(header)
}
