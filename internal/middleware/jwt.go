package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"kiropool/pkg/jwt"
)

const ContextKeyAdminUser = "admin_user"

// AdminAuth guards the admin surface with a JWT session token carried as
// a bearer header or the session cookie set at login.
type AdminAuth struct {
	manager *jwt.Manager
}

func NewAdminAuth(manager *jwt.Manager) *AdminAuth {
	return &AdminAuth{manager: manager}
}

func (a *AdminAuth) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			if cookie, err := c.Cookie("kiropool_session"); err == nil {
				token = cookie
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session token"})
			return
		}

		claims, err := a.manager.Validate(token)
		if err != nil {
			message := "invalid session token"
			if err == jwt.ErrExpiredToken {
				message = "session expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
			return
		}

		c.Set(ContextKeyAdminUser, claims.Username)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return authHeader
}
