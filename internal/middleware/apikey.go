package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"kiropool/internal/store"
)

const ContextKeyAPIKey = "api_key"

// APIKeyAuth guards the ingress endpoints. Clients send their key as
// "Authorization: Bearer" (OpenAI style) or "x-api-key" (Claude style);
// each accepted request counts against the key's daily limit.
type APIKeyAuth struct {
	store *store.Store
}

func NewAPIKeyAuth(st *store.Store) *APIKeyAuth {
	return &APIKeyAuth{store: st}
}

func (a *APIKeyAuth) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := extractBearer(c)
		if secret == "" {
			secret = c.GetHeader("x-api-key")
		}
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing API key", "type": "authentication_error"},
			})
			return
		}

		key, err := a.store.ValidateAPIKey(strings.TrimSpace(secret))
		if err != nil {
			status := http.StatusUnauthorized
			message := "invalid API key"
			switch err {
			case store.ErrKeyDisabled:
				message = "API key disabled"
			case store.ErrKeyExhausted:
				status = http.StatusTooManyRequests
				message = "API key daily limit reached"
			case store.ErrKeyNotFound:
			default:
				status = http.StatusInternalServerError
				message = "key validation failed"
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error": gin.H{"message": message, "type": "authentication_error"},
			})
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Next()
	}
}
