package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// clientCtxKey is the Gin context key used to store the authenticated client name.
const clientCtxKey = "client"

// APIKeyMiddleware maps X-API-Key → client name. An empty key set disables
// the check so local runs need no credentials.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		client, ok := keys[apiKey]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(clientCtxKey, client)
		c.Next()
	}
}

// Client returns the authenticated client name, or "" when auth is disabled.
func Client(c *gin.Context) string {
	v, _ := c.Get(clientCtxKey)
	s, _ := v.(string)
	return s
}
