package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// RunnerTokenHeader carries the secret an external scheduler presents to
// trigger a pass.
const RunnerTokenHeader = "X-Runner-Token"

// RunnerToken guards the pass triggers with a bcrypt-hashed token. With no
// hash configured the triggers are open only while auth is disabled.
func RunnerToken(hash string, authEnabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash == "" {
			if authEnabled {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Runner token not configured"})
				return
			}
			c.Next()
			return
		}

		token := c.GetHeader(RunnerTokenHeader)
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Runner token required"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid runner token"})
			return
		}
		c.Next()
	}
}
