package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"dmarcwatch/config"
	"dmarcwatch/models"
)

// ActorKey is the gin context key holding the caller's user id.
const ActorKey = "userID"

const sessionCookie = "dmarcwatch_jwt"

// AuthRequired resolves the caller from a bearer token or session cookie.
// With auth disabled every request acts as the system user.
func AuthRequired(features config.Features, secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !features.AuthEnabled {
			c.Set(ActorKey, models.SystemActor)
			c.Next()
			return
		}

		tokenString := ""
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if tokenString == "" {
			if cookie, err := c.Cookie(sessionCookie); err == nil {
				tokenString = cookie
			}
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		// jwt validates exp and nbf when present.
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}
		actor, _ := claims["user_id"].(string)
		if actor == "" {
			actor, _ = claims.GetSubject()
		}
		// The system identity is never granted through a token.
		if actor == "" || actor == models.SystemActor {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}
		c.Set(ActorKey, actor)
		c.Next()
	}
}

// Actor returns the id set by AuthRequired, or "".
func Actor(c *gin.Context) string {
	return c.GetString(ActorKey)
}
