package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"peerlink/pkg/auth"
)

// AuthMiddleware guards the diagnostics API with the same JWT tokens the
// signaling relay accepts.
func AuthMiddleware(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := tokens.Validate(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("peer_id", claims.PeerID)
		c.Set("room_id", claims.RoomID)
		c.Next()
	}
}

// RoomScopedMiddleware rejects requests whose token was issued for a
// different room than the :room path parameter names.
func RoomScopedMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Param("room")
		if room == "" {
			c.Next()
			return
		}

		tokenRoom, exists := c.Get("room_id")
		if !exists || tokenRoom != room {
			c.JSON(http.StatusForbidden, gin.H{"error": "token not valid for this room"})
			c.Abort()
			return
		}
		c.Next()
	}
}
