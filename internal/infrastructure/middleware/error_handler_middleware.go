package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
)

// ErrorHandlerMiddleware converts errors attached to the gin context into
// structured JSON responses.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			status = http.StatusNotFound
		case domain.IsMalformed(err):
			logger.Warnw("malformed request",
				"error", err.Error(),
				"path", c.Request.URL.Path,
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   string(domain.CodeSignalingMalformed),
				"message": err.Error(),
			})
			return
		}

		var sessionErr *domain.SessionError
		if errors.As(err, &sessionErr) {
			logger.Errorw("session error",
				"code", sessionErr.Code,
				"remote_id", sessionErr.RemoteID,
				"path", c.Request.URL.Path,
			)
			c.JSON(status, gin.H{
				"error":     string(sessionErr.Code),
				"remote_id": string(sessionErr.RemoteID),
				"message":   sessionErr.Message,
			})
			return
		}

		logger.Errorw("request failed",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(status, gin.H{"error": err.Error()})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
