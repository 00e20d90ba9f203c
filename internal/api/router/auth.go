package router

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/postdispatch/internal/api/handler"
	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// Authenticator verifies worker bearer tokens
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.WorkerIdentity, error)
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// WorkerAuthMiddleware requires a valid worker credential and stores the
// worker's identity for the handlers
func WorkerAuthMiddleware(auth Authenticator, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Missing or invalid authorization header",
			})
			return
		}

		id, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			logger.Warn("Worker authentication failed",
				slog.String("path", c.Request.URL.Path),
				slog.String("ip", c.ClientIP()),
				slog.String("error", err.Error()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid or expired worker token",
			})
			return
		}

		handler.SetCaller(c, id)
		c.Next()
	}
}

// AdminAuthMiddleware accepts the admin API key from X-Admin-Key or a bearer
// header and checks it against the configured bcrypt hash
func AdminAuthMiddleware(keyHash string, logger *slog.Logger) gin.HandlerFunc {
	hash := []byte(keyHash)

	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key, _ = bearerToken(c)
		}

		if key == "" || len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
			logger.Warn("Admin authentication failed",
				slog.String("path", c.Request.URL.Path),
				slog.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Admin authentication required",
			})
			return
		}

		c.Next()
	}
}
