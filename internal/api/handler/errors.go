package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/postdispatch/internal/dispatch"
	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/workers"
	"github.com/gin-gonic/gin"
)

// StatusFor maps a service error to an HTTP status code
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrWorkerNotFound),
		errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrPostNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrAssignmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotAssignedToWorker),
		errors.Is(err, domain.ErrInvalidLockToken),
		errors.Is(err, domain.ErrPlatformForbidden),
		errors.Is(err, domain.ErrRegionForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDuplicateWorker),
		errors.Is(err, domain.ErrJobAlreadyClaimed),
		errors.Is(err, domain.ErrDuplicateJob),
		errors.Is(err, domain.ErrWorkerAtCapacity),
		errors.Is(err, domain.ErrWorkerUnavailable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnsupportedPlatform),
		errors.Is(err, domain.ErrUnsupportedRegion),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrMissingPostReference),
		errors.Is(err, dispatch.ErrUnknownCallbackStatus):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrStaleTimestamp),
		errors.Is(err, workers.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNoAvailableWorker):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes the error envelope. Internal errors are logged and
// replaced by msg so storage details never reach the caller.
func respondError(c *gin.Context, logger *slog.Logger, err error, msg string) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error(msg,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		_ = c.Error(err)
		c.JSON(code, gin.H{"success": false, "error": msg})
		return
	}
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}

// respondBindError rejects a malformed request body or query
func respondBindError(c *gin.Context, logger *slog.Logger, err error, msg string) {
	logger.Warn(msg, slog.String("path", c.Request.URL.Path), slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   msg,
		"details": err.Error(),
	})
}
