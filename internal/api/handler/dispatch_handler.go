package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/dispatch"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
)

const maxCallbackBody = 1 << 20

// DispatchJob handles POST /api/workers/dispatch-job
// Pushes a job to the best available worker; it expires after 30 minutes
func (h *DispatchHandler) DispatchJob(c *gin.Context) {
	var req dto.DispatchJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid request body")
		return
	}

	payload := req.Payload()
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
	if payload.TargetAccount.ID == "" {
		payload.TargetAccount.ID = payload.AccountID
	}
	expiresAt := time.Now().Add(dispatch.AdminJobExpiry)
	payload.ExpiresAt = &expiresAt

	result := h.dispatcher.DispatchJob(c.Request.Context(), payload)
	if !result.Success {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": result.Error, "result": result})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"result":       result,
		"dispatchedAt": result.DispatchedAt,
	})
}

// Callback handles POST /api/workers/callback
// The signature covers the raw body, so it is verified before decoding
func (h *DispatchHandler) Callback(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		respondBindError(c, h.logger, err, "Invalid callback body")
		return
	}

	sig := c.GetHeader(dispatch.HeaderCallbackSignature)
	ts := c.GetHeader(dispatch.HeaderCallbackTimestamp)
	if err := h.dispatcher.VerifyCallback(body, sig, ts); err != nil {
		h.logger.Warn("Rejected callback",
			slog.String("ip", c.ClientIP()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	var cb dispatch.Callback
	if err := binding.JSON.BindBody(body, &cb); err != nil {
		respondBindError(c, h.logger, err, "Invalid callback body")
		return
	}
	if cb.JobID == "" || cb.WorkerID == "" {
		respondBindError(c, h.logger, errors.New("jobId and workerId are required"), "Invalid callback body")
		return
	}

	if err := h.dispatcher.HandleJobCallback(c.Request.Context(), cb); err != nil {
		respondError(c, h.logger, err, "Failed to process callback")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Callback processed successfully"})
}

// DispatchStats handles GET /api/workers/dispatch-stats
func (h *DispatchHandler) DispatchStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"stats":     h.dispatcher.Stats(),
		"timestamp": time.Now().UTC(),
	})
}
