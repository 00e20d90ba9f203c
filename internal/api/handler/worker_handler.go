package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/registry"
	"github.com/cuongbtq/postdispatch/internal/results"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/cuongbtq/postdispatch/internal/workers"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (h *WorkerHandler) validSecret(secret string) bool {
	return secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(h.registrationSecret)) == 1
}

// Register handles POST /api/workers/register
// Registers a worker and returns its credential once
func (h *WorkerHandler) Register(c *gin.Context) {
	var req dto.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid request body")
		return
	}
	if !h.validSecret(req.RegistrationSecret) {
		h.logger.Warn("Invalid worker registration attempt",
			slog.String("worker_id", req.WorkerID),
			slog.String("ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid registration secret"})
		return
	}

	worker, cred, err := h.workers.Register(c.Request.Context(), workers.Registration{
		WorkerID:           req.WorkerID,
		Name:               req.Name,
		Description:        req.Description,
		Platforms:          req.Platforms,
		Capabilities:       req.DomainCapabilities(),
		Specialties:        req.Specialties,
		Tags:               req.Tags,
		Region:             req.Region,
		DeploymentPlatform: req.DeploymentPlatform,
		EndpointURL:        req.EndpointURL,
		MaxConcurrentJobs:  req.MaxConcurrentJobs,
		MinJobInterval:     req.MinJobInterval,
		MaxJobsPerHour:     req.MaxJobsPerHour,
		Metadata:           req.Metadata,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to register worker")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"worker":    worker,
		"token":     cred.Token,
		"expiresAt": cred.ExpiresAt,
		"message":   "Worker registered successfully",
	})
}

// Auth handles POST /api/workers/auth
// Re-issues a credential for an already registered worker
func (h *WorkerHandler) Auth(c *gin.Context) {
	var req dto.AuthWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Missing required fields: workerId, region, platforms, registrationSecret")
		return
	}
	if !h.validSecret(req.RegistrationSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid registration secret"})
		return
	}

	cred, err := h.workers.IssueToken(c.Request.Context(), req.WorkerID, req.Region, req.Platforms)
	if err != nil {
		respondError(c, h.logger, err, "Failed to generate worker token")
		return
	}

	h.logger.Info("Issued worker token",
		slog.String("worker_id", req.WorkerID),
		slog.String("region", req.Region),
	)
	c.JSON(http.StatusOK, dto.CredentialResponse{
		Success:   true,
		WorkerID:  req.WorkerID,
		Token:     cred.Token,
		ExpiresAt: cred.ExpiresAt,
	})
}

// Health handles POST /api/workers/health
func (h *WorkerHandler) Health(c *gin.Context) {
	caller, _ := Caller(c)

	var req dto.HealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid health report")
		return
	}

	err := h.workers.UpdateWorkerHealth(c.Request.Context(), caller.WorkerID, workers.HealthReport{
		Status:           req.Status,
		ResponseTimeMs:   req.ResponseTime,
		CPUUsage:         req.CPUUsage,
		MemoryUsage:      req.MemoryUsage,
		NetworkLatencyMs: req.NetworkLatency,
		PlatformStatus:   req.PlatformStatus,
		ErrorCount:       req.ErrorCount,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to update worker health")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"workerId":  caller.WorkerID,
		"status":    req.Status,
		"checkedAt": time.Now().UTC(),
	})
}

// Status handles GET /api/workers/status
// Reports the queues the caller can pull from
func (h *WorkerHandler) Status(c *gin.Context) {
	caller, _ := Caller(c)

	names := make([]string, 0, len(caller.Platforms))
	for _, p := range caller.Platforms {
		names = append(names, registry.QueueName(p, caller.Region))
	}
	queues := h.distribution.QueueStats(c.Request.Context(), names)

	var total, available int
	for _, q := range queues {
		total += q.Ready + q.Active
		available += q.Ready
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"worker": gin.H{
			"id":        caller.WorkerID,
			"region":    caller.Region,
			"platforms": caller.Platforms,
		},
		"queues":        queues,
		"totalJobs":     total,
		"availableJobs": available,
		"timestamp":     time.Now().UTC(),
	})
}

// ListWorkers handles GET /api/workers
// Lists workers with optional filtering and cursor pagination
func (h *WorkerHandler) ListWorkers(c *gin.Context) {
	var req dto.ListWorkersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid query parameters")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeWorkerCursor(req.Cursor)
	if err != nil {
		respondBindError(c, h.logger, err, "Invalid cursor")
		return
	}

	ws, err := h.workers.ListWorkers(c.Request.Context(), storage.WorkerFilter{
		Platform: req.Platform,
		Region:   req.Region,
		Status:   req.Status,
		IsOnline: req.IsOnline,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to retrieve workers")
		return
	}

	hasMore := len(ws) > req.PageSize
	if hasMore {
		ws = ws[:req.PageSize]
	}

	resp := dto.ListWorkersResponse{Success: true, Workers: ws}
	if hasMore {
		last := ws[len(ws)-1]
		resp.NextCursor = EncodeWorkerCursor(&storage.WorkerCursor{
			CreatedAt: last.CreatedAt,
			WorkerID:  last.WorkerID,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// GetWorkerMetrics handles GET /api/workers/:workerId/metrics
func (h *WorkerHandler) GetWorkerMetrics(c *gin.Context) {
	workerID := c.Param("workerId")

	m, err := h.workers.GetWorkerMetrics(c.Request.Context(), workerID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to retrieve worker metrics")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"metrics":     m,
		"retrievedAt": time.Now().UTC(),
	})
}

// ToggleWorker handles PUT /api/workers/:workerId/toggle
func (h *WorkerHandler) ToggleWorker(c *gin.Context) {
	workerID := c.Param("workerId")

	var req dto.ToggleWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid request body")
		return
	}

	w, err := h.workers.SetEnabled(c.Request.Context(), workerID, *req.Enabled)
	if err != nil {
		respondError(c, h.logger, err, "Failed to toggle worker")
		return
	}

	h.logger.Info("Worker toggled",
		slog.String("worker_id", workerID),
		slog.Bool("enabled", w.IsEnabled),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "worker": w})
}

// Stats handles GET /api/workers/stats
// Combines fleet, queue, dispatch and last-24h result statistics
func (h *WorkerHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	fleet, err := h.workers.Stats(ctx)
	if err != nil {
		respondError(c, h.logger, err, "Failed to retrieve worker statistics")
		return
	}

	now := time.Now().UTC()
	outcomes, err := h.results.Stats(ctx, results.Timeframe{Start: now.Add(-24 * time.Hour), End: now})
	if err != nil {
		respondError(c, h.logger, err, "Failed to retrieve worker statistics")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"workers":   fleet,
		"queues":    h.distribution.QueueStats(ctx, registry.QueueNames()),
		"dispatch":  h.dispatcher.Stats(),
		"results":   outcomes,
		"timestamp": now,
	})
}
