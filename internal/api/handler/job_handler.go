package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/registry"
	"github.com/gin-gonic/gin"
)

// PullJobs handles GET /api/workers/jobs/pull
// Hands the caller up to limit claimed-ready jobs from its region
func (h *JobHandler) PullJobs(c *gin.Context) {
	caller, _ := Caller(c)

	var req dto.PullJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid query parameters")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}

	var platforms []string
	if req.Platform != "" {
		platforms = []string{req.Platform}
	}

	jobs, err := h.claims.GetClaimedJobsForWorker(c.Request.Context(), caller, platforms, req.Limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to pull jobs from queue")
		return
	}

	if len(jobs) > 0 {
		h.logger.Info("Worker pulled jobs",
			slog.String("worker_id", caller.WorkerID),
			slog.Int("count", len(jobs)),
		)
	}
	c.JSON(http.StatusOK, dto.PullJobsResponse{Success: true, Jobs: jobs, Count: len(jobs)})
}

// CompleteJob handles POST /api/workers/jobs/:jobId/complete
func (h *JobHandler) CompleteJob(c *gin.Context) {
	caller, _ := Caller(c)
	jobID := c.Param("jobId")

	var req dto.CompleteJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid request body")
		return
	}

	if err := h.claims.CompleteJob(c.Request.Context(), caller, jobID, req.LockToken, req.Result()); err != nil {
		respondError(c, h.logger, err, "Failed to complete job")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"jobId":       jobID,
		"completedAt": time.Now().UTC(),
	})
}

// FailJob handles POST /api/workers/jobs/:jobId/fail
func (h *JobHandler) FailJob(c *gin.Context) {
	caller, _ := Caller(c)
	jobID := c.Param("jobId")

	var req dto.FailJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid request body")
		return
	}

	willRetry, err := h.claims.FailJob(c.Request.Context(), caller, jobID, req.LockToken, req.Failure())
	if err != nil {
		respondError(c, h.logger, err, "Failed to record job failure")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"jobId":     jobID,
		"willRetry": willRetry,
		"failedAt":  time.Now().UTC(),
	})
}

// GetCredentials handles GET /api/workers/credentials/:accountId
// Returns the single credential the caller's job needs, never the account's full set
func (h *JobHandler) GetCredentials(c *gin.Context) {
	caller, _ := Caller(c)
	accountID := c.Param("accountId")

	var req dto.CredentialsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondBindError(c, h.logger, err, "Job ID is required to retrieve credentials")
		return
	}

	ctx := c.Request.Context()
	rec, err := h.claims.GetClaimedJob(ctx, req.JobID, caller.WorkerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrNotAssignedToWorker) {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Job not found or not assigned to this worker"})
			return
		}
		respondError(c, h.logger, err, "Failed to retrieve credentials")
		return
	}

	account, err := h.accounts.GetAccount(ctx, accountID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to retrieve credentials")
		return
	}
	if !caller.AllowsPlatform(account.Platform) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": domain.ErrPlatformForbidden.Error()})
		return
	}
	if rec.Payload.AccountID != account.ID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Job account mismatch - unauthorized access"})
		return
	}

	creds := dto.CredentialsResponse{
		AccountID: account.AccountID,
		Platform:  account.Platform,
		IsActive:  account.IsActive,
	}
	switch account.Platform {
	case registry.PlatformFacebook:
		if len(account.PageAccessTokens) == 0 {
			creds.AccessToken = account.AccessToken
			break
		}
		pageID := req.PageID
		if pageID == "" {
			pageID = rec.Payload.TargetAccount.ID
		}
		token, ok := account.PageAccessTokens[pageID]
		if !ok || token == "" {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "No access token found for target page"})
			return
		}
		creds.PageAccessToken = token
	case registry.PlatformTwitter:
		creds.AccessToken = account.AccessToken
		creds.AccessTokenSecret = account.AccessTokenSecret
	default:
		creds.AccessToken = account.AccessToken
	}

	h.logger.Info("Credentials released",
		slog.String("worker_id", caller.WorkerID),
		slog.String("job_id", req.JobID),
		slog.String("account_id", account.ID),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "credentials": creds})
}
