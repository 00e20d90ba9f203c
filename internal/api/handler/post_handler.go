package handler

import (
	"net/http"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/distribution"
	"github.com/cuongbtq/postdispatch/internal/results"
	"github.com/gin-gonic/gin"
)

// EnqueuePosts handles POST /api/posts/enqueue
// Per-post failures are reported in the body; the call fails only as a whole
func (h *PostHandler) EnqueuePosts(c *gin.Context) {
	var req dto.EnqueuePostsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid request body")
		return
	}

	res := h.distribution.Enqueue(c.Request.Context(), req.PostIDs, distribution.Options{
		ForceRegion: req.ForceRegion,
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		Priority:    req.Priority,
	})

	code := http.StatusOK
	if !res.Success {
		code = http.StatusMultiStatus
		if res.EnqueuedJobs == 0 {
			code = http.StatusBadRequest
		}
	}
	c.JSON(code, res)
}

// RetryPosts handles POST /api/posts/retry
func (h *PostHandler) RetryPosts(c *gin.Context) {
	var req dto.RetryPostsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid request body")
		return
	}

	res := h.distribution.Retry(c.Request.Context(), req.PostIDs)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusMultiStatus
		if res.RetriedJobs == 0 {
			code = http.StatusBadRequest
		}
	}
	c.JSON(code, res)
}

// GetJobStatus handles GET /api/posts/:postId/job
func (h *PostHandler) GetJobStatus(c *gin.Context) {
	postID := c.Param("postId")

	meta, err := h.distribution.GetJobStatus(c.Request.Context(), postID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get job status")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "postId": postID, "job": meta})
}

// DistributionStats handles GET /api/posts/stats
func (h *PostHandler) DistributionStats(c *gin.Context) {
	st, err := h.distribution.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to get distribution stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "stats": st})
}

// ResultStats handles GET /api/posts/results/stats
// Defaults to the last 24 hours when no timeframe is given
func (h *PostHandler) ResultStats(c *gin.Context) {
	var req dto.ResultStatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondBindError(c, h.logger, err, "Invalid timeframe")
		return
	}

	tf := results.Timeframe{Start: req.Start, End: req.End}
	if tf.Start.IsZero() && tf.End.IsZero() {
		tf.End = time.Now().UTC()
		tf.Start = tf.End.Add(-24 * time.Hour)
	}

	st, err := h.results.Stats(c.Request.Context(), tf)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get result stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timeframe": gin.H{"start": tf.Start, "end": tf.End},
		"stats":     st,
	})
}
