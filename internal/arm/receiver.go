package arm

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/postdispatch/internal/api/router"
	"github.com/cuongbtq/postdispatch/internal/dispatch"
	"github.com/gin-gonic/gin"
)

// Handler returns the worker's HTTP surface: a liveness probe and the
// endpoint the Brain pushes signed jobs to
func (a *Arm) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(router.LoggerMiddleware(a.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"service":  "postdispatch-arm",
			"workerId": a.cfg.WorkerID,
		})
	})
	r.POST(dispatch.ProcessJobPath, a.ProcessJob)

	return r
}

// ProcessJob handles POST /api/process-job
// Verifies the push and queues it; the outcome goes back through callbacks
func (a *Arm) ProcessJob(c *gin.Context) {
	token := a.client.Token()
	auth := c.GetHeader(dispatch.HeaderWorkerAuth)
	if token == "" || subtle.ConstantTimeCompare([]byte(auth), []byte(token)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid worker credential"})
		return
	}

	var req dispatch.SignedJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}

	if err := dispatch.VerifyJob(a.dispatchSecret, req, a.now(), dispatch.DefaultMaxSkew); err != nil {
		a.logger.Warn("Rejected pushed job",
			slog.String("job_id", req.Payload.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.Payload.Expired(a.now()) {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "Job expired"})
		return
	}

	if !a.slots.TryAcquire(1) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Worker at capacity"})
		return
	}
	a.jobsChan <- task{job: req.Payload, pushed: true}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"jobId":      req.Payload.JobID,
		"acceptedAt": a.now().UTC(),
	})
}
