package router

import (
	"net/http"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	dto.RegisterValidators()

	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware(deps.Config.Server.AllowedOrigins))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "postdispatch-brain",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sec := deps.Config.Security
	workerAuth := WorkerAuthMiddleware(deps.Workers, deps.Logger)
	adminAuth := AdminAuthMiddleware(sec.AdminAPIKeyHash, deps.Logger)
	pullLimit := NewPullLimiter(sec.PullRatePerSecond, sec.PullBurst).Middleware()

	workerHandler := handler.NewWorkerHandler(deps)
	jobHandler := handler.NewJobHandler(deps)
	dispatchHandler := handler.NewDispatchHandler(deps)
	postHandler := handler.NewPostHandler(deps)

	api := r.Group("/api")
	{
		workers := api.Group("/workers")
		{
			// Registration secret in the body
			workers.POST("/register", workerHandler.Register)
			workers.POST("/auth", workerHandler.Auth)

			// Worker credential
			workers.GET("/jobs/pull", workerAuth, pullLimit, jobHandler.PullJobs)
			workers.GET("/credentials/:accountId", workerAuth, jobHandler.GetCredentials)
			workers.POST("/jobs/:jobId/complete", workerAuth, jobHandler.CompleteJob)
			workers.POST("/jobs/:jobId/fail", workerAuth, jobHandler.FailJob)
			workers.GET("/status", workerAuth, workerHandler.Status)
			workers.POST("/health", workerAuth, workerHandler.Health)

			// Signed with the dispatch secret
			workers.POST("/callback", dispatchHandler.Callback)

			// Admin
			workers.POST("/dispatch-job", adminAuth, dispatchHandler.DispatchJob)
			workers.GET("/dispatch-stats", adminAuth, dispatchHandler.DispatchStats)
			workers.GET("/stats", adminAuth, workerHandler.Stats)
			workers.GET("", adminAuth, workerHandler.ListWorkers)
			workers.GET("/:workerId/metrics", adminAuth, workerHandler.GetWorkerMetrics)
			workers.PUT("/:workerId/toggle", adminAuth, workerHandler.ToggleWorker)
		}

		posts := api.Group("/posts", adminAuth)
		{
			posts.POST("/enqueue", postHandler.EnqueuePosts)
			posts.POST("/retry", postHandler.RetryPosts)
			posts.GET("/stats", postHandler.DistributionStats)
			posts.GET("/results/stats", postHandler.ResultStats)
			posts.GET("/:postId/job", postHandler.GetJobStatus)
		}
	}

	return r
}
