package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/paveldudka/async-job-scheduler/internal/handlers"
)

type RouterConfig struct {
	JobsHandler   *handlers.JobsHandler
	AdminHandler  *handlers.AdminHandler
	StreamHandler *handlers.StreamHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/jobs", cfg.JobsHandler.CreateJob)
		api.GET("/jobs", cfg.JobsHandler.ListJobs)
		api.GET("/jobs/stream", cfg.StreamHandler.StreamAll)
		api.GET("/jobs/:id", cfg.JobsHandler.GetJob)
		api.DELETE("/jobs/:id", cfg.JobsHandler.DeleteJob)
		api.POST("/jobs/:id/cancel", cfg.JobsHandler.CancelJob)
		api.POST("/jobs/:id/retry", cfg.JobsHandler.RetryJob)
		api.GET("/jobs/:id/stream", cfg.StreamHandler.StreamJob)

		admin := api.Group("/admin")
		admin.GET("/queues", cfg.AdminHandler.QueueStats)
		admin.POST("/queues/pause", cfg.AdminHandler.PauseQueue)
		admin.POST("/queues/resume", cfg.AdminHandler.ResumeQueue)
		admin.POST("/queues/clean", cfg.AdminHandler.CleanQueue)
	}

	return router
}
