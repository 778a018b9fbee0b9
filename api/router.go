package api

import (
	"mediajobs/config"

	"github.com/gin-gonic/gin"
)

func SetupRouter(svc Services, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(svc, cfg)

	// Health check
	r.GET("/health", h.handleHealth)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/jobs", h.handleCreateJob)
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJob)
		v1.DELETE("/jobs/:jobId", h.handleRemoveJob)
		v1.PATCH("/jobs/:jobId/cancel", h.handleCancelJob)
		v1.GET("/jobs/:jobId/file", h.handleGetFile)
		v1.GET("/jobs/:jobId/events", h.handleJobEvents)

		v1.GET("/info", h.handleInfo)
		v1.GET("/local-info", h.handleLocalInfo)
		v1.GET("/encoders", h.handleEncoders)
		v1.POST("/estimate", h.handleEstimate)
		v1.POST("/resolve-drop", h.handleResolveDrop)
		v1.GET("/thumbnail", h.handleThumbnail)

		v1.GET("/history", h.handleHistory)
		v1.GET("/history/:kind/:mediaType", h.handleHistoryBucket)

		v1.GET("/settings", h.handleGetSettings)
		v1.PUT("/settings", h.handlePutSettings)
	}
	return r
}
