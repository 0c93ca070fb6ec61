package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/document-reconciler/api/handlers"
	"github.com/feichai0017/document-reconciler/api/middleware"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, metrics http.Handler) {
	// 全局中间件
	r.Use(middleware.CORS())

	r.GET("/health", h.Health.Health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	// API 版本组
	v1 := r.Group("/api/v1")

	// 批次路由组
	batch := v1.Group("/batch")
	{
		batch.POST("/files", h.Batch.UploadFiles)
		batch.POST("/registry", h.Batch.LoadRegistry)
		batch.POST("/start", h.Batch.Start)
		batch.POST("/pause", h.Batch.Pause)
		batch.POST("/resume", h.Batch.Resume)
		batch.POST("/stop", h.Batch.Stop)
		batch.GET("/status", h.Batch.GetStatus)
		batch.POST("/retry-failed", h.Batch.RetryFailed)
		batch.POST("/commit", h.Batch.Commit)
		batch.GET("/report", h.Batch.DownloadReport)
		batch.DELETE("", h.Batch.ClearBatch)

		batch.GET("/checkpoint", h.Batch.GetCheckpoint)
		batch.POST("/checkpoint/restore", h.Batch.RestoreCheckpoint)
		batch.DELETE("/checkpoint", h.Batch.DiscardCheckpoint)

		batch.GET("/tasks", h.Batch.ListTasks)
		batch.GET("/tasks/:taskId", h.Batch.GetTask)
		batch.POST("/tasks/:taskId/retry", h.Batch.RetryTask)
		batch.POST("/tasks/:taskId/reset", h.Batch.ResetTask)
		batch.POST("/tasks/:taskId/match", h.Batch.MatchTask)
		batch.POST("/tasks/:taskId/commit", h.Batch.CommitTask)
		batch.DELETE("/tasks/:taskId", h.Batch.DeleteTask)
	}
}
