package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/document-reconciler/internal/service/reconcile"
)

type HealthHandler struct {
	service reconcile.Service
	started time.Time
}

func NewHealthHandler(service reconcile.Service) *HealthHandler {
	return &HealthHandler{service: service, started: time.Now()}
}

// Health 健康检查
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"sessionId": h.service.ID(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	})
}
