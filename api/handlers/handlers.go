package handlers

import (
	"github.com/feichai0017/document-reconciler/internal/service/reconcile"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

type Handlers struct {
	Batch  *BatchHandler
	Health *HealthHandler
}

func NewHandlers(
	service reconcile.Service,
	maxFileSize int64,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Batch:  NewBatchHandler(service, maxFileSize, logger),
		Health: NewHealthHandler(service),
	}
}
