package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/queue"
	"github.com/feichai0017/document-reconciler/pkg/storage"
)

// StatusRecorder persists the outcome of a finished job.
type StatusRecorder interface {
	SaveFinalStatus(ctx context.Context, status *queue.TaskStatus) error
}

// CleanupWorker purges staged intake payloads from the artifact store.
type CleanupWorker struct {
	BaseWorker
	store  storage.Storage
	status StatusRecorder
	now    func() time.Time
}

// NewCleanupWorker builds the worker. status may be nil.
func NewCleanupWorker(cfg *Config, store storage.Storage, status StatusRecorder, log logger.Logger) *CleanupWorker {
	w := &CleanupWorker{
		BaseWorker: newBaseWorker(cfg, log.Named("cleanup-worker")),
		store:      store,
		status:     status,
		now:        time.Now,
	}
	// 注册任务处理器
	w.mux.HandleFunc(queue.TaskTypeIntakeCleanup, w.HandleCleanup)
	return w
}

// HandleCleanup runs one intake:cleanup task.
func (w *CleanupWorker) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	p, err := queue.ParseCleanupPayload(t)
	if err != nil {
		w.logger.Error("Invalid cleanup task", logger.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	threshold := w.now().Add(-p.OlderThan)
	removed, err := w.store.CleanupBefore(ctx, p.Prefix, threshold)
	if err != nil {
		w.logger.Error("Cleanup failed",
			logger.String("prefix", p.Prefix),
			logger.Error(err),
		)
		return fmt.Errorf("cleanup %s: %w", p.Prefix, err)
	}

	w.logger.Info("Intake cleaned up",
		logger.String("prefix", p.Prefix),
		logger.Time("before", threshold),
		logger.Int("removed", removed),
	)

	taskID, _ := asynq.GetTaskID(ctx)
	if w.status != nil && taskID != "" {
		st := &queue.TaskStatus{TaskID: taskID, Status: "completed", Removed: removed, FinishedAt: w.now()}
		if err := w.status.SaveFinalStatus(ctx, st); err != nil {
			w.logger.Warn("Failed to save final status", logger.String("task_id", taskID), logger.Error(err))
		}
	}
	return nil
}
