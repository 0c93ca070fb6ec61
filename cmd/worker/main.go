package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/bootstrap"
	"github.com/feichai0017/document-reconciler/internal/service/reconcile"
	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/queue"
	"github.com/feichai0017/document-reconciler/pkg/storage"
	"github.com/feichai0017/document-reconciler/pkg/worker"
)

// 每小时清理过期的暂存文件
const cleanupSpec = "@every 1h"

func main() {
	cfg, err := config.GetPipelineConfig()
	if err != nil {
		panic(err)
	}

	// 初始化日志
	log, err := bootstrap.NewLogger(cfg.Log, "logs/worker.log")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 暂存存储
	store, err := storage.NewStorage(ctx, storage.StorageType(cfg.Intake.Storage), log)
	if err != nil {
		log.Error("Failed to init storage", logger.Error(err))
		os.Exit(1)
	}

	// 创建 worker 配置
	queueCfg := queue.ConfigFromRedis(config.GetRedisConfig())
	workerCfg := &worker.Config{
		Queue:       queueCfg,
		Concurrency: 4,
		Queues:      queue.Queues,
	}

	statuses := queue.NewAsynqQueue(queueCfg)
	defer statuses.Close()

	// 创建 worker
	cleanupWorker := worker.NewCleanupWorker(workerCfg, store, statuses, log)

	// 定时清理超过有效期的暂存文件
	scheduler, err := queue.NewCleanupScheduler(queueCfg, cleanupSpec, queue.CleanupPayload{
		Prefix:    reconcile.IntakePrefix + "/",
		OlderThan: cfg.Staleness,
	})
	if err != nil {
		log.Error("Failed to create cleanup scheduler", logger.Error(err))
		os.Exit(1)
	}

	// 启动 worker
	if err := cleanupWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		log.Error("Failed to start scheduler", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Worker started", logger.String("cleanup", cleanupSpec), logger.Duration("older_than", cfg.Staleness))

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	scheduler.Shutdown()
	cleanupWorker.Stop()
	log.Info("Worker stopped")
}
