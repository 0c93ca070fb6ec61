package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/document-reconciler/api/handlers"
	"github.com/feichai0017/document-reconciler/api/routes"
	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/bootstrap"
	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/metrics"
)

func main() {
	cfg, err := config.GetPipelineConfig()
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := bootstrap.NewLogger(cfg.Log, "logs/app.log")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// init reconcile session
	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, log, bootstrap.Options{
		Queue:   true,
		Metrics: metrics.New(nil),
	})
	if err != nil {
		log.Fatal("Failed to init reconcile session", logger.Error(err))
	}
	defer app.Close()

	if offer := app.Session.ResumeOffer(ctx); offer != nil {
		log.Info("Resumable checkpoint found",
			logger.Time("saved_at", offer.SavedAt),
			logger.Int("tasks", offer.Tasks),
		)
	}

	// init handlers
	h := handlers.NewHandlers(app.Session, cfg.Intake.MaxFileSize, log)
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, app.Metrics.Handler())

	addr := ":" + envOr("PORT", "8080")
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", addr), logger.String("session_id", app.Session.ID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
