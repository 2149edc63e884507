// The sibyl-worker process runs the background job fleet: crawls, entity
// writes, agent sessions, and status-hint generation.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/config"
	"github.com/zhangjihua396/sibyl-sub003/internal/di"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := di.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	container, err := di.NewContainer(ctx, cfg, logger, di.RoleWorker)
	if err != nil {
		logger.Fatal("failed to initialize container", zap.Error(err))
	}

	worker := container.NewWorker()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Run(ctx); err != nil {
			logger.Error("worker stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	cancel()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("worker did not drain in time")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := container.Shutdown(shutdownCtx); err != nil {
		logger.Error("container shutdown failed", zap.Error(err))
	}
	logger.Info("stopped")
}
