// The sibyl-api process serves the write API, unified search, and the
// websocket event stream.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
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

	container, err := di.NewContainer(ctx, cfg, logger, di.RoleAPI)
	if err != nil {
		logger.Fatal("failed to initialize container", zap.Error(err))
	}

	// Hot reload of .env in development; changes only take effect on
	// restart for everything already constructed, so just log them.
	if cfg.IsDevelopment() {
		if watcher, werr := config.NewWatcher(cfg, logger); werr != nil {
			logger.Warn("config watcher unavailable", zap.Error(werr))
		} else {
			watcher.OnChange(func(next *config.Config) {
				logger.Info("configuration changed on disk; restart to apply")
			})
			defer watcher.Stop()
		}
	}

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      container.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			zap.String("addr", cfg.ServerAddr()),
			zap.String("environment", string(cfg.Environment)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := container.Shutdown(shutdownCtx); err != nil {
		logger.Error("container shutdown failed", zap.Error(err))
	}
	logger.Info("stopped")
}
