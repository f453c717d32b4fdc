package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"agent-wallet-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Config struct {
	HttpPort        string
	ShutdownTimeout time.Duration
}

// Worker is a blocking background loop stopped by cancelling its context.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

type App struct {
	httpServer *http.Server
	workers    []Worker
	timeout    time.Duration
}

func New(cfg Config, httpHandler *gin.Engine, workers ...Worker) *App {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &App{
		httpServer: &http.Server{
			Addr:              ":" + cfg.HttpPort,
			Handler:           httpHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		workers: workers,
		timeout: cfg.ShutdownTimeout,
	}
}

// Run serves HTTP and runs the workers until ctx is done, then shuts
// everything down and waits for the workers to return.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range a.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting worker", zap.String("worker", w.Name))
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped with error", zap.String("worker", w.Name), zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP Server", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serveErr:
		runErr = err
		logger.Error("HTTP Server failure", zap.Error(err))
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), a.timeout)
	defer stop()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before the shutdown timeout")
	}
	logger.Info("Server exited properly")
	return runErr
}
