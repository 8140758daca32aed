package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"automatic-submission-service/internal/alert"
	api "automatic-submission-service/internal/api"
	"automatic-submission-service/internal/config"
	"automatic-submission-service/internal/credentials"
	"automatic-submission-service/internal/orchestrator"
	"automatic-submission-service/internal/projection"
	"automatic-submission-service/internal/queue"
	"automatic-submission-service/internal/ratelimit"
	"automatic-submission-service/internal/reactor"
	"automatic-submission-service/internal/reconcile"
	"automatic-submission-service/internal/store"
	"automatic-submission-service/internal/telemetry"
	workerproc "automatic-submission-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := telemetry.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	client := queue.NewClient(cfg)
	defer client.Close()
	feed := queue.NewRedisFeed(client, cfg.Feed)
	limiter := ratelimit.NewSlidingWindow(client, cfg.RateLimit.Limit, cfg.RateLimit.Window)

	alerts := alert.NewRecorder(st, cfg.Creator, logger.Named("alert"))
	creds := credentials.NewManager(st, logger.Named("credentials"))
	orch := orchestrator.New(st, creds, alerts, cfg.Creator, logger.Named("orchestrator"))

	// The in-memory store is not shared across processes, so the worker
	// loop runs here as well.
	if cfg.Memory() {
		r := reactor.New(st, creds, alerts, logger.Named("reactor"))
		sw := reconcile.NewSweeper(st, alerts, cfg.Reconcile.Grace, logger.Named("reconcile"))
		processor := workerproc.NewProcessor(cfg, feed, r, sw, logger.Named("worker"))
		go func() {
			if err := processor.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("in-process worker stopped", zap.Error(err))
			}
		}()
	}

	server := api.New(cfg, orch, projection.New(st), feed, limiter, logger.Named("api"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("env", cfg.Env))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
