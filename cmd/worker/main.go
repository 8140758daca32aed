package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"automatic-submission-service/internal/alert"
	"automatic-submission-service/internal/config"
	"automatic-submission-service/internal/credentials"
	"automatic-submission-service/internal/queue"
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

	if cfg.Memory() {
		logger.Fatal("the worker needs a shared store; the api runs the worker in-process when APP_ENV=memory")
	}
	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	// Each replica reads as its own consumer within the group.
	if os.Getenv("FEED_CONSUMER") == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.Feed.Consumer = hostname
		}
	}

	client := queue.NewClient(cfg)
	defer client.Close()
	feed := queue.NewRedisFeed(client, cfg.Feed)

	alerts := alert.NewRecorder(st, cfg.Creator, logger.Named("alert"))
	creds := credentials.NewManager(st, logger.Named("credentials"))
	r := reactor.New(st, creds, alerts, logger.Named("reactor"))
	sw := reconcile.NewSweeper(st, alerts, cfg.Reconcile.Grace, logger.Named("reconcile"))
	processor := workerproc.NewProcessor(cfg, feed, r, sw, logger.Named("worker"))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("stream", cfg.Feed.Stream),
		zap.String("consumer", cfg.Feed.Consumer),
		zap.Duration("reconcile_interval", cfg.Reconcile.Interval))
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", zap.Error(err))
	}
}
