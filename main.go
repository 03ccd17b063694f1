package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if err := InitLogger(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	CheckConfig(cfg)

	listeners, err := SetupListeners(cfg)
	if err != nil {
		logger.Fatal("Failed to set up listeners", zap.Error(err))
	}
	for _, l := range listeners {
		logger.Info("Listening", zap.String("addr", l.Name()))
	}

	worker := NewWorker(cfg, listeners)
	if err := worker.InitProcess(); err != nil {
		logger.Fatal("Failed to initialize worker", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return StartMetricsServer(ctx, cfg.MetricsListenAddr, worker)
	})
	g.Go(func() error {
		defer stop()
		return worker.Run()
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}
