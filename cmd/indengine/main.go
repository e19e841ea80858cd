package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tastream/internal/indengine"
	"tastream/internal/logger"
)

func main() {
	cfg, err := indengine.LoadConfig()
	level, ok := logger.ParseLevel(cfg.Infra.LogLevel)
	logger.Init("indengine", level)
	if !ok {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", cfg.Infra.LogLevel))
	}
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		slog.Any("tfs", cfg.EnabledTFs),
		slog.Int("timeframes", len(cfg.IndicatorConfigs)),
		slog.Duration("snapshot_interval", cfg.SnapshotInterval))

	svc, err := indengine.New(cfg)
	if err != nil {
		slog.Error("init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
