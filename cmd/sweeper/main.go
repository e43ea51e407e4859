package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/robfig/cron/v3"

	"ledger-agent/internal/config"
	"ledger-agent/internal/repository"
	"ledger-agent/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	if cfg.SessionsTable == "" {
		slog.Error("required environment variable is not set", "key", "SESSIONS_TABLE")
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}
	sessions, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.SessionsTable, repository.WithSessionTTL(cfg.SessionTTL))
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}
	sweeper, err := usecase.NewSweeper(sessions, cfg.SessionTTL)
	if err != nil {
		slog.Error("failed to create sweeper", "err", err)
		os.Exit(1)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.SweepSchedule, func() { runSweep(ctx, sweeper) }); err != nil {
		slog.Error("invalid sweep schedule", "schedule", cfg.SweepSchedule, "err", err)
		os.Exit(1)
	}
	c.Start()
	slog.Info("session sweeper started", "schedule", cfg.SweepSchedule, "ttl", cfg.SessionTTL)

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("session sweeper stopped")
}

func runSweep(ctx context.Context, sweeper *usecase.Sweeper) {
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "session sweep failed", "deleted", n, "err", err)
		return
	}
	slog.InfoContext(ctx, "session sweep finished", "deleted", n)
}
