// Command devserver runs the chat endpoint over plain HTTP with in-memory
// sessions and a local SQLite ledger.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"

	"ledger-agent/handler"
	"ledger-agent/internal/config"
	"ledger-agent/internal/domain"
	"ledger-agent/internal/integrations"
	"ledger-agent/internal/integrations/broker"
	"ledger-agent/internal/ledger"
	"ledger-agent/internal/session"
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
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid timezone", "err", err)
		os.Exit(1)
	}

	ledgerStore, err := ledger.Open(ctx, cfg.LedgerPathOr("ledger.db"))
	if err != nil {
		slog.Error("failed to open ledger", "err", err)
		os.Exit(1)
	}
	defer ledgerStore.Close()
	if cfg.SeedDefaultAccounts {
		if err := ledgerStore.SeedDefaultAccounts(ctx); err != nil {
			slog.Error("failed to seed default accounts", "err", err)
			os.Exit(1)
		}
	}

	if cfg.DevUserID > 0 {
		book, err := ledgerStore.EnsureBook(ctx, cfg.DevUserID, "개인 장부", domain.BookPersonal)
		if err != nil {
			slog.Error("failed to create dev book", "err", err)
			os.Exit(1)
		}
		slog.Info("dev book ready", "user_id", book.UserID, "book_id", book.ID)
	}

	store := session.NewMemoryStore()
	manager, err := session.NewManager(store, ledgerStore)
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		os.Exit(1)
	}

	// Keys come from the environment only; there is no parameter store locally.
	factory, err := integrations.NewFactory(cfg, nil)
	if err != nil {
		slog.Error("failed to create llm factory", "err", err)
		os.Exit(1)
	}
	llmClient, err := factory.CreateClient()
	if err != nil {
		slog.Error("failed to create llm client", "provider", cfg.LLMProvider, "err", err)
		os.Exit(1)
	}

	var notifier usecase.Notifier = broker.Noop{}
	if cfg.AMQPURL != "" {
		p, err := broker.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPRoutingKey)
		if err != nil {
			slog.Error("failed to connect to broker", "err", err)
			os.Exit(1)
		}
		defer p.Close()
		notifier = p
	}

	chatService, err := usecase.NewChatService(usecase.ChatDeps{
		Sessions: manager,
		Books:    ledgerStore,
		Chart:    ledgerStore,
		Writer:   ledgerStore,
		LLM:      llmClient,
		Notifier: notifier,
	}, usecase.ChatConfig{
		GatewayTimeout:   cfg.LLMTimeout,
		MaxMessageLength: cfg.MaxMessageLength,
		Location:         loc,
	})
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	sweeper, err := usecase.NewSweeper(store, cfg.SessionTTL)
	if err != nil {
		slog.Error("failed to create sweeper", "err", err)
		os.Exit(1)
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.SweepSchedule, func() {
		if n, err := sweeper.Sweep(ctx); err != nil {
			slog.Error("session sweep failed", "deleted", n, "err", err)
		}
	}); err != nil {
		slog.Error("invalid sweep schedule", "schedule", cfg.SweepSchedule, "err", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	h.RegisterRoutes(e)

	go func() {
		if err := e.Start(cfg.DevAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("dev server stopped", "err", err)
			stop()
		}
	}()
	slog.Info("dev server started", "addr", cfg.DevAddr, "provider", cfg.LLMProvider)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down dev server", "err", err)
	}
}
