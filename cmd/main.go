package main

import (
	"context"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"ledger-agent/handler"
	"ledger-agent/internal/config"
	"ledger-agent/internal/integrations"
	"ledger-agent/internal/integrations/broker"
	"ledger-agent/internal/integrations/paramstore"
	"ledger-agent/internal/ledger"
	"ledger-agent/internal/repository"
	"ledger-agent/internal/session"
	"ledger-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	if err := cfg.RequireLambda(); err != nil {
		slog.Error("missing configuration", "err", err)
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid timezone", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	sessions, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.SessionsTable, repository.WithSessionTTL(cfg.SessionTTL))
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}

	ledgerStore, err := ledger.Open(ctx, cfg.LedgerDBPath)
	if err != nil {
		slog.Error("failed to open ledger", "err", err)
		os.Exit(1)
	}
	if cfg.SeedDefaultAccounts {
		if err := ledgerStore.SeedDefaultAccounts(ctx); err != nil {
			slog.Error("failed to seed default accounts", "err", err)
			os.Exit(1)
		}
	}

	manager, err := session.NewManager(sessions, ledgerStore)
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		os.Exit(1)
	}

	factory, err := integrations.NewFactory(cfg, params)
	if err != nil {
		slog.Error("failed to create llm factory", "err", err)
		os.Exit(1)
	}
	llmClient, err := factory.CreateClient()
	if err != nil {
		slog.Error("failed to create llm client", "provider", cfg.LLMProvider, "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(usecase.ChatDeps{
		Sessions: manager,
		Books:    ledgerStore,
		Chart:    ledgerStore,
		Writer:   ledgerStore,
		LLM:      llmClient,
		Notifier: newNotifier(cfg),
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

	lambda.Start(h.Handle)
}

// newNotifier connects to the broker when AMQP_URL is set. A broker that is
// down at cold start only disables events.
func newNotifier(cfg *config.Config) usecase.Notifier {
	if cfg.AMQPURL == "" {
		return broker.Noop{}
	}
	p, err := broker.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPRoutingKey)
	if err != nil {
		slog.Warn("transaction events disabled", "err", err)
		return broker.Noop{}
	}
	return p
}
