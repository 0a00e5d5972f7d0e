// Package main is the entry point for the support orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/support-orchestrator/internal/agent"
	"github.com/capitalize-ai/support-orchestrator/internal/channel"
	"github.com/capitalize-ai/support-orchestrator/internal/config"
	"github.com/capitalize-ai/support-orchestrator/internal/demand"
	"github.com/capitalize-ai/support-orchestrator/internal/escalation"
	"github.com/capitalize-ai/support-orchestrator/internal/executor"
	"github.com/capitalize-ai/support-orchestrator/internal/handler"
	"github.com/capitalize-ai/support-orchestrator/internal/idempotency"
	"github.com/capitalize-ai/support-orchestrator/internal/llm"
	"github.com/capitalize-ai/support-orchestrator/internal/lock"
	natsclient "github.com/capitalize-ai/support-orchestrator/internal/nats"
	"github.com/capitalize-ai/support-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/support-orchestrator/internal/prompt"
	redisclient "github.com/capitalize-ai/support-orchestrator/internal/redis"
	"github.com/capitalize-ai/support-orchestrator/internal/retry"
	"github.com/capitalize-ai/support-orchestrator/internal/search"
	"github.com/capitalize-ai/support-orchestrator/internal/solution"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/internal/store/postgres"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
	"github.com/capitalize-ai/support-orchestrator/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "support orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Orchestrator.Validate(); err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	log.Info("starting support orchestrator", zap.String("port", cfg.ServerPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-orchestrator", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	var checks []handler.ReadinessCheck

	// Persistence gateway
	st, check, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if check != nil {
		checks = append(checks, *check)
	}

	// Conversation lock and dispatch idempotency
	var (
		locker lock.Locker       = lock.NewKeyedMutex()
		guard  idempotency.Guard = idempotency.NewMemoryGuard(idempotency.Config{DoneTTL: cfg.Orchestrator.IdempotencyTTL})
	)
	if cfg.RedisURL != "" {
		rdb, err := redisclient.NewClient(ctx, redisclient.DefaultConnectionConfig(cfg.RedisURL), log)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rdb.Close()
		locker = lock.NewRedisLock(rdb, cfg.Orchestrator.LockTTL, log)
		guard = idempotency.NewRedisGuard(rdb, idempotency.Config{DoneTTL: cfg.Orchestrator.IdempotencyTTL})
		checks = append(checks, redisCheck(rdb))
	} else {
		log.Warn("REDIS_URL not set, conversation locks are process-local")
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	checks = append(checks, handler.ReadinessCheck{
		Name: "nats",
		Check: func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	})

	// Ensure JetStream stream exists
	streamManager := natsclient.NewStreamManager(natsClient)
	if err := streamManager.EnsureStream(ctx); err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	pub := natsclient.NewStatusPublisher(natsClient.JetStream())

	// Initialize LLM client
	llmClient, err := newLLMClient(cfg, log)
	if err != nil {
		return err
	}

	// External collaborators
	sc := search.NewHTTPClient(search.Config{
		BaseURL: cfg.SearchBaseURL,
		APIKey:  cfg.SearchAPIKey,
		Timeout: cfg.SearchTimeout,
	})
	ch := channel.NewHTTPClient(channel.Config{
		BaseURL: cfg.ChannelBaseURL,
		Token:   cfg.ChannelToken,
		Timeout: cfg.ChannelTimeout,
	})

	core := newCore(cfg, st, locker, guard, pub, llmClient, sc, ch, log)

	// Workers outlive the signal so in-flight events can finish or be
	// interrupted on the drain deadline instead of failing mid-run.
	dispatcher := orchestrator.NewDispatcher(core, cfg.WorkerCount, 0, log)
	dispatcher.Start(context.WithoutCancel(ctx))
	consumer := natsclient.NewInboundConsumer(natsClient, dispatcher, natsclient.ConsumerConfig{}, log)

	router := handler.NewRouter(handler.RouterConfig{
		Orchestration:     core,
		Inbound:           streamManager,
		Checks:            checks,
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if derr := dispatcher.Shutdown(shutdownCtx); derr != nil {
			log.Warn("dispatcher drain cut short, unfinished events left for redelivery", zap.Error(derr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("orchestrator stopped with error", zap.Error(err))
		return err
	}

	log.Info("orchestrator stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, *handler.ReadinessCheck, error) {
	if cfg.DatabaseDSN == "" {
		log.Warn("DATABASE_DSN not set, using in-memory store")
		return store.NewMemoryStore(), nil, nil
	}

	db, err := postgres.Connect(postgres.Config{
		DSN:             cfg.DatabaseDSN,
		MaxIdleConns:    cfg.DatabaseMaxIdle,
		MaxOpenConns:    cfg.DatabaseMaxOpen,
		ConnMaxLifetime: cfg.DatabaseConnMaxLife,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.AutoMigrate(ctx, db, log); err != nil {
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	check := &handler.ReadinessCheck{
		Name: "database",
		Check: func(ctx context.Context) error {
			return postgres.Ping(ctx, db)
		},
	}
	return postgres.NewRepository(db), check, nil
}

func redisCheck(rdb *goredis.Client) handler.ReadinessCheck {
	return handler.ReadinessCheck{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}
}

// newLLMClient picks the configured provider, falling back to whichever
// provider has a key.
func newLLMClient(cfg *config.Config, log *logger.Logger) (llm.Client, error) {
	keys := map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	}

	provider := llm.Provider(cfg.DefaultLLM)
	if keys[provider] == "" {
		for _, p := range []llm.Provider{llm.ProviderAnthropic, llm.ProviderOpenAI} {
			if keys[p] != "" {
				log.Warn("default LLM provider has no key, falling back",
					zap.String("default", cfg.DefaultLLM),
					zap.String("provider", string(p)),
				)
				provider = p
				break
			}
		}
	}
	if keys[provider] == "" {
		return nil, errors.New("no LLM API key configured")
	}

	client, err := llm.NewClient(provider, llm.Options{APIKey: keys[provider], Model: cfg.LLMModel})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	log.Info("LLM client initialized", zap.String("provider", client.Name()))
	return llm.Instrument(client, log), nil
}

func newCore(
	cfg *config.Config,
	st store.Store,
	locker lock.Locker,
	guard idempotency.Guard,
	pub *natsclient.StatusPublisher,
	client llm.Client,
	sc search.Client,
	ch channel.Client,
	log *logger.Logger,
) *orchestrator.Core {
	o := cfg.Orchestrator
	prompts := prompt.MustDefault()
	searchPolicy := retry.Exponential("knowledge-search", o.SearchMaxAttempts, o.SearchInitialDelay, o.SearchMaxDelay)

	exec := executor.New(st, ch, guard, pub, executor.Config{
		HumanQueueID: cfg.HumanQueueID,
		Policy:       retry.Exponential("channel-dispatch", o.ChannelMaxAttempts, o.ChannelInitialDelay, 0),
	}, log)
	esc := escalation.NewManager(st, exec, pub, log)

	agentCfg := agent.Config{
		Model:      cfg.LLMModel,
		MaxTokens:  cfg.LLMMaxTokens,
		TopMatches: o.TopMatches,
	}

	finder := demand.New(client, sc, prompts, st, esc, demand.Config{
		Model:             cfg.LLMModel,
		MaxTokens:         cfg.LLMMaxTokens,
		MaxRounds:         o.MaxDemandRounds,
		ToolMaxIterations: o.ToolMaxIterations,
		TopMatches:        o.TopMatches,
		ApologyMessage:    o.ApologyMessage,
		SearchPolicy:      searchPolicy,
	}, log)

	provider := solution.New(client, sc, prompts, st, exec, esc, solution.Config{
		Model:             cfg.LLMModel,
		MaxTokens:         cfg.LLMMaxTokens,
		MaxInteractions:   o.MaxSolutionInteractions,
		MaxActionsPerTurn: o.MaxActionsPerTurn,
		ApologyMessage:    o.ApologyMessage,
		TransferNotice:    o.TransferNotice,
		ResolvePolicy:     searchPolicy,
	}, log)

	return orchestrator.New(orchestrator.Deps{
		Store:      st,
		Locker:     locker,
		Summary:    agent.NewSummaryAgent(client, prompts, st, agentCfg, log),
		Classifier: agent.NewClassificationAgent(client, prompts, st, agentCfg, log),
		Ranker:     agent.NewRankingAgent(client, sc, prompts, st, agentCfg, log),
		Demand:     finder,
		Solution:   provider,
		Escalation: esc,
		Executor:   exec,
		Events:     pub,
	}, o, log)
}
