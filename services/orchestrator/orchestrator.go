// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles the swarmgate service: governance gate,
// task queue, swarm executor, canary controller, and the HTTP surface
// that fronts them. Every external dependency (SQLite, Redis, Weaviate,
// the agent API, Telegram) is optional except the store; missing ones
// degrade the corresponding feature instead of failing startup.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/swarmgate/swarmgate/services/accounts"
	"github.com/swarmgate/swarmgate/services/canary"
	"github.com/swarmgate/swarmgate/services/chaos"
	"github.com/swarmgate/swarmgate/services/governance"
	"github.com/swarmgate/swarmgate/services/llm"
	"github.com/swarmgate/swarmgate/services/memory"
	"github.com/swarmgate/swarmgate/services/notify"
	"github.com/swarmgate/swarmgate/services/orchestrator/handlers"
	"github.com/swarmgate/swarmgate/services/orchestrator/observability"
	"github.com/swarmgate/swarmgate/services/orchestrator/routes"
	"github.com/swarmgate/swarmgate/services/queue"
	"github.com/swarmgate/swarmgate/services/rateguard"
	"github.com/swarmgate/swarmgate/services/rca"
	"github.com/swarmgate/swarmgate/services/store"
	"github.com/swarmgate/swarmgate/services/swarm"

	agentapi "github.com/swarmgate/swarmgate/services/agent"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle. Run blocks until the HTTP
// server stops; Router exposes the Gin engine for integration tests.
type Service interface {
	Run() error
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	logger *slog.Logger
	router *gin.Engine

	db       *store.Store
	board    *queue.Queue
	gate     *governance.Gate
	recorder *governance.Recorder
	registry *accounts.Registry
	guard    *rateguard.Guard
	canary   *canary.Controller
	watchdog *swarm.Watchdog
	sink     notify.Sink

	runCtx        context.Context
	runCancel     context.CancelFunc
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// =============================================================================
// Constructor
// =============================================================================

// New wires a Service from cfg. The logger may be nil.
func New(cfg Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{
		config: applyConfigDefaults(cfg),
		logger: logger,
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	if !s.config.TracingOff {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if s.config.EnableMetrics {
		observability.Init()
	}

	db, err := store.Open(s.config.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db
	s.board = queue.New(db, queue.NewMemoryStore(), logger)

	searcher := s.initMemory()
	reasoner := s.initReasoner()
	s.sink = s.initNotifier()

	s.recorder = governance.NewRecorder(db, searcher, logger)
	s.gate = governance.New(db, db, searcher, s.recorder, governance.Config{
		DefaultDailyLimitUSD: s.config.DailyLimitUSD,
		DeepTierDisabled:     s.config.DeepTierDisabled,
	}, logger)

	s.guard = s.initRateGuard()
	s.registry = accounts.NewRegistry(s.accountPool(), logger)

	agentClient := agentapi.NewClient(s.config.AgentBaseURL, s.config.AgentRPS, logger)
	diagnoser := rca.New(reasoner, searcher, logger)
	s.canary = canary.New(db, s.sink, logger)

	executor := swarm.NewExecutor(s.board, s.registry, s.guard, agentClient,
		diagnoser, s.canary, db, swarm.ExecutorConfig{
			DefaultDailyLimitUSD: s.config.DailyLimitUSD,
		}, logger)
	runner := swarm.NewOrchestrator(s.board, executor, reasoner, s.recorder, s.canary, s.sink, logger)
	s.watchdog = swarm.NewWatchdog(db, s.board, s.sink, 0, logger)

	deps := &handlers.Deps{
		Queue:      s.board,
		Gate:       s.gate,
		Planner:    swarm.NewPlanner(reasoner, logger),
		Runner:     runner,
		Canary:     s.canary,
		Chaos:      chaos.New(db, logger),
		Registry:   s.registry,
		Logger:     logger,
		RunContext: s.runCtx,
	}
	s.initRouter(deps)

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the background loops and the HTTP server, blocking until
// the server stops.
func (s *service) Run() error {
	defer s.cleanup()

	go s.canary.Run(s.runCtx)
	go s.watchdog.Run(s.runCtx)

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info("starting swarmgate orchestrator",
		slog.Int("port", s.config.Port),
		slog.Int("accounts", len(s.config.Accounts)))

	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("swarmgate-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown OTLP exporter",
				slog.String("error", err.Error()))
		}
	}

	return cleanup, nil
}

// initMemory connects the similarity store. Both a Weaviate URL and an
// OpenAI key are required; without them prediction and RCA history run
// disabled.
func (s *service) initMemory() memory.Searcher {
	if s.config.WeaviateURL == "" || s.config.OpenAIKey == "" {
		s.logger.Info("similarity memory disabled",
			slog.Bool("weaviate_configured", s.config.WeaviateURL != ""),
			slog.Bool("embedder_configured", s.config.OpenAIKey != ""))
		return nil
	}

	parsed, err := url.Parse(s.config.WeaviateURL)
	if err != nil || parsed.Host == "" {
		s.logger.Warn("invalid weaviate url, similarity memory disabled",
			slog.String("url", s.config.WeaviateURL))
		return nil
	}

	embedder := memory.NewOpenAIEmbedder(s.config.OpenAIKey, s.logger)
	mem, err := memory.NewWeaviateMemory(parsed.Host, parsed.Scheme, embedder, s.logger)
	if err != nil {
		s.logger.Warn("weaviate initialization failed, similarity memory disabled",
			slog.String("error", err.Error()))
		return nil
	}
	return mem
}

func (s *service) initReasoner() llm.Reasoner {
	if s.config.OpenAIKey == "" {
		s.logger.Info("reasoner disabled, single-shot fallback and planning will degrade")
		return nil
	}
	return llm.NewClient(s.config.OpenAIKey, s.config.OpenAIBaseURL, "", s.logger)
}

func (s *service) initNotifier() notify.Sink {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" || s.config.TelegramChatID == 0 {
		return notify.Nop{}
	}
	tg, err := notify.NewTelegram(token, s.config.TelegramChatID, s.logger)
	if err != nil {
		s.logger.Warn("telegram notifier unavailable",
			slog.String("error", err.Error()))
		return notify.Nop{}
	}
	return tg
}

func (s *service) initRateGuard() *rateguard.Guard {
	var primary rateguard.CounterStore
	if s.config.RedisAddr != "" {
		rc, err := rateguard.NewRedisCounters(s.config.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			s.logger.Warn("redis counters unavailable, rate limiting is local-only",
				slog.String("addr", s.config.RedisAddr),
				slog.String("error", err.Error()))
		} else {
			primary = rc
		}
	}

	quotas := make(map[string]rateguard.Quota, len(s.config.Quotas))
	for model, q := range s.config.Quotas {
		quotas[model] = rateguard.Quota{Hourly: q.Hourly, Daily: q.Daily}
	}
	return rateguard.New(primary, s.db, quotas, "swarmgate", s.logger)
}

// accountPool resolves credentials from the environment. Accounts whose
// key variable is unset are kept with an empty key; the registry treats
// them as unusable rather than dropping them from the snapshot.
func (s *service) accountPool() []accounts.Account {
	pool := make([]accounts.Account, 0, len(s.config.Accounts))
	for _, ac := range s.config.Accounts {
		pool = append(pool, accounts.Account{
			ID:    ac.ID,
			Label: ac.Label,
			Key:   os.Getenv(ac.KeyEnv),
		})
	}
	return pool
}

func (s *service) initRouter(deps *handlers.Deps) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	router := gin.Default()
	router.Use(otelgin.Middleware("swarmgate-orchestrator"))
	routes.SetupRoutes(router, deps, s.config.EnableMetrics)
	s.router = router
}

func (s *service) cleanup() {
	s.runCancel()
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("store close failed", slog.String("error", err.Error()))
		}
	}
}
