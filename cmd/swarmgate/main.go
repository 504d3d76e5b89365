// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command swarmgate runs the task orchestration service and its
// operational tooling.
//
// # Environment Variables
//
//   - SWARMGATE_PORT: HTTP server port (default: 12310)
//   - SWARMGATE_DB_PATH: SQLite path (default: ./data/swarmgate.db)
//   - SWARMGATE_REDIS_ADDR: Redis for distributed rate counters (optional)
//   - SWARMGATE_WEAVIATE_URL: similarity store URL (optional)
//   - SWARMGATE_AGENT_BASE_URL: agent session API base URL
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector
//   - OPENAI_API_KEY: enables the reasoner and embeddings
//   - TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID: operator notifications
//
// # Usage
//
//	swarmgate serve --config config.yaml
//	swarmgate chaos run
//	swarmgate chaos run --scenario auth_storm
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmgate/swarmgate/pkg/logging"
	"github.com/swarmgate/swarmgate/services/chaos"
	"github.com/swarmgate/swarmgate/services/orchestrator"
	"github.com/swarmgate/swarmgate/services/store"
)

var (
	configPath    string
	chaosScenario string
	chaosDBPath   string

	rootCmd = &cobra.Command{
		Use:   "swarmgate",
		Short: "A governed multi-agent task orchestration service",
		Long: `Swarmgate decomposes prompts into task DAGs, gates them through
cost and quality governance, and dispatches them to coding agents with
identity failover, rate guarding, and canary rollout monitoring.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator HTTP server",
		RunE:  runServe,
	}

	chaosCmd = &cobra.Command{
		Use:   "chaos",
		Short: "Fault-injection tooling",
	}
	chaosRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run fault-injection scenarios against in-process components",
		Long: `Exercises the resilience contracts (breaker trip, quota denial,
store fallback, session timeout) against throwaway in-process fixtures
and records the outcomes in the chaos ledger.`,
		RunE: runChaos,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (optional)")
	chaosRunCmd.Flags().StringVar(&chaosScenario, "scenario", "", "single scenario to run (default: all)")
	chaosRunCmd.Flags().StringVar(&chaosDBPath, "db", ":memory:", "chaos ledger database path")

	chaosCmd.AddCommand(chaosRunCmd)
	rootCmd.AddCommand(serveCmd, chaosCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Service: "orchestrator",
		LogDir:  os.Getenv("SWARMGATE_LOG_DIR"),
		JSON:    true,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	svc, err := orchestrator.New(cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	return svc.Run()
}

func runChaos(cmd *cobra.Command, _ []string) error {
	logger := logging.Default()
	defer logger.Close()

	db, err := store.Open(chaosDBPath, logger.Logger)
	if err != nil {
		return fmt.Errorf("open chaos ledger: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	engine := chaos.New(db, logger.Logger)
	var results []chaos.Result
	if chaosScenario == "" {
		results = engine.RunAll(ctx)
	} else {
		res, err := engine.Run(ctx, chaosScenario)
		if err != nil {
			return err
		}
		results = []chaos.Result{res}
	}

	failed := 0
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%-20s %s  %s\n", r.Scenario, status, r.Report)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	fmt.Printf("all %d scenarios passed\n", len(results))
	return nil
}
