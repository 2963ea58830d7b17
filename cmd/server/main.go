// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mailmind — reply pipeline service
//
// Entry point for the reply pipeline. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL (usage ledger) and Redis (idempotency guard)
//  3. Builds the completion and delivery clients
//  4. Serves the inbound webhook and health endpoints
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mailmind/pipeline/internal/completion"
	"github.com/mailmind/pipeline/internal/config"
	"github.com/mailmind/pipeline/internal/dedup"
	"github.com/mailmind/pipeline/internal/delivery"
	"github.com/mailmind/pipeline/internal/ledger"
	"github.com/mailmind/pipeline/internal/perf"
	"github.com/mailmind/pipeline/internal/pipeline"
	"github.com/mailmind/pipeline/internal/retry"
	"github.com/mailmind/pipeline/internal/webhook"
)

func main() {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailmind reply pipeline")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"dedup_window", cfg.DedupWindow,
		"completion_model", cfg.Completion.Model,
		"delivery_domain", cfg.Delivery.Domain,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// --- Idempotency Guard ---
	guard := dedup.NewGuard(rdb, cfg.DedupWindow)
	if err := guard.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Usage Ledger (Postgres) ---
	ldg, err := ledger.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise usage ledger", "error", err)
		os.Exit(1)
	}

	// --- Retry policy shared by both external clients ---
	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		Multiplier:     cfg.Retry.Multiplier,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}

	// --- Completion Client ---
	completer := completion.NewClient(
		&http.Client{Timeout: cfg.Completion.Timeout},
		completion.Config{
			BaseURL:       cfg.Completion.BaseURL,
			APIKey:        cfg.Completion.APIKey,
			Model:         cfg.Completion.Model,
			MaxTokens:     cfg.Completion.MaxTokens,
			SystemContext: cfg.Completion.SystemContext,
			Rates: completion.Rates{
				InputPerToken:  cfg.Completion.InputTokenRate,
				OutputPerToken: cfg.Completion.OutputTokenRate,
			},
			Policy: policy,
		},
	)

	// --- Delivery Client ---
	// Providers that use OAuth2 client credentials get a token-source-backed
	// HTTP client; API-key providers get a plain one.
	deliveryHTTP := &http.Client{Timeout: 30 * time.Second}
	if cfg.Delivery.OAuth.Enabled() {
		creds := &clientcredentials.Config{
			ClientID:     cfg.Delivery.OAuth.ClientID,
			ClientSecret: cfg.Delivery.OAuth.ClientSecret,
			TokenURL:     cfg.Delivery.OAuth.TokenURL,
			Scopes:       cfg.Delivery.OAuth.Scopes,
		}
		deliveryHTTP = creds.Client(ctx)
		slog.Info("delivery client using OAuth2 client credentials")
	}
	deliverer := delivery.NewClient(deliveryHTTP, delivery.Config{
		BaseURL: cfg.Delivery.BaseURL,
		Domain:  cfg.Delivery.Domain,
		APIKey:  cfg.Delivery.APIKey,
		Policy:  policy,
	})

	// --- Pipeline Orchestrator ---
	orchestrator := pipeline.New(guard, ldg, completer, deliverer, logger, pipeline.Config{
		FromAddress:   cfg.Delivery.FromAddress,
		EstimatedCost: cfg.Limits.EstimatedCost,
		Thresholds: perf.Thresholds{
			Total: cfg.Limits.TotalBudget,
			Stage: map[string]time.Duration{
				"admission":  cfg.Limits.AdmissionWarn,
				"completion": cfg.Limits.CompletionWarn,
				"delivery":   cfg.Limits.DeliveryWarn,
			},
		},
	})

	// --- Webhook Server ---
	handler := webhook.NewHandler(orchestrator, cfg.SigningKey, map[string]webhook.Pinger{
		"redis":    guard,
		"postgres": ldg,
	})
	ready, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	// In-flight pipeline runs own background contexts; give them a moment to
	// reach a terminal state before the process exits.
	time.Sleep(2 * time.Second)

	slog.Info("reply pipeline stopped")
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
