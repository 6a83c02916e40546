// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/config"
	"github.com/coreply/cooperate/internal/llmclient"
	"github.com/coreply/cooperate/internal/observability"
	"github.com/coreply/cooperate/internal/store"
)

// InitializeJournal connects to the database or starts an in-memory journal.
// The returned cleanup is nil when there is nothing to release.
func InitializeJournal(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Journal, func(), error) {
	switch strings.ToLower(cfg.Type) {
	case "", "memory", "in-memory":
		logger.Info("Using in-memory task journal. Task history is lost on exit.")
		return store.NewMemoryStore(), nil, nil

	case "postgres":
		poolConfig, err := pgxpool.ParseConfig(cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
		}
		poolConfig.MaxConns = 4
		poolConfig.MinConns = 1
		poolConfig.MaxConnLifetime = 1 * time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute
		logger.Info("Initializing PostgreSQL task journal.", zap.String("host", poolConfig.ConnConfig.Host))

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
		}

		journal, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize journal store: %w", err)
		}
		if err := journal.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to prepare journal schema: %w", err)
		}

		cleanup := func() {
			logger.Info("Closing PostgreSQL connection pool.")
			pool.Close()
		}
		return journal, cleanup, nil
	}

	return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
}

// InitializeLLMClient creates the model client for the configured provider.
func InitializeLLMClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	client, err := llmclient.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize LLM client.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return client, nil
}

// InitializeMetrics builds a private registry carrying the agent collectors
// plus the Go runtime and process collectors. Both results are nil when
// metrics are disabled.
func InitializeMetrics(cfg config.MetricsConfig) (*observability.Metrics, *prometheus.Registry, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(reg, cfg.Namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return metrics, reg, nil
}
