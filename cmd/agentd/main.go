// Command agentd runs the agent orchestration service: chat-driven plan
// proposal, explicit confirmation, and background execution of plans
// against registered tool servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drojas/agentd"
	"github.com/drojas/agentd/executor"
	"github.com/drojas/agentd/internal/app"
	"github.com/drojas/agentd/internal/config"
	"github.com/drojas/agentd/invoker"
	"github.com/drojas/agentd/observer"
	"github.com/drojas/agentd/pipeline"
	"github.com/drojas/agentd/provider/openaicompat"
	"github.com/drojas/agentd/recovery"
	"github.com/drojas/agentd/registry"
	"github.com/drojas/agentd/runner"
	"github.com/drojas/agentd/store/postgres"
	"github.com/drojas/agentd/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg := config.Load(configPath)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	var prov agentd.Provider = openaicompat.New(
		cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
		openaicompat.WithLogger(logger))

	iv := invoker.New(store, invoker.WithLogger(logger))
	invokerFor := iv.ForProject

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Warn("observer shutdown", "err", err)
			}
		}()
		prov = observer.WrapProvider(prov, cfg.LLM.Model, inst)
		invokerFor = func(proj *agentd.Project) executor.InvokeFunc {
			return observer.WrapInvoke(iv.ForProject(proj), inst)
		}
	}

	reasoner := runner.NewReasoner(prov, logger)
	runr := runner.New(store, store, store, invokerFor,
		runner.WithLogger(logger),
		runner.WithReasoner(reasoner),
		runner.WithTimeout(cfg.Runner.PlanTimeout()),
		runner.WithMaxAttempts(cfg.Runner.MaxAttempts))

	pipe := pipeline.New(store, store, store, store, prov, runr,
		pipeline.WithLogger(logger))

	reg := registry.New(store, registry.WithLogger(logger))

	// Stale queued/running runs must be repaired before the API serves.
	recovered := recovery.Run(ctx, store, store, store, logger)
	if recovered > 0 {
		logger.Warn("recovered stale runs from previous process", "count", recovered)
	}

	server := app.New(store, pipe, reg, app.WithLogger(logger))
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (agentd.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return postgres.New(pool, postgres.WithLogger(logger)), nil
	case "", "sqlite":
		return sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
