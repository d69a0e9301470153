// Orchestrator server — provides the HTTP API, runs the runtime engine, and
// pushes live task updates over websockets.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/SynidSweet/the-system/pkg/agent"
	"github.com/SynidSweet/the-system/pkg/api"
	"github.com/SynidSweet/the-system/pkg/config"
	"github.com/SynidSweet/the-system/pkg/events"
	"github.com/SynidSweet/the-system/pkg/graph"
	"github.com/SynidSweet/the-system/pkg/ledger"
	"github.com/SynidSweet/the-system/pkg/llm"
	"github.com/SynidSweet/the-system/pkg/process"
	"github.com/SynidSweet/the-system/pkg/runtime"
	"github.com/SynidSweet/the-system/pkg/seed"
	"github.com/SynidSweet/the-system/pkg/store"
	"github.com/SynidSweet/the-system/pkg/version"
)

const documentCacheSize = 64

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// buildProviders constructs the LLM provider registry from configuration.
// API keys come from the environment variables named in the config, never
// from the YAML itself.
func buildProviders(cfg *config.Config) (*llm.Registry, error) {
	registry := llm.NewRegistry()
	for name, pc := range cfg.Providers {
		apiKey := os.Getenv(pc.APIKeyEnv)
		if apiKey == "" {
			slog.Warn("Skipping LLM provider: API key env not set",
				"provider", name, "env", pc.APIKeyEnv)
			continue
		}

		var (
			provider llm.ModelProvider
			err      error
		)
		switch pc.Type {
		case config.ProviderOpenAI:
			provider, err = llm.NewOpenAIFromAPIKey(apiKey, pc.Model)
		case config.ProviderAnthropic:
			provider, err = llm.NewAnthropicFromAPIKey(apiKey, pc.Model)
		}
		if err != nil {
			return nil, err
		}
		registry.Register(name, provider)
		if pc.Default {
			if err := registry.SetDefault(name); err != nil {
				return nil, err
			}
		}
		slog.Info("LLM provider registered", "provider", name, "type", pc.Type, "model", pc.Model)
	}
	return registry, nil
}

func run() error {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting orchestrator", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		return err
	}

	// Store: PostgreSQL when configured, in-memory otherwise. The in-memory
	// store is for development; nothing survives a restart.
	var entityStore store.EntityStore
	if cfg.Database.Enabled {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.Postgres())
		if err != nil {
			return err
		}
		entityStore = pg
		slog.Info("Connected to PostgreSQL", "host", cfg.Database.Host, "database", cfg.Database.Database)
	} else {
		entityStore = store.NewMemoryStore()
		slog.Warn("Running on the in-memory store; state is not persisted")
	}
	defer func() {
		if err := entityStore.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	if err := seed.New(entityStore).Apply(ctx, cfg.Seeds); err != nil {
		return err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	docs, err := agent.NewDocumentCache(entityStore, documentCacheSize)
	if err != nil {
		return err
	}

	taskGraph := graph.New()
	registry := process.NewRegistry()
	process.NewBuiltins(entityStore, taskGraph).RegisterAll(registry)

	eventLedger := ledger.New(entityStore, cfg.Ledger.LedgerSettings())
	eventLedger.Start()

	publisher := events.NewPublisher(events.NewConnectionManager(nil))
	engine := runtime.NewEngine(entityStore, taskGraph, registry,
		agent.NewInvoker(entityStore, providers, docs),
		agent.NewLocalExecutor(entityStore),
		eventLedger, publisher, cfg.Runtime.Settings())
	engine.Start()

	httpServer := api.NewServer(engine, entityStore, publisher.Manager(), cfg.Server.Addr())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(httpServer.Start)
	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			slog.Info("Shutdown signal received", "signal", sig)
		case <-groupCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Shutdown ordering: stop accepting requests, drain the engine so
		// in-flight invocations finish, then flush the ledger.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		engine.Stop(shutdownCtx)
		eventLedger.Stop(shutdownCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}
