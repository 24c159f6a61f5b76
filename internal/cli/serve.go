// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/openyap/internal/chat"
	"github.com/jeranaias/openyap/internal/config"
	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/llm/gemini"
	"github.com/jeranaias/openyap/internal/llm/ollama"
	"github.com/jeranaias/openyap/internal/llm/openrouter"
	"github.com/jeranaias/openyap/internal/logging"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/server"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/jeranaias/openyap/internal/storage/blob"
	"github.com/jeranaias/openyap/internal/storage/mongo"
	"github.com/jeranaias/openyap/internal/storage/sqlite"
	"github.com/jeranaias/openyap/internal/telemetry"
)

func newServeCmd(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		Long: `Starts the HTTP API. Messages left streaming by a previous run are
marked interrupted before the listener opens. SIGINT or SIGTERM stops live
generations, persists what they produced and shuts the server down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig("serve")
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "address to listen on (overrides server.listen)")
	return cmd
}

// runServe wires storage, providers and the chat pipeline, then serves
// until ctx is cancelled or a termination signal arrives.
func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return configError("serve", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return storageError("serve", err)
	}
	defer store.Close()

	blobs, err := blob.Open(cfg.Storage.AttachmentDir, cfg.Storage.MaxAttachmentBytes)
	if err != nil {
		return storageError("serve", err)
	}
	defer blobs.Close()

	catalog, err := cfg.Catalog()
	if err != nil {
		return configError("serve", err)
	}
	registry := llm.NewRegistry(catalog, cfg.DefaultModel)
	ollamaClient, err := registerProviders(ctx, cfg, catalog, registry, logger)
	if err != nil {
		return err
	}

	metrics := telemetry.New()
	svc := chat.NewService(chat.Deps{
		Store:    store,
		Blobs:    blobs,
		Registry: registry,
		Observer: metrics,
		Logger:   logger,
	}, chat.OptionsFromConfig(cfg))
	if _, err := svc.Recover(ctx); err != nil {
		return storageError("serve", err)
	}

	deps := server.Deps{
		Store:    store,
		Blobs:    blobs,
		Chat:     svc,
		Registry: registry,
		Metrics:  metrics,
		Logger:   logger,
	}
	if ollamaClient != nil {
		deps.Ollama = ollamaClient
	}
	srv := server.New(cfg, deps)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return &CommandError{Command: "serve", Reason: "could not listen on " + cfg.Server.Listen, Code: ExitGeneralError, Err: err}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Serve(ln)
	})

	if cfg.Models.File != "" {
		watcher, err := config.NewWatcher(cfg.Models.File, registry.SetCatalog, logger)
		if err != nil {
			logger.Warn("CATALOG_WATCH_FAILED", zap.String("path", cfg.Models.File), zap.Error(err))
		} else {
			group.Go(func() error { return watcher.Run(gctx) })
		}
	}

	group.Go(func() error {
		<-gctx.Done()
		logger.Info("SHUTDOWN_STARTED", zap.Int("live", svc.Live()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()

		// Stopping generations first ends the streaming handlers the HTTP
		// shutdown waits for.
		chatErr := svc.Shutdown(shutdownCtx)
		srvErr := srv.Shutdown(shutdownCtx)
		return errors.Join(chatErr, srvErr)
	})

	err = group.Wait()
	logger.Info("SHUTDOWN_COMPLETE", zap.Error(err))
	return err
}

// openStore opens the configured storage driver.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		return sqlite.Open(ctx, cfg.Storage.SQLitePath)
	case "mongo":
		return mongo.Open(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// registerProviders registers every configured provider with the registry.
// It returns the Ollama client when one is registered so /health can probe
// it.
func registerProviders(ctx context.Context, cfg *config.Config, catalog *model.Catalog, registry *llm.Registry, logger *zap.Logger) (*ollama.Client, error) {
	orc := openrouter.New(cfg.Providers.OpenRouter, logger)
	if orc.IsConfigured() {
		registry.Register(orc)
		logger.Info("PROVIDER_REGISTERED", zap.String("provider", orc.Name()), zap.String("key", orc.KeyFingerprint()))
	} else {
		logger.Warn("PROVIDER_SKIPPED", zap.String("provider", openrouter.ProviderName), zap.String("reason", "no API key"))
	}

	var oc *ollama.Client
	if cfg.Providers.Ollama.Enabled || len(catalog.ByProvider(ollama.ProviderName)) > 0 {
		oc = ollama.New(cfg.Providers.Ollama, logger)
		registry.Register(oc)
		logger.Info("PROVIDER_REGISTERED", zap.String("provider", oc.Name()), zap.String("url", cfg.Providers.Ollama.URL))
	}

	if cfg.Providers.Gemini.APIKey != "" {
		gc, err := gemini.New(ctx, cfg.Providers.Gemini.APIKey, logger)
		if err != nil {
			return nil, configError("serve", err)
		}
		registry.Register(gc)
		logger.Info("PROVIDER_REGISTERED", zap.String("provider", gc.Name()))
	}

	if len(registry.Providers()) == 0 {
		logger.Warn("NO_PROVIDERS", zap.String("hint", "set providers.openrouter.api_key or enable ollama"))
	}
	return oc, nil
}
