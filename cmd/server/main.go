package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sungrow-telemetry/config"
	"sungrow-telemetry/internal/api"
	"sungrow-telemetry/internal/auth"
	"sungrow-telemetry/internal/cache"
	"sungrow-telemetry/internal/storage"

	loggerpkg "sungrow-telemetry/internal/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Sungrow telemetry server",
		Long:  "Receives sample batches from edge devices, stores them in TimescaleDB and serves realtime and historical queries",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, err := loggerpkg.New(cfg.LogLevel, "json")
			if err != nil {
				return err
			}
			defer log.Sync()

			log.Info("server starting",
				zap.String("listen_addr", cfg.ListenAddr),
				zap.Bool("redis_enabled", cfg.RedisURL != ""),
				zap.Int("cache_ttl_s", cfg.CacheTTLS),
				zap.Int("max_samples_per_request", cfg.MaxSamplesPerRequest),
				zap.Int64("max_request_bytes", cfg.MaxRequestBytes))

			verifier, err := auth.ParseDeviceTokens(cfg.DeviceTokens, log)
			if err != nil {
				return err
			}

			store, err := storage.Open(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			realtimeCache, err := cache.New(cfg.RedisURL, cfg.CacheTTL(), log)
			if err != nil {
				return err
			}
			defer realtimeCache.Close()

			srv := api.NewServer(api.ServerConfig{
				Config:   cfg,
				Store:    store,
				Cache:    realtimeCache,
				Verifier: verifier,
				Logger:   log,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigChan
				log.Info("shutdown signal received", zap.String("signal", sig.String()))
				cancel()
			}()

			return srv.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, err := loggerpkg.New(cfg.LogLevel, "console")
			if err != nil {
				return err
			}
			defer log.Sync()

			store, err := storage.Open(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(); err != nil {
				return err
			}

			log.Info("migration complete")
			return nil
		},
	}
}
