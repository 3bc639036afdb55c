package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/feasibility/internal/config"
	"github.com/ehr/feasibility/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the feasibility HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			bodyLimit, _ := cmd.Flags().GetString("body-limit")
			timeout, _ := cmd.Flags().GetDuration("request-timeout")
			return runServer(bodyLimit, timeout)
		},
	}
	cmd.Flags().String("body-limit", "4M", "Maximum request body size")
	cmd.Flags().Duration("request-timeout", 10*time.Minute, "Maximum time to evaluate one query (0 disables)")
	return cmd
}

func runServer(bodyLimit string, requestTimeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logger
	logger := newLogger(cfg, os.Stdout)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	go a.cache.Run(ctx)

	opts := server.Options{
		Service:        a.service,
		Cache:          a.cache,
		Telemetry:      a.telemetry,
		Logger:         logger,
		BodyLimit:      bodyLimit,
		RequestTimeout: requestTimeout,
	}
	if a.db != nil {
		opts.DB = a.db
	}
	e := server.New(opts)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("fhir", cfg.FHIRBaseURL).Str("cache_tier", cfg.CacheTier).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
