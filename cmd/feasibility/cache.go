package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/feasibility/internal/cache"
	"github.com/ehr/feasibility/internal/config"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the durable result cache",
	}

	// cache stats
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show the number of persisted entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, s cache.Store) error {
				n, err := s.Count(ctx)
				if err != nil {
					return fmt.Errorf("count cache entries: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tier:     %s\n", cfg.CacheTier)
				fmt.Fprintf(cmd.OutOrStdout(), "entries:  %d\n", n)
				fmt.Fprintf(cmd.OutOrStdout(), "lifetime: %s\n", cfg.CacheEntryLifetime)
				return nil
			})
		},
	})

	// cache clear
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every persisted entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, s cache.Store) error {
				n, err := s.Count(ctx)
				if err != nil {
					return fmt.Errorf("count cache entries: %w", err)
				}
				if err := s.DeleteAll(ctx); err != nil {
					return fmt.Errorf("clear cache: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d cache entries.\n", n)
				return nil
			})
		},
	})

	// cache prune
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete persisted entries older than CACHE_ENTRY_LIFETIME",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, s cache.Store) error {
				n, err := s.Prune(ctx, time.Now().Add(-cfg.CacheEntryLifetime))
				if err != nil {
					return fmt.Errorf("prune cache: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired cache entries.\n", n)
				return nil
			})
		},
	})

	return cmd
}

// withStore opens the configured durable tier for fn and closes it after.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, s cache.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.CacheTier == config.CacheTierMemory {
		return fmt.Errorf("CACHE_TIER is %q: there is no durable cache to manage", cfg.CacheTier)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg, cmd.ErrOrStderr()).Level(zerolog.WarnLevel)

	s, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, cfg, s)
}
