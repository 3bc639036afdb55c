package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/feasibility/internal/cache"
	"github.com/ehr/feasibility/internal/cache/postgres"
	"github.com/ehr/feasibility/internal/cache/sqlite"
	"github.com/ehr/feasibility/internal/compiler"
	"github.com/ehr/feasibility/internal/config"
	"github.com/ehr/feasibility/internal/engine"
	"github.com/ehr/feasibility/internal/feasibility"
	"github.com/ehr/feasibility/internal/ontology"
	"github.com/ehr/feasibility/internal/platform/db"
	"github.com/ehr/feasibility/internal/platform/fhir"
	"github.com/ehr/feasibility/internal/platform/telemetry"
)

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(w)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// openStore opens the durable cache tier selected by CACHE_TIER. It returns
// a nil store for the memory tier. The returned pool is only set for the
// Postgres tier and is closed by the store.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, *pgxpool.Pool, error) {
	switch cfg.CacheTier {
	case config.CacheTierSQLite:
		s, err := sqlite.Open(cfg.CacheSQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.CacheSQLitePath).Msg("using sqlite result cache")
		return s, nil, nil

	case config.CacheTierPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		s, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("using postgres result cache")
		return s.Owned(), pool, nil

	default:
		return nil, nil, nil
	}
}

// app holds the wired evaluation pipeline.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	telemetry *telemetry.Provider
	cache     *cache.Cache
	pool      *engine.Pool
	db        *pgxpool.Pool
	service   *feasibility.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if cfg.MappingFile == "" {
		return nil, fmt.Errorf("a mapping file is required (MAPPING_FILE)")
	}
	mappings, err := ontology.LoadMappings(cfg.MappingFile)
	if err != nil {
		return nil, err
	}
	var tree *ontology.Tree
	if cfg.TreeFile != "" {
		if tree, err = ontology.LoadTree(cfg.TreeFile); err != nil {
			return nil, err
		}
	}
	logger.Debug().
		Int("mappings", mappings.Len()).
		Int("tree_nodes", tree.Len()).
		Msg("ontology loaded")

	tp := telemetry.NewProvider(telemetry.Config{
		ServiceName:     "feasibility",
		ServiceVersion:  version,
		RegisterRuntime: true,
	})

	client, err := fhir.NewSearchClient(fhir.ClientConfig{
		BaseURL:    cfg.FHIRBaseURL,
		PageCount:  cfg.FHIRPageCount,
		Timeout:    cfg.FHIRTimeout,
		MaxRetries: cfg.FHIRMaxRetries,
		Auth:       fhir.AuthFromCredentials(cfg.FHIRUser, cfg.FHIRPassword, cfg.FHIRToken),
	}, logger, tp)
	if err != nil {
		return nil, err
	}

	store, dbPool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := []cache.Option{cache.WithLogger(logger), cache.WithTelemetry(tp)}
	if store != nil {
		opts = append(opts, cache.WithStore(store))
	}
	resultCache := cache.New(cache.Config{
		CleanupInterval:    cfg.CacheCleanupInterval,
		EntryLifetime:      cfg.CacheEntryLifetime,
		MaxEntries:         cfg.CacheMaxEntries,
		RefreshOnAccess:    cfg.CacheRefreshOnAccess,
		DeleteAllOnCleanup: cfg.CacheDeleteAllOnCleanup,
	}, opts...)

	pool := engine.NewPool(engine.PoolConfig{
		CoreSize:    cfg.WorkerCore,
		MaxSize:     cfg.WorkerMax,
		IdleTimeout: cfg.WorkerIdleTimeout,
	}, tp)

	comp := compiler.New()
	resolver := engine.NewCachingResolver(comp, resultCache, client, pool, logger)
	eng := engine.New(resolver, engine.WithLogger(logger), engine.WithTelemetry(tp))

	return &app{
		cfg:       cfg,
		log:       logger,
		telemetry: tp,
		cache:     resultCache,
		pool:      pool,
		db:        dbPool,
		service:   feasibility.NewService(ontology.NewExpander(mappings, tree), comp, eng, logger),
	}, nil
}

// Close stops the workers and releases the durable cache tier.
func (a *app) Close() {
	a.pool.Close()
	if err := a.cache.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close result cache")
	}
}
