package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Cache tiers.
const (
	CacheTierMemory   = "memory"
	CacheTierSQLite   = "sqlite"
	CacheTierPostgres = "postgres"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	FHIRBaseURL    string        `mapstructure:"FHIR_BASE_URL"`
	FHIRUser       string        `mapstructure:"FHIR_USER"`
	FHIRPassword   string        `mapstructure:"FHIR_PASSWORD"`
	FHIRToken      string        `mapstructure:"FHIR_TOKEN"`
	FHIRPageCount  int           `mapstructure:"FHIR_PAGE_COUNT"`
	FHIRTimeout    time.Duration `mapstructure:"FHIR_TIMEOUT"`
	FHIRMaxRetries int           `mapstructure:"FHIR_MAX_RETRIES"`

	MappingFile string `mapstructure:"MAPPING_FILE"`
	TreeFile    string `mapstructure:"TREE_FILE"`

	CacheCleanupInterval    time.Duration `mapstructure:"CACHE_CLEANUP_INTERVAL"`
	CacheEntryLifetime      time.Duration `mapstructure:"CACHE_ENTRY_LIFETIME"`
	CacheMaxEntries         int           `mapstructure:"CACHE_MAX_ENTRIES"`
	CacheRefreshOnAccess    bool          `mapstructure:"CACHE_REFRESH_ON_ACCESS"`
	CacheDeleteAllOnCleanup bool          `mapstructure:"CACHE_DELETE_ALL_ON_CLEANUP"`
	CacheTier               string        `mapstructure:"CACHE_TIER"`
	CacheSQLitePath         string        `mapstructure:"CACHE_SQLITE_PATH"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	WorkerCore        int           `mapstructure:"WORKER_CORE"`
	WorkerMax         int           `mapstructure:"WORKER_MAX"`
	WorkerIdleTimeout time.Duration `mapstructure:"WORKER_IDLE_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"FHIR_BASE_URL", "FHIR_USER", "FHIR_PASSWORD", "FHIR_TOKEN",
	"FHIR_PAGE_COUNT", "FHIR_TIMEOUT", "FHIR_MAX_RETRIES",
	"MAPPING_FILE", "TREE_FILE",
	"CACHE_CLEANUP_INTERVAL", "CACHE_ENTRY_LIFETIME", "CACHE_MAX_ENTRIES",
	"CACHE_REFRESH_ON_ACCESS", "CACHE_DELETE_ALL_ON_CLEANUP", "CACHE_TIER", "CACHE_SQLITE_PATH",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"WORKER_CORE", "WORKER_MAX", "WORKER_IDLE_TIMEOUT",
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_PAGE_COUNT", 500)
	v.SetDefault("FHIR_TIMEOUT", 60*time.Second)
	v.SetDefault("FHIR_MAX_RETRIES", 0)
	v.SetDefault("CACHE_CLEANUP_INTERVAL", time.Hour)
	v.SetDefault("CACHE_ENTRY_LIFETIME", 24*time.Hour)
	v.SetDefault("CACHE_MAX_ENTRIES", 50000)
	v.SetDefault("CACHE_REFRESH_ON_ACCESS", false)
	v.SetDefault("CACHE_DELETE_ALL_ON_CLEANUP", false)
	v.SetDefault("CACHE_TIER", CacheTierMemory)
	v.SetDefault("CACHE_SQLITE_PATH", "feasibility-cache.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("WORKER_CORE", 4)
	v.SetDefault("WORKER_MAX", 16)
	v.SetDefault("WORKER_IDLE_TIMEOUT", 60*time.Second)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings needed to evaluate queries.
func (c *Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL %q is not an absolute URL", c.FHIRBaseURL)
	}
	if c.FHIRPageCount <= 0 {
		return fmt.Errorf("FHIR_PAGE_COUNT must be positive, got %d", c.FHIRPageCount)
	}
	if c.FHIRTimeout <= 0 {
		return fmt.Errorf("FHIR_TIMEOUT must be positive, got %s", c.FHIRTimeout)
	}
	if c.FHIRMaxRetries < 0 {
		return fmt.Errorf("FHIR_MAX_RETRIES must not be negative, got %d", c.FHIRMaxRetries)
	}
	if c.FHIRToken != "" && c.FHIRUser != "" {
		return fmt.Errorf("FHIR_TOKEN and FHIR_USER are mutually exclusive")
	}

	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must not be negative, got %d", c.CacheMaxEntries)
	}
	if c.CacheEntryLifetime < 0 || c.CacheCleanupInterval < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}
	switch c.CacheTier {
	case CacheTierMemory:
	case CacheTierSQLite:
		if c.CacheSQLitePath == "" {
			return fmt.Errorf("CACHE_SQLITE_PATH is required when CACHE_TIER is %q", CacheTierSQLite)
		}
	case CacheTierPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CACHE_TIER is %q", CacheTierPostgres)
		}
	default:
		return fmt.Errorf("CACHE_TIER must be %q, %q or %q, got %q",
			CacheTierMemory, CacheTierSQLite, CacheTierPostgres, c.CacheTier)
	}

	if c.WorkerMax <= 0 {
		return fmt.Errorf("WORKER_MAX must be positive, got %d", c.WorkerMax)
	}
	if c.WorkerCore < 0 || c.WorkerCore > c.WorkerMax {
		return fmt.Errorf("WORKER_CORE must be between 0 and WORKER_MAX (%d), got %d", c.WorkerMax, c.WorkerCore)
	}
	return nil
}
