package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the import engine. It is built once at
// process start and never mutated afterwards.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Import    ImportConfig    `yaml:"import"`
	Lock      LockConfig      `yaml:"lock"`
	Validator ValidatorConfig `yaml:"validator"`
}

// DatabaseConfig holds the Postgres connection string.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the lock/progress-cache backend address. Addr == ""
// means Redis is not configured and the engine falls back to PostgreSQL
// advisory locks and an uncached progress snapshot.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig describes where uploaded files live on disk.
type StorageConfig struct {
	// Root is the directory files are resolved against when a relative
	// ImportJob.FilePath is given. Absolute paths bypass Root entirely.
	Root string `yaml:"root"`
}

// ImportConfig holds the chunk-processing and file-limit thresholds.
type ImportConfig struct {
	MaxFileSizeBytes  int64 `yaml:"max_file_size_bytes"`
	MaxRows           int   `yaml:"max_rows"`
	DefaultChunkSize  int   `yaml:"default_chunk_size"`
	MinChunkSize      int   `yaml:"min_chunk_size"`
	MaxChunkSize      int   `yaml:"max_chunk_size"`
	MemoryLimitBytes  int64 `yaml:"memory_limit_bytes"`
	ProgressCacheTTL  time.Duration `yaml:"progress_cache_ttl"`
	// UpdateExistingOnDuplicate resolves the Open Question in spec.md §9:
	// whether a store-duplicate is updated in place or rejected. Defaults
	// to false — see DESIGN.md.
	UpdateExistingOnDuplicate bool `yaml:"update_existing_on_duplicate"`
}

// LockConfig bounds the adaptive processing-lock TTL (spec.md §4.5).
type LockConfig struct {
	MinTTL time.Duration `yaml:"min_ttl"`
	MaxTTL time.Duration `yaml:"max_ttl"`
}

// ValidatorConfig controls the RecordValidator result cache.
type ValidatorConfig struct {
	// CacheTTL of 0 disables the cache entirely.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Load reads and parses a YAML configuration file, applying defaults for
// anything left zero-valued.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "storage/app"
	}
	if cfg.Import.MaxFileSizeBytes == 0 {
		cfg.Import.MaxFileSizeBytes = 20 * 1024 * 1024 // 20 MiB
	}
	if cfg.Import.MaxRows == 0 {
		cfg.Import.MaxRows = 50_000
	}
	if cfg.Import.DefaultChunkSize == 0 {
		cfg.Import.DefaultChunkSize = 200
	}
	if cfg.Import.MinChunkSize == 0 {
		cfg.Import.MinChunkSize = 10
	}
	if cfg.Import.MaxChunkSize == 0 {
		cfg.Import.MaxChunkSize = 500
	}
	if cfg.Import.MemoryLimitBytes == 0 {
		cfg.Import.MemoryLimitBytes = 256 * 1024 * 1024 // 256 MiB
	}
	if cfg.Import.ProgressCacheTTL == 0 {
		cfg.Import.ProgressCacheTTL = time.Hour
	}
	if cfg.Lock.MinTTL == 0 {
		cfg.Lock.MinTTL = 5 * time.Minute
	}
	if cfg.Lock.MaxTTL == 0 {
		cfg.Lock.MaxTTL = 4 * time.Hour
	}
}

// LoadFromEnv loads the base file at path (if it exists) then applies
// environment-variable overrides on top, mirroring the split the teacher
// uses for secrets that should never live in a checked-in YAML file.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := Load(path)
			if err != nil {
				return nil, fmt.Errorf("load config %s: %w", path, err)
			}
			cfg = *loaded
		}
	}
	applyDefaults(&cfg)

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if root := os.Getenv("STORAGE_ROOT"); root != "" {
		cfg.Storage.Root = root
	}
	if v := os.Getenv("IMPORT_UPDATE_EXISTING_ON_DUPLICATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Import.UpdateExistingOnDuplicate = b
		}
	}

	return &cfg, nil
}
