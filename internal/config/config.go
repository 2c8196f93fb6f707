package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Thumbnail  ThumbnailConfig  `yaml:"thumbnail"`
	Cache      CacheConfig      `yaml:"cache"`
	Worker     WorkerConfig     `yaml:"worker"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Log        LogConfig        `yaml:"log"`
	Daemon     DaemonConfig     `yaml:"daemon"`
}

// DatabaseConfig selects the document store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// RedisConfig holds broker connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds artifact placement settings
type StorageConfig struct {
	// ThumbnailRoot is where thumbnails land; cache images go through
	// the cache folder registry instead.
	ThumbnailRoot string `yaml:"thumbnail_root"`
	TempDir       string `yaml:"temp_dir"`
}

// ThumbnailConfig holds thumbnail generation defaults
type ThumbnailConfig struct {
	Format  string `yaml:"format"`  // "jpeg", "png", "webp", "original"
	Quality int    `yaml:"quality"` // 1-100
	Size    int    `yaml:"size"`    // square target, pixels
}

// CacheConfig holds cache image generation defaults
type CacheConfig struct {
	Format  string `yaml:"format"`
	Quality int    `yaml:"quality"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
}

// WorkerConfig holds per-kind prefetch windows and retry policy
type WorkerConfig struct {
	ThumbnailPrefetch int           `yaml:"thumbnail_prefetch"`
	CachePrefetch     int           `yaml:"cache_prefetch"`
	ScanPrefetch      int           `yaml:"scan_prefetch"`
	BulkPrefetch      int           `yaml:"bulk_prefetch"`
	MaxRetries        int           `yaml:"max_retries"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// ReconcilerConfig holds staleness sweep settings
type ReconcilerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Staleness      time.Duration `yaml:"staleness"`
	FatalStaleness time.Duration `yaml:"fatal_staleness"`
}

// SchedulerConfig holds library scheduler settings
type SchedulerConfig struct {
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // "text" or "json"
}

// DaemonConfig holds daemon lifecycle settings
type DaemonConfig struct {
	PidFile  string `yaml:"pid_file"`
	LockFile string `yaml:"lock_file"`
}

// Load loads configuration from a file
func Load(configPath string) (*Config, error) {
	// If config doesn't exist, return default config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefault(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := GetDefault()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save writes the configuration to a file
func (c *Config) Save(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address must not be empty")
	}
	if err := validateFormat(c.Thumbnail.Format); err != nil {
		return fmt.Errorf("thumbnail format: %w", err)
	}
	if err := validateFormat(c.Cache.Format); err != nil {
		return fmt.Errorf("cache format: %w", err)
	}
	if err := validateQuality(c.Thumbnail.Quality); err != nil {
		return fmt.Errorf("thumbnail quality: %w", err)
	}
	if err := validateQuality(c.Cache.Quality); err != nil {
		return fmt.Errorf("cache quality: %w", err)
	}
	if c.Thumbnail.Size <= 0 {
		return fmt.Errorf("thumbnail size must be positive, got %d", c.Thumbnail.Size)
	}
	if c.Cache.Width <= 0 || c.Cache.Height <= 0 {
		return fmt.Errorf("cache dimensions must be positive, got %dx%d", c.Cache.Width, c.Cache.Height)
	}
	prefetches := map[string]int{
		"thumbnail_prefetch": c.Worker.ThumbnailPrefetch,
		"cache_prefetch":     c.Worker.CachePrefetch,
		"scan_prefetch":      c.Worker.ScanPrefetch,
		"bulk_prefetch":      c.Worker.BulkPrefetch,
	}
	for name, n := range prefetches {
		if n <= 0 {
			return fmt.Errorf("worker %s must be positive, got %d", name, n)
		}
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.HandlerTimeout <= 0 {
		return fmt.Errorf("worker handler_timeout must be positive")
	}
	if c.Reconciler.Interval <= 0 || c.Reconciler.Staleness <= 0 || c.Reconciler.FatalStaleness <= 0 {
		return fmt.Errorf("reconciler durations must be positive")
	}
	if c.Reconciler.FatalStaleness < c.Reconciler.Staleness {
		return fmt.Errorf("reconciler fatal_staleness must not be below staleness")
	}
	if c.Scheduler.OrphanSweepInterval <= 0 {
		return fmt.Errorf("scheduler orphan_sweep_interval must be positive")
	}
	return nil
}

func validateFormat(format string) error {
	switch format {
	case "jpeg", "png", "webp", "original":
		return nil
	default:
		return fmt.Errorf("unknown format: %q", format)
	}
}

func validateQuality(q int) error {
	if q < 1 || q > 100 {
		return fmt.Errorf("quality must be within 1..100, got %d", q)
	}
	return nil
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kiln.yaml"
	}
	return filepath.Join(home, ".config", "kiln", "config.yaml")
}
