package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := GetDefault().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := GetDefault()
	if cfg.Redis.Addr != def.Redis.Addr || cfg.Thumbnail.Size != def.Thumbnail.Size {
		t.Error("missing config file did not yield defaults")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	cfg := GetDefault()
	cfg.Thumbnail.Size = 512
	cfg.Cache.Format = "webp"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Thumbnail.Size != 512 {
		t.Errorf("thumbnail size = %d, want 512", got.Thumbnail.Size)
	}
	if got.Cache.Format != "webp" {
		t.Errorf("cache format = %q, want webp", got.Cache.Format)
	}
	// Untouched sections keep their defaults.
	if got.Redis.Addr != GetDefault().Redis.Addr {
		t.Errorf("redis addr = %q, want default", got.Redis.Addr)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mongo" }, "database driver"},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis address"},
		{"bad thumbnail format", func(c *Config) { c.Thumbnail.Format = "tiff" }, "thumbnail format"},
		{"quality out of range", func(c *Config) { c.Cache.Quality = 101 }, "quality"},
		{"zero thumbnail size", func(c *Config) { c.Thumbnail.Size = 0 }, "thumbnail size"},
		{"zero cache width", func(c *Config) { c.Cache.Width = 0 }, "cache dimensions"},
		{"zero prefetch", func(c *Config) { c.Worker.CachePrefetch = 0 }, "prefetch"},
		{"negative retries", func(c *Config) { c.Worker.MaxRetries = -1 }, "max_retries"},
		{"zero handler timeout", func(c *Config) { c.Worker.HandlerTimeout = 0 }, "handler_timeout"},
		{"fatal below staleness", func(c *Config) {
			c.Reconciler.Staleness = time.Hour
			c.Reconciler.FatalStaleness = time.Minute
		}, "fatal_staleness"},
		{"zero sweep interval", func(c *Config) { c.Scheduler.OrphanSweepInterval = 0 }, "orphan_sweep_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a bad config")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	cfg := GetDefault()
	cfg.Thumbnail.Quality = 0
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted an invalid config file")
	}
}
