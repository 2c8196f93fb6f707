package config

import "time"

// GetDefault returns the default configuration
func GetDefault() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "kiln.db",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Storage: StorageConfig{
			ThumbnailRoot: "thumbnails",
			TempDir:       "", // empty means os.TempDir
		},
		Thumbnail: ThumbnailConfig{
			Format:  "jpeg",
			Quality: 85,
			Size:    300,
		},
		Cache: CacheConfig{
			Format:  "jpeg",
			Quality: 85,
			Width:   1920,
			Height:  1080,
		},
		Worker: WorkerConfig{
			ThumbnailPrefetch: 20,
			CachePrefetch:     10,
			ScanPrefetch:      2,
			BulkPrefetch:      1,
			MaxRetries:        3,
			HandlerTimeout:    30 * time.Minute,
			ShutdownGrace:     30 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			Interval:       60 * time.Second,
			Staleness:      5 * time.Minute,
			FatalStaleness: 30 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			OrphanSweepInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Daemon: DaemonConfig{
			PidFile:  "kilnd.pid",
			LockFile: "kilnd.lock",
		},
	}
}
