package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/config"
	"github.com/kilnmedia/kiln/internal/daemon"
)

var (
	Version   = "0.4.0"
	GitCommit = "unknown"
	BuildTime = "unknown"

	configPath  string
	testConfig  bool
	showVersion bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&testConfig, "test-config", false, "Test configuration and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
}

func main() {
	flag.Parse()

	if showVersion {
		fmt.Printf("kilnd v%s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if testConfig {
		fmt.Println("Configuration is valid")
		fmt.Printf("Database: %s\n", cfg.Database.Driver)
		fmt.Printf("Broker: %s\n", cfg.Redis.Addr)
		fmt.Printf("Thumbnail root: %s\n", cfg.Storage.ThumbnailRoot)
		os.Exit(0)
	}

	log := newLogger(cfg.Log)

	d := daemon.New(cfg, log)
	if err := d.Start(); err != nil {
		log.WithError(err).Error("Daemon failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
