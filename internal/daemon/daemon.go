// Package daemon ties the pieces into one long-running process: the
// document store, the broker client, the per-kind worker servers, the
// library scheduler and the reconciler. Lifecycle follows the usual
// unix daemon shape with a lock file, a pid file and signal-driven
// graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/cachefolder"
	"github.com/kilnmedia/kiln/internal/config"
	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/reconciler"
	"github.com/kilnmedia/kiln/internal/scheduler"
	"github.com/kilnmedia/kiln/internal/store"
	"github.com/kilnmedia/kiln/internal/worker"
)

// Daemon is the worker-fleet process
type Daemon struct {
	cfg *config.Config
	log *logrus.Logger

	store      *store.Store
	client     *queue.Client
	servers    []*queue.WorkerServer
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler

	running    bool
	mu         sync.RWMutex
	cancelFunc context.CancelFunc
}

// New builds a daemon from configuration. Nothing is connected yet;
// connections are made in Start.
func New(cfg *config.Config, log *logrus.Logger) *Daemon {
	return &Daemon{cfg: cfg, log: log}
}

// Start connects every component, begins consuming, and blocks until a
// shutdown signal arrives or Stop is called.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelFunc = cancel
	defer cancel()

	if err := d.acquireLock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer d.releaseLock()

	if err := d.writePidFile(); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer d.removePidFile()

	st, err := store.Open(d.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st
	defer d.store.Close()

	d.client = queue.NewClient(d.cfg.Redis, d.cfg.Worker)
	defer d.client.Close()

	registry := cachefolder.New(d.store, d.log.WithField("component", "cachefolder"))
	deps := worker.Deps{
		Store:     d.store,
		Registry:  registry,
		Publisher: d.client,
		Config:    d.cfg,
		Log:       d.log,
	}
	orch := scheduler.NewOrchestrator(d.store, d.client, d.log)

	if err := d.startServers(deps, orch); err != nil {
		return err
	}
	defer d.shutdownServers()

	d.scheduler = scheduler.NewScheduler(d.store, orch, d.cfg.Scheduler, d.log)
	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer d.scheduler.Stop()

	d.reconciler = reconciler.New(d.store, d.cfg.Reconciler, d.log)
	d.reconciler.Start(ctx)
	defer d.reconciler.Stop()

	d.setupSignalHandlers()
	d.log.Info("Daemon started")

	<-ctx.Done()
	d.log.Info("Daemon shutting down")

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// Stop triggers a graceful shutdown
func (d *Daemon) Stop() {
	if d.cancelFunc != nil {
		d.cancelFunc()
	}
}

// IsRunning reports whether the daemon loop is active
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// startServers builds one consumer per work kind and starts them all.
// A failed start shuts down the ones already running.
func (d *Daemon) startServers(deps worker.Deps, orch *scheduler.Orchestrator) error {
	w := d.cfg.Worker
	grace := w.ShutdownGrace

	servers := []*queue.WorkerServer{
		queue.NewWorkerServer(d.cfg.Redis, queue.QueueThumbnail, w.ThumbnailPrefetch, grace, d.log),
		queue.NewWorkerServer(d.cfg.Redis, queue.QueueCache, w.CachePrefetch, grace, d.log),
		queue.NewWorkerServer(d.cfg.Redis, queue.QueueCollectionScan, w.ScanPrefetch, grace, d.log),
		queue.NewWorkerServer(d.cfg.Redis, queue.QueueBulkAdd, w.BulkPrefetch, grace, d.log),
		queue.NewWorkerServer(d.cfg.Redis, queue.QueueLibraryScan, w.BulkPrefetch, grace, d.log),
	}
	servers[0].Handle(queue.TypeThumbnail, worker.NewThumbnailHandler(deps))
	servers[1].Handle(queue.TypeCache, worker.NewCacheHandler(deps))
	servers[2].Handle(queue.TypeCollectionScan, worker.NewCollectionScanHandler(deps))
	servers[3].Handle(queue.TypeBulkAdd, worker.NewBulkAddHandler(deps))
	servers[4].Handle(queue.TypeLibraryScan, worker.NewLibraryScanHandler(deps, orch))

	for _, srv := range servers {
		if err := srv.Start(); err != nil {
			for _, started := range d.servers {
				started.Shutdown()
			}
			return fmt.Errorf("failed to start %s consumer: %w", srv.Queue(), err)
		}
		d.servers = append(d.servers, srv)
		d.log.WithField("queue", srv.Queue()).Debug("Consumer started")
	}
	return nil
}

// shutdownServers drains every consumer within the grace period
func (d *Daemon) shutdownServers() {
	for _, srv := range d.servers {
		srv.Shutdown()
	}
	d.servers = nil
}

// setupSignalHandlers installs the usual daemon signal handling
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				d.log.WithField("signal", sig).Info("Received shutdown signal")
				d.Stop()
			case syscall.SIGHUP:
				d.log.Info("Received reload signal, ignoring (restart to reload config)")
			}
		}
	}()
}

// acquireLock creates the exclusive lock file
func (d *Daemon) acquireLock() error {
	file, err := os.OpenFile(d.lockFile(), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("daemon already running (lock file %s exists)", d.lockFile())
		}
		return err
	}
	_, err = fmt.Fprintf(file, "%d\n", os.Getpid())
	file.Close()
	return err
}

// releaseLock removes the lock file
func (d *Daemon) releaseLock() error {
	return os.Remove(d.lockFile())
}

// writePidFile writes the pid file
func (d *Daemon) writePidFile() error {
	return os.WriteFile(d.pidFile(), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// removePidFile removes the pid file
func (d *Daemon) removePidFile() error {
	return os.Remove(d.pidFile())
}

func (d *Daemon) lockFile() string {
	if d.cfg.Daemon.LockFile != "" {
		return d.cfg.Daemon.LockFile
	}
	return "/var/run/kilnd.lock"
}

func (d *Daemon) pidFile() string {
	if d.cfg.Daemon.PidFile != "" {
		return d.cfg.Daemon.PidFile
	}
	return "/var/run/kilnd.pid"
}
