package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/config"
	"github.com/kilnmedia/kiln/internal/store"
)

// How often a run watcher polls its child jobs
const watchPollInterval = 15 * time.Second

// Scheduler drives recurring library runs. Every enabled scheduled job
// gets a cron entry; the entry id is persisted as the job's external
// binding so an operator can see which records are live. Bindings from
// a previous process are stale by definition and are rewritten at
// startup; records that lose their binding at runtime are picked up by
// the orphan sweep.
type Scheduler struct {
	store *store.Store
	orch  *Orchestrator
	cfg   config.SchedulerConfig
	log   *logrus.Logger

	cron *cron.Cron

	mu    sync.Mutex
	bound map[string]cron.EntryID

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler wires the cron runner
func NewScheduler(st *store.Store, orch *Orchestrator, cfg config.SchedulerConfig, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		store: st,
		orch:  orch,
		cfg:   cfg,
		log:   log,
		cron:  cron.New(),
		bound: map[string]cron.EntryID{},
	}
}

// Start binds every enabled scheduled job, starts the cron loop and the
// orphan sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.ctx = ctx

	jobs, err := s.store.ListScheduledJobs(ctx, true)
	if err != nil {
		return err
	}
	for i := range jobs {
		if err := s.bind(ctx, &jobs[i]); err != nil {
			s.log.WithError(err).WithField("scheduled_job", jobs[i].ID).Warn("Failed to bind scheduled job")
		}
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.orphanSweepLoop(ctx)

	s.log.WithField("bound", len(s.bound)).Info("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for in-flight fires and watchers
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// RecreateBinding re-binds one scheduled job, replacing any live entry.
// Used by the orphan sweep and exposed for operator-triggered repair.
func (s *Scheduler) RecreateBinding(ctx context.Context, scheduledJobID string) error {
	sj, err := s.store.GetScheduledJob(ctx, scheduledJobID)
	if err != nil {
		return err
	}
	s.removeEntry(scheduledJobID)
	if !sj.Enabled {
		return s.store.UnbindScheduledJob(ctx, scheduledJobID)
	}
	return s.bind(ctx, sj)
}

// bind registers a cron entry for the scheduled job and persists the
// entry id as its external binding.
func (s *Scheduler) bind(ctx context.Context, sj *store.ScheduledJob) error {
	sched, err := cron.ParseStandard(sj.CronExpression)
	if err != nil {
		return err
	}
	id := sj.ID
	entry := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))

	s.mu.Lock()
	s.bound[sj.ID] = entry
	s.mu.Unlock()

	if err := s.store.BindScheduledJob(ctx, sj.ID, int64(entry), sched.Next(time.Now())); err != nil {
		s.removeEntry(sj.ID)
		return err
	}
	s.log.WithFields(logrus.Fields{
		"scheduled_job": sj.ID,
		"library":       sj.LibraryID,
		"cron":          sj.CronExpression,
	}).Debug("Scheduled job bound")
	return nil
}

// removeEntry drops the live cron entry of a scheduled job, if any
func (s *Scheduler) removeEntry(scheduledJobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.bound[scheduledJobID]; ok {
		s.cron.Remove(entry)
		delete(s.bound, scheduledJobID)
	}
}

// fire runs one scheduled library run and watches it to completion
func (s *Scheduler) fire(scheduledJobID string) {
	ctx := context.Background()
	log := s.log.WithField("scheduled_job", scheduledJobID)

	sj, err := s.store.GetScheduledJob(ctx, scheduledJobID)
	if err == store.ErrNotFound {
		log.Warn("Scheduled job vanished, removing binding")
		s.removeEntry(scheduledJobID)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to load scheduled job")
		return
	}
	if !sj.Enabled {
		log.Debug("Scheduled job disabled, skipping fire")
		return
	}

	if err := s.store.MarkScheduledRunStarted(ctx, sj.ID); err != nil {
		log.WithError(err).Warn("Failed to mark run started")
	}
	started := time.Now()

	jobIDs, err := s.orch.Run(ctx, sj.LibraryID, RunOptions{ResumeIncomplete: true})
	if err != nil {
		log.WithError(err).Error("Library run failed to dispatch")
		s.finishRun(ctx, sj, string(store.StatusFailed), time.Since(started), false)
		return
	}
	if len(jobIDs) == 0 {
		s.finishRun(ctx, sj, string(store.StatusCompleted), time.Since(started), true)
		return
	}

	s.wg.Add(1)
	go s.watchRun(sj, jobIDs, started)
}

// watchRun polls the child scan jobs until every one is terminal, then
// records the run outcome on the scheduled job.
func (s *Scheduler) watchRun(sj *store.ScheduledJob, jobIDs []string, started time.Time) {
	defer s.wg.Done()
	ctx := context.Background()
	log := s.log.WithField("scheduled_job", sj.ID)

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Debug("Run watcher stopped by shutdown")
			return
		case <-ticker.C:
		}
		statuses, err := s.store.GetJobStatuses(ctx, jobIDs)
		if err != nil {
			log.WithError(err).Warn("Failed to poll run status")
			continue
		}
		allTerminal := true
		allCompleted := true
		for _, id := range jobIDs {
			st, ok := statuses[id]
			if !ok {
				// A deleted child no longer blocks the run.
				continue
			}
			if !st.Terminal() {
				allTerminal = false
				break
			}
			if st != store.StatusCompleted {
				allCompleted = false
			}
		}
		if !allTerminal {
			continue
		}

		status := string(store.StatusCompleted)
		if !allCompleted {
			status = string(store.StatusFailed)
		}
		s.finishRun(ctx, sj, status, time.Since(started), allCompleted)
		log.WithFields(logrus.Fields{
			"jobs":     len(jobIDs),
			"status":   status,
			"duration": time.Since(started).Round(time.Second),
		}).Info("Scheduled run finished")
		return
	}
}

// finishRun stamps the outcome and the next fire time
func (s *Scheduler) finishRun(ctx context.Context, sj *store.ScheduledJob, status string, duration time.Duration, success bool) {
	next := time.Now()
	if sched, err := cron.ParseStandard(sj.CronExpression); err == nil {
		next = sched.Next(time.Now())
	}
	if err := s.store.MarkScheduledRunFinished(ctx, sj.ID, status, duration, next, success); err != nil {
		s.log.WithError(err).WithField("scheduled_job", sj.ID).Warn("Failed to record run outcome")
	}
}

// orphanSweepLoop periodically re-binds enabled scheduled jobs that
// have no live cron entry.
func (s *Scheduler) orphanSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.OrphanSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOrphans(ctx)
		}
	}
}

// sweepOrphans binds every orphaned record and prunes entries whose
// record is gone or disabled.
func (s *Scheduler) sweepOrphans(ctx context.Context) {
	orphans, err := s.store.ListOrphanedScheduledJobs(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Orphan sweep failed to list scheduled jobs")
		return
	}
	for i := range orphans {
		// A live entry with a NULL binding means the persist failed
		// earlier; replace it rather than double-bind.
		s.removeEntry(orphans[i].ID)
		if err := s.bind(ctx, &orphans[i]); err != nil {
			s.log.WithError(err).WithField("scheduled_job", orphans[i].ID).Warn("Failed to re-bind orphaned scheduled job")
			continue
		}
		s.log.WithField("scheduled_job", orphans[i].ID).Info("Re-bound orphaned scheduled job")
	}

	s.mu.Lock()
	bound := make([]string, 0, len(s.bound))
	for id := range s.bound {
		bound = append(bound, id)
	}
	s.mu.Unlock()

	for _, id := range bound {
		sj, err := s.store.GetScheduledJob(ctx, id)
		if err == store.ErrNotFound || (err == nil && !sj.Enabled) {
			s.removeEntry(id)
			s.log.WithField("scheduled_job", id).Info("Removed binding of deleted or disabled scheduled job")
		}
	}
}
