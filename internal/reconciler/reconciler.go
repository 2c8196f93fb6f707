// Package reconciler is the correction loop of the pipeline. Progress
// counters are advanced by at-least-once message handlers, so they can
// lag (lost increments) or lead (double-counted redeliveries) the
// artifacts actually on disk and in the database. The reconciler
// periodically recomputes ground truth from the artifact rows, corrects
// stage counters to it in both directions, closes stages whose work is
// all accounted for, prunes records whose files vanished, and fails
// jobs that have made no progress for too long.
package reconciler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/config"
	"github.com/kilnmedia/kiln/internal/store"
)

// Reconciler sweeps stale collection-scan jobs on an interval
type Reconciler struct {
	store *store.Store
	cfg   config.ReconcilerConfig
	log   *logrus.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires the correction loop
func New(st *store.Store, cfg config.ReconcilerConfig, log *logrus.Logger) *Reconciler {
	return &Reconciler{store: st, cfg: cfg, log: log}
}

// Start runs the sweep loop until Stop is called
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
	r.log.WithFields(logrus.Fields{
		"interval":  r.cfg.Interval,
		"staleness": r.cfg.Staleness,
	}).Info("Reconciler started")
}

// Stop halts the loop and waits for an in-flight sweep
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Sweep reconciles every collection-scan job stale past the staleness
// window. Every correction is idempotent; running the sweep twice in a
// row changes nothing on the second pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.Staleness)
	jobs, err := r.store.ListStaleJobs(ctx, store.JobTypeCollectionScan, cutoff)
	if err != nil {
		r.log.WithError(err).Warn("Reconciler failed to list stale jobs")
		return
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		r.reconcileJob(ctx, &jobs[i])
	}
}

func (r *Reconciler) reconcileJob(ctx context.Context, job *store.BackgroundJob) {
	log := r.log.WithFields(logrus.Fields{
		"job":        job.ID,
		"collection": job.Parameters.CollectionID,
	})
	collectionID := job.Parameters.CollectionID
	if collectionID == "" {
		log.Warn("Stale scan job has no collection, failing it")
		if err := r.store.FailJob(ctx, job.ID, "scan job carries no collection reference"); err != nil {
			log.WithError(err).Warn("Failed to fail malformed job")
		}
		return
	}

	pruned := r.pruneMissingArtifacts(ctx, collectionID, log)

	images, thumbnails, cacheImages, err := r.store.ArtifactCounts(ctx, collectionID)
	if err != nil {
		log.WithError(err).Warn("Failed to compute ground truth")
		return
	}

	advanced := pruned > 0
	for _, c := range []struct {
		stage string
		truth int64
	}{
		{store.StageScan, images},
		{store.StageThumbnail, thumbnails},
		{store.StageCache, cacheImages},
	} {
		raised, err := r.store.RaiseStageCompleted(ctx, job.ID, c.stage, c.truth)
		if err != nil {
			log.WithError(err).WithField("stage", c.stage).Warn("Failed to raise stage counter")
			continue
		}
		if raised {
			advanced = true
			log.WithFields(logrus.Fields{
				"stage": c.stage,
				"truth": c.truth,
			}).Info("Raised lagging stage counter to ground truth")
		}
		// Redeliveries count once per delivery, so the recorded value can
		// also lead ground truth. Lower it before the close check, or a
		// stage could complete while an artifact is still missing.
		lowered, err := r.store.LowerStageCompleted(ctx, job.ID, c.stage, c.truth)
		if err != nil {
			log.WithError(err).WithField("stage", c.stage).Warn("Failed to lower stage counter")
			continue
		}
		if lowered {
			advanced = true
			log.WithFields(logrus.Fields{
				"stage": c.stage,
				"truth": c.truth,
			}).Info("Lowered double-counted stage counter to ground truth")
		}
		closed, err := r.store.CompleteStageIfDone(ctx, job.ID, c.stage)
		if err != nil {
			log.WithError(err).WithField("stage", c.stage).Warn("Failed to close stage")
			continue
		}
		if closed {
			advanced = true
			log.WithField("stage", c.stage).Info("Closed fully accounted stage")
		}
	}

	if advanced {
		return
	}
	if time.Since(job.UpdatedAt) >= r.cfg.FatalStaleness {
		log.WithField("idle", time.Since(job.UpdatedAt).Round(time.Second)).
			Warn("Job made no progress past the fatal window, failing it")
		if err := r.store.FailJob(ctx, job.ID, "no progress, presumed abandoned"); err != nil {
			log.WithError(err).Warn("Failed to fail abandoned job")
		}
	}
}

// pruneMissingArtifacts drops artifact records whose file is gone or
// empty on disk, so the next scan regenerates them. Returns the number
// of records removed.
func (r *Reconciler) pruneMissingArtifacts(ctx context.Context, collectionID string, log *logrus.Entry) int {
	var pruned int

	thumbs, err := r.store.ListThumbnails(ctx, collectionID)
	if err != nil {
		log.WithError(err).Warn("Failed to list thumbnails for pruning")
	} else {
		for i := range thumbs {
			if artifactOnDisk(thumbs[i].Path) {
				continue
			}
			if err := r.store.RemoveThumbnail(ctx, collectionID, thumbs[i].ImageID); err != nil {
				log.WithError(err).WithField("image", thumbs[i].ImageID).Warn("Failed to prune thumbnail record")
				continue
			}
			pruned++
		}
	}

	caches, err := r.store.ListCacheImages(ctx, collectionID)
	if err != nil {
		log.WithError(err).Warn("Failed to list cache images for pruning")
	} else {
		for i := range caches {
			if artifactOnDisk(caches[i].Path) {
				continue
			}
			if err := r.store.RemoveCacheImage(ctx, collectionID, caches[i].ImageID); err != nil {
				log.WithError(err).WithField("image", caches[i].ImageID).Warn("Failed to prune cache record")
				continue
			}
			if caches[i].FolderID != "" && caches[i].SizeBytes > 0 {
				if err := r.store.AccountFolderDelete(ctx, caches[i].FolderID, caches[i].SizeBytes); err != nil {
					log.WithError(err).Warn("Failed to release folder capacity")
				}
			}
			pruned++
		}
	}

	if pruned > 0 {
		log.WithField("pruned", pruned).Info("Pruned artifact records missing on disk")
	}
	return pruned
}

// artifactOnDisk reports whether the artifact file exists with content
func artifactOnDisk(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
