package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/scanner"
	"github.com/kilnmedia/kiln/internal/security"
	"github.com/kilnmedia/kiln/internal/store"
)

// CollectionScanHandler consumes collection-scan messages: enumerate
// the collection source, register images, and emit the per-image
// thumbnail and cache work. The scan stage closes here; the thumbnail
// and cache stages stay open until the artifact workers drain them.
//
// The handler is safe to redeliver: registration is keyed by image id,
// already-present artifact sides are folded in with monotonic raises
// instead of increments, and every stage transition is guarded.
type CollectionScanHandler struct {
	deps Deps
}

// NewCollectionScanHandler creates the collection scanner
func NewCollectionScanHandler(deps Deps) *CollectionScanHandler {
	return &CollectionScanHandler{deps: deps}
}

// ProcessTask handles one collection-scan message
func (h *CollectionScanHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.CollectionScanPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return skipRetry(fmt.Errorf("failed to unmarshal collection-scan payload: %w", err))
	}
	log := h.deps.Log.WithFields(logrus.Fields{
		"worker":     "collection-scan",
		"collection": p.CollectionID,
		"job":        p.ScanJobID,
	})

	coll, err := h.deps.Store.GetCollection(ctx, p.CollectionID)
	if err == store.ErrNotFound {
		log.Warn("Collection not found, dropping message")
		return nil
	}
	if err != nil {
		return err
	}

	job, err := h.deps.Store.GetJob(ctx, p.ScanJobID)
	if err == store.ErrNotFound {
		log.Warn("Scan job not found, dropping message")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		log.WithField("status", job.Status).Debug("Scan job terminal, skipping")
		return nil
	}

	if err := h.deps.Store.StartJob(ctx, p.ScanJobID); err != nil && err != store.ErrInvalidTransition {
		return err
	}

	if p.OverwriteExisting {
		if err := h.deps.Store.ClearCollection(ctx, p.CollectionID); err != nil {
			return err
		}
		log.Info("Cleared collection for overwrite scan")
	}

	entries, fileErrs, err := scanner.Enumerate(ctx, coll)
	if err != nil {
		// An unreadable source fails the scan stage and with it the job.
		log.WithError(err).Error("Enumeration failed")
		if ferr := h.deps.Store.FailStage(ctx, p.ScanJobID, store.StageScan, err.Error()); ferr != nil {
			return ferr
		}
		return nil
	}

	total := int64(len(entries))
	scanTotal := total + int64(len(fileErrs))
	for _, stage := range []struct {
		name  string
		total int64
	}{
		{store.StageScan, scanTotal},
		{store.StageThumbnail, total},
		{store.StageCache, total},
	} {
		if err := h.deps.Store.StartStage(ctx, p.ScanJobID, stage.name, stage.total); err != nil && err != store.ErrInvalidTransition {
			return err
		}
	}

	var thumbDone, cacheDone, emittedThumb, emittedCache int64
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		imageID := security.ImageID(coll.ID, e.RelativePath)

		created, err := h.deps.Store.RegisterImage(ctx, coll.ID, imageID, e.RelativePath, e.SizeBytes)
		if err != nil {
			log.WithError(err).WithField("entry", e.RelativePath).Warn("Failed to register image")
			if ierr := h.deps.Store.IncrementStage(ctx, p.ScanJobID, store.StageScan, 0, 1); ierr != nil {
				return ierr
			}
			continue
		}
		if created {
			if err := h.deps.Store.IncrementStage(ctx, p.ScanJobID, store.StageScan, 1, 0); err != nil {
				return err
			}
		}

		src := sourceRef(coll, e)
		hasThumb := p.ResumeIncomplete && h.artifactPresent(ctx, coll.ID, imageID, store.StageThumbnail)
		hasCache := p.ResumeIncomplete && h.artifactPresent(ctx, coll.ID, imageID, store.StageCache)

		if hasThumb {
			thumbDone++
		} else {
			if err := h.deps.Publisher.EnqueueThumbnail(ctx, queue.ArtifactPayload{
				ImageID:      imageID,
				CollectionID: coll.ID,
				Source:       src,
				TargetWidth:  h.deps.Config.Thumbnail.Size,
				TargetHeight: h.deps.Config.Thumbnail.Size,
				Quality:      h.deps.Config.Thumbnail.Quality,
				Format:       h.deps.Config.Thumbnail.Format,
				ScanJobID:    p.ScanJobID,
			}); err != nil {
				return fmt.Errorf("failed to emit thumbnail work: %w", err)
			}
			emittedThumb++
		}

		if hasCache {
			cacheDone++
		} else {
			if err := h.deps.Publisher.EnqueueCache(ctx, queue.ArtifactPayload{
				ImageID:      imageID,
				CollectionID: coll.ID,
				Source:       src,
				TargetWidth:  h.deps.Config.Cache.Width,
				TargetHeight: h.deps.Config.Cache.Height,
				Quality:      h.deps.Config.Cache.Quality,
				Format:       h.deps.Config.Cache.Format,
				ScanJobID:    p.ScanJobID,
			}); err != nil {
				return fmt.Errorf("failed to emit cache work: %w", err)
			}
			emittedCache++
		}
	}

	if len(fileErrs) > 0 {
		for _, fe := range fileErrs {
			log.WithError(fe).Warn("Unreadable entry")
		}
		if err := h.deps.Store.IncrementStage(ctx, p.ScanJobID, store.StageScan, 0, int64(len(fileErrs))); err != nil {
			return err
		}
	}

	// Fold in work already done by earlier runs. Raises are monotonic,
	// so a redelivered message cannot double-count.
	images, _, _, err := h.deps.Store.ArtifactCounts(ctx, coll.ID)
	if err != nil {
		return err
	}
	if _, err := h.deps.Store.RaiseStageCompleted(ctx, p.ScanJobID, store.StageScan, images); err != nil {
		return err
	}
	if thumbDone > 0 {
		if _, err := h.deps.Store.RaiseStageCompleted(ctx, p.ScanJobID, store.StageThumbnail, thumbDone); err != nil {
			return err
		}
	}
	if cacheDone > 0 {
		if _, err := h.deps.Store.RaiseStageCompleted(ctx, p.ScanJobID, store.StageCache, cacheDone); err != nil {
			return err
		}
	}

	if err := h.deps.Store.CompleteStage(ctx, p.ScanJobID, store.StageScan,
		fmt.Sprintf("%d images registered, %d unreadable", total, len(fileErrs))); err != nil {
		return err
	}
	if total == 0 {
		// Nothing to generate; close the artifact stages outright.
		if err := h.deps.Store.CompleteStage(ctx, p.ScanJobID, store.StageThumbnail, "no images"); err != nil {
			return err
		}
		if err := h.deps.Store.CompleteStage(ctx, p.ScanJobID, store.StageCache, "no images"); err != nil {
			return err
		}
	} else {
		if _, err := h.deps.Store.CompleteStageIfDone(ctx, p.ScanJobID, store.StageThumbnail); err != nil {
			return err
		}
		if _, err := h.deps.Store.CompleteStageIfDone(ctx, p.ScanJobID, store.StageCache); err != nil {
			return err
		}
	}

	h.renewProcessingStates(ctx, coll.ID, total, thumbDone, cacheDone, log)

	log.WithFields(logrus.Fields{
		"images":          total,
		"thumbnails_sent": emittedThumb,
		"cache_sent":      emittedCache,
		"unreadable":      len(fileErrs),
	}).Info("Collection scan finished")
	return nil
}

// artifactPresent reports whether the given side of an image already
// has a record whose file exists on disk with non-zero size.
func (h *CollectionScanHandler) artifactPresent(ctx context.Context, collectionID, imageID, stage string) bool {
	switch stage {
	case store.StageThumbnail:
		rec, err := h.deps.Store.GetThumbnail(ctx, collectionID, imageID)
		return err == nil && fileExistsNonEmpty(rec.Path)
	case store.StageCache:
		rec, err := h.deps.Store.GetCacheImage(ctx, collectionID, imageID)
		return err == nil && fileExistsNonEmpty(rec.Path)
	default:
		return false
	}
}

// renewProcessingStates abandons the previous resumable run records and
// opens fresh ones reflecting this run.
func (h *CollectionScanHandler) renewProcessingStates(ctx context.Context, collectionID string, total, thumbDone, cacheDone int64, log *logrus.Entry) {
	for kind, done := range map[string]int64{
		"thumbnail": thumbDone,
		"cache":     cacheDone,
	} {
		if prev, err := h.deps.Store.GetResumableState(ctx, collectionID, kind); err == nil {
			if err := h.deps.Store.AbandonProcessingState(ctx, prev.ID); err != nil {
				log.WithError(err).Warn("Failed to abandon stale processing state")
			}
		}
		settings := store.ProcessingSettings{
			TargetWidth:  h.deps.Config.Cache.Width,
			TargetHeight: h.deps.Config.Cache.Height,
			Quality:      h.deps.Config.Cache.Quality,
			Format:       h.deps.Config.Cache.Format,
		}
		if kind == "thumbnail" {
			settings = store.ProcessingSettings{
				TargetWidth:  h.deps.Config.Thumbnail.Size,
				TargetHeight: h.deps.Config.Thumbnail.Size,
				Quality:      h.deps.Config.Thumbnail.Quality,
				Format:       h.deps.Config.Thumbnail.Format,
			}
		}
		st := &store.FileProcessingJobState{
			CollectionID:  collectionID,
			JobKind:       kind,
			TotalImages:   total,
			SkippedImages: done,
			Settings:      settings,
		}
		if err := h.deps.Store.CreateProcessingState(ctx, st); err != nil {
			log.WithError(err).Warn("Failed to create processing state")
		}
	}
}

// sourceRef builds the source locator for one entry of a collection
func sourceRef(coll *store.Collection, e scanner.Entry) queue.SourceRef {
	if coll.Type == store.CollectionArchive {
		return queue.SourceRef{Path: coll.Path, ArchiveEntry: e.RelativePath}
	}
	return queue.SourceRef{Path: filepath.Join(coll.Path, filepath.FromSlash(e.RelativePath))}
}
