package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/scanner"
	"github.com/kilnmedia/kiln/internal/store"
)

// StageDiscover is the single stage of a bulk-add job
const StageDiscover = "discover"

// BulkAddHandler consumes bulk-add messages: walk the root one level
// deep, upsert each subfolder or archive as a collection, and emit one
// collection-scan per entry when requested. Scans are never emitted
// from the upsert path itself, so re-running bulk-add against an
// unchanged tree is a no-op.
type BulkAddHandler struct {
	deps Deps
}

// NewBulkAddHandler creates the bulk ingester
func NewBulkAddHandler(deps Deps) *BulkAddHandler {
	return &BulkAddHandler{deps: deps}
}

// ProcessTask handles one bulk-add message
func (h *BulkAddHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.BulkAddPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return skipRetry(fmt.Errorf("failed to unmarshal bulk-add payload: %w", err))
	}
	log := h.deps.Log.WithFields(logrus.Fields{
		"worker":  "bulk-add",
		"library": p.LibraryID,
		"root":    p.RootPath,
		"job":     p.JobID,
	})

	if _, err := h.deps.Store.GetLibrary(ctx, p.LibraryID); err == store.ErrNotFound {
		log.Warn("Library not found, dropping message")
		return nil
	} else if err != nil {
		return err
	}

	job, err := h.deps.Store.GetJob(ctx, p.JobID)
	if err == store.ErrNotFound {
		log.Warn("Bulk job not found, dropping message")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		log.WithField("status", job.Status).Debug("Bulk job terminal, skipping")
		return nil
	}

	if err := h.deps.Store.StartJob(ctx, p.JobID); err != nil && err != store.ErrInvalidTransition {
		return err
	}

	candidates, err := scanner.DiscoverCollections(ctx, p.RootPath, p.Prefix)
	if err != nil {
		log.WithError(err).Error("Discovery failed")
		if ferr := h.deps.Store.FailStage(ctx, p.JobID, StageDiscover, err.Error()); ferr != nil {
			return ferr
		}
		return nil
	}

	if err := h.deps.Store.StartStage(ctx, p.JobID, StageDiscover, int64(len(candidates))); err != nil && err != store.ErrInvalidTransition {
		return err
	}

	var added, scansEmitted int
	for _, c := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		coll, created, err := h.deps.Store.UpsertCollection(ctx, p.LibraryID, c.Name, c.Path, c.Type)
		if err != nil {
			log.WithError(err).WithField("collection", c.Name).Warn("Failed to upsert collection")
			if ierr := h.deps.Store.IncrementStage(ctx, p.JobID, StageDiscover, 0, 1); ierr != nil {
				return ierr
			}
			continue
		}
		if created {
			added++
		}

		// Existing collections are rescanned only when autoAdd asks for
		// the whole tree; fresh ones always get their first scan.
		if p.TriggerScan && (created || p.AutoAdd) {
			if err := h.emitScan(ctx, coll.ID, p); err != nil {
				log.WithError(err).WithField("collection", c.Name).Warn("Failed to emit collection scan")
				if ierr := h.deps.Store.IncrementStage(ctx, p.JobID, StageDiscover, 0, 1); ierr != nil {
					return ierr
				}
				continue
			}
			scansEmitted++
		}

		if err := h.deps.Store.IncrementStage(ctx, p.JobID, StageDiscover, 1, 0); err != nil {
			return err
		}
	}

	if err := h.deps.Store.CompleteStage(ctx, p.JobID, StageDiscover,
		fmt.Sprintf("%d collections found, %d new, %d scans emitted", len(candidates), added, scansEmitted)); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"found": len(candidates),
		"new":   added,
		"scans": scansEmitted,
	}).Info("Bulk add finished")
	return nil
}

// emitScan creates the child collection-scan job and publishes its message
func (h *BulkAddHandler) emitScan(ctx context.Context, collectionID string, p queue.BulkAddPayload) error {
	scanJob, err := h.deps.Store.CreateJob(ctx, store.JobTypeCollectionScan, store.JobParams{
		LibraryID:         p.LibraryID,
		CollectionID:      collectionID,
		OverwriteExisting: p.OverwriteExisting,
		ResumeIncomplete:  !p.OverwriteExisting,
	}, []string{store.StageScan, store.StageThumbnail, store.StageCache})
	if err != nil {
		return err
	}
	return h.deps.Publisher.EnqueueCollectionScan(ctx, queue.CollectionScanPayload{
		CollectionID:      collectionID,
		ScanJobID:         scanJob.ID,
		ResumeIncomplete:  !p.OverwriteExisting,
		OverwriteExisting: p.OverwriteExisting,
	})
}

var _ asynq.Handler = (*BulkAddHandler)(nil)
