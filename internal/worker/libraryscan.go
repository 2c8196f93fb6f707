package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/scheduler"
	"github.com/kilnmedia/kiln/internal/store"
)

// StageDispatch is the single stage of a library-scan job
const StageDispatch = "dispatch"

// LibraryScanHandler consumes ad-hoc library run messages, the path the
// admin surface uses. Scheduled runs go through the cron scheduler
// directly and never pass through this queue.
type LibraryScanHandler struct {
	deps Deps
	orch *scheduler.Orchestrator
}

// NewLibraryScanHandler creates the library run worker
func NewLibraryScanHandler(deps Deps, orch *scheduler.Orchestrator) *LibraryScanHandler {
	return &LibraryScanHandler{deps: deps, orch: orch}
}

// ProcessTask handles one library-scan message
func (h *LibraryScanHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.LibraryScanPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return skipRetry(fmt.Errorf("failed to unmarshal library-scan payload: %w", err))
	}
	log := h.deps.Log.WithFields(logrus.Fields{
		"worker":  "library-scan",
		"library": p.LibraryID,
		"job":     p.JobID,
	})

	job, err := h.deps.Store.GetJob(ctx, p.JobID)
	if err == store.ErrNotFound {
		log.Warn("Library run job not found, dropping message")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		log.WithField("status", job.Status).Debug("Library run job terminal, skipping")
		return nil
	}

	if err := h.deps.Store.StartJob(ctx, p.JobID); err != nil && err != store.ErrInvalidTransition {
		return err
	}

	jobIDs, err := h.orch.Run(ctx, p.LibraryID, scheduler.RunOptions{
		OverwriteExisting: p.OverwriteExisting,
		ResumeIncomplete:  p.ResumeIncomplete,
	})
	if err != nil {
		log.WithError(err).Error("Library run failed")
		if ferr := h.deps.Store.FailStage(ctx, p.JobID, StageDispatch, err.Error()); ferr != nil {
			return ferr
		}
		return nil
	}

	if err := h.deps.Store.StartStage(ctx, p.JobID, StageDispatch, int64(len(jobIDs))); err != nil && err != store.ErrInvalidTransition {
		return err
	}
	if len(jobIDs) > 0 {
		if err := h.deps.Store.IncrementStage(ctx, p.JobID, StageDispatch, int64(len(jobIDs)), 0); err != nil {
			return err
		}
	}
	if err := h.deps.Store.CompleteStage(ctx, p.JobID, StageDispatch,
		fmt.Sprintf("%d collection scans dispatched", len(jobIDs))); err != nil {
		return err
	}

	log.WithField("scans", len(jobIDs)).Info("Library run dispatched")
	return nil
}

var _ asynq.Handler = (*LibraryScanHandler)(nil)
