package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/imageproc"
	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/scanner"
	"github.com/kilnmedia/kiln/internal/security"
	"github.com/kilnmedia/kiln/internal/store"
)

// ThumbnailHandler consumes thumbnail messages: decode, resize, persist
// under the thumbnail root, register on the collection, and advance the
// parent job's thumbnail stage.
type ThumbnailHandler struct {
	deps Deps
}

// NewThumbnailHandler creates the thumbnail worker
func NewThumbnailHandler(deps Deps) *ThumbnailHandler {
	return &ThumbnailHandler{deps: deps}
}

// ProcessTask handles one thumbnail message
func (h *ThumbnailHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.ArtifactPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return skipRetry(fmt.Errorf("failed to unmarshal thumbnail payload: %w", err))
	}
	log := h.deps.Log.WithFields(logrus.Fields{
		"worker":     "thumbnail",
		"collection": p.CollectionID,
		"image":      p.ImageID,
	})

	skip, err := parentGate(ctx, h.deps, p.ScanJobID, log)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	// Idempotence: an existing record whose file is present on disk
	// means a redelivered message. Count the stage once per message and
	// acknowledge; the reconciler corrects any resulting double count.
	if rec, err := h.deps.Store.GetThumbnail(ctx, p.CollectionID, p.ImageID); err == nil && fileExistsNonEmpty(rec.Path) {
		log.Debug("Thumbnail already present, skipping generation")
		return h.succeed(ctx, p, log)
	}

	src, err := scanner.ReadSource("", p.Source.Path, p.Source.ArchiveEntry)
	if err != nil {
		return h.fail(ctx, p, &Error{Kind: KindTransientIO, Err: err}, log)
	}

	res, err := imageproc.Process(src, imageproc.Settings{
		TargetWidth:  p.TargetWidth,
		TargetHeight: p.TargetHeight,
		Quality:      p.Quality,
		Format:       p.Format,
	})
	if err != nil {
		return h.fail(ctx, p, err, log)
	}

	filename := security.ArtifactFilename(p.ImageID, sourceName(p), imageproc.Extension(res.Format))
	dir := filepath.Join(h.deps.Config.Storage.ThumbnailRoot, p.CollectionID)
	artifactPath, err := writeArtifact(dir, filename, res.Data)
	if err != nil {
		return h.fail(ctx, p, err, log)
	}

	if _, err := h.deps.Store.UpsertThumbnail(ctx, store.CollectionThumbnail{
		CollectionID: p.CollectionID,
		ImageID:      p.ImageID,
		Path:         artifactPath,
		Width:        res.Width,
		Height:       res.Height,
		SizeBytes:    int64(len(res.Data)),
	}); err != nil {
		return h.fail(ctx, p, &Error{Kind: KindTransientIO, Err: err}, log)
	}

	log.WithFields(logrus.Fields{
		"path": artifactPath,
		"size": len(res.Data),
		"dims": fmt.Sprintf("%dx%d", res.Width, res.Height),
	}).Debug("Thumbnail generated")
	return h.succeed(ctx, p, log)
}

func (h *ThumbnailHandler) succeed(ctx context.Context, p queue.ArtifactPayload, log *logrus.Entry) error {
	return recordOutcome(ctx, h.deps, p, store.StageThumbnail, "thumbnail", true, log)
}

func (h *ThumbnailHandler) fail(ctx context.Context, p queue.ArtifactPayload, cause error, log *logrus.Entry) error {
	return convertFailure(ctx, h.deps, p, store.StageThumbnail, "thumbnail", cause, log)
}

// sourceName yields the natural name used in the sanitised filename
func sourceName(p queue.ArtifactPayload) string {
	if p.Source.ArchiveEntry != "" {
		return filepath.Base(p.Source.ArchiveEntry)
	}
	return filepath.Base(p.Source.Path)
}

// recordOutcome folds one finished item into the parent job stage and
// the resumable run record, then closes the stage if this was the last
// outstanding item.
func recordOutcome(ctx context.Context, deps Deps, p queue.ArtifactPayload, stage, kind string, success bool, log *logrus.Entry) error {
	if p.ScanJobID != "" {
		var dc, df int64
		if success {
			dc = 1
		} else {
			df = 1
		}
		if err := deps.Store.IncrementStage(ctx, p.ScanJobID, stage, dc, df); err != nil && err != store.ErrNotFound {
			return &Error{Kind: KindTransientIO, Err: err}
		}
		if _, err := deps.Store.CompleteStageIfDone(ctx, p.ScanJobID, stage); err != nil {
			log.WithError(err).Warn("Failed to close stage")
		}
	}

	if st, err := deps.Store.GetResumableState(ctx, p.CollectionID, kind); err == nil {
		var dc, df int64
		if success {
			dc = 1
		} else {
			df = 1
		}
		if err := deps.Store.AdvanceProcessingState(ctx, st.ID, dc, 0, df); err != nil {
			log.WithError(err).Warn("Failed to advance processing state")
		}
	}
	return nil
}

// convertFailure applies the propagation policy at the message
// boundary: retryable failures redeliver until the budget is spent,
// everything else is counted against the stage and acknowledged.
// Fatal errors are dead-lettered uncounted; the reconciler picks up
// the divergence.
func convertFailure(ctx context.Context, deps Deps, p queue.ArtifactPayload, stage, kind string, cause error, log *logrus.Entry) error {
	k := classify(cause)
	log.WithError(cause).WithField("kind", k.String()).Warn("Artifact generation failed")

	if k.Retryable() {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			return cause
		}
		// Retry budget spent: count the final failure and archive.
		if err := recordOutcome(ctx, deps, p, stage, kind, false, log); err != nil {
			return err
		}
		return skipRetry(cause)
	}

	if k == KindFatal {
		return skipRetry(cause)
	}

	return recordOutcome(ctx, deps, p, stage, kind, false, log)
}
