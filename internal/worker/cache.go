package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/cachefolder"
	"github.com/kilnmedia/kiln/internal/imageproc"
	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/scanner"
	"github.com/kilnmedia/kiln/internal/security"
	"github.com/kilnmedia/kiln/internal/store"
)

// CacheHandler consumes cache messages. Same shape as the thumbnail
// worker, with two extra concerns: the artifact is placed through the
// cache folder registry (sticky, weighted, capacity-checked) and
// animated sources keep their original container.
type CacheHandler struct {
	deps Deps
}

// NewCacheHandler creates the cache worker
func NewCacheHandler(deps Deps) *CacheHandler {
	return &CacheHandler{deps: deps}
}

// ProcessTask handles one cache message
func (h *CacheHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.ArtifactPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return skipRetry(fmt.Errorf("failed to unmarshal cache payload: %w", err))
	}
	log := h.deps.Log.WithFields(logrus.Fields{
		"worker":     "cache",
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

	if rec, err := h.deps.Store.GetCacheImage(ctx, p.CollectionID, p.ImageID); err == nil && fileExistsNonEmpty(rec.Path) {
		log.Debug("Cache image already present, skipping generation")
		return h.succeed(ctx, p, log)
	}

	src, err := scanner.ReadSource("", p.Source.Path, p.Source.ArchiveEntry)
	if err != nil {
		return h.fail(ctx, p, &Error{Kind: KindTransientIO, Err: err}, log)
	}

	res, err := imageproc.Process(src, imageproc.Settings{
		TargetWidth:       p.TargetWidth,
		TargetHeight:      p.TargetHeight,
		Quality:           p.Quality,
		Format:            p.Format,
		PreserveAnimation: true,
	})
	if err != nil {
		return h.fail(ctx, p, err, log)
	}

	folder, err := h.deps.Registry.Pick(ctx, p.CollectionID, int64(len(res.Data)))
	if err != nil {
		if errors.Is(err, cachefolder.ErrNoCapacity) {
			return h.fail(ctx, p, &Error{Kind: KindNoCapacity, Err: err}, log)
		}
		return h.fail(ctx, p, &Error{Kind: KindTransientIO, Err: err}, log)
	}

	filename := security.ArtifactFilename(p.ImageID, sourceName(p), imageproc.Extension(res.Format))
	dir := filepath.Join(folder.Path, p.CollectionID)
	artifactPath, err := writeArtifact(dir, filename, res.Data)
	if err != nil {
		return h.fail(ctx, p, err, log)
	}

	if err := h.deps.Registry.AccountWrite(ctx, folder.ID, int64(len(res.Data))); err != nil {
		log.WithError(err).Warn("Failed to account cache write")
	}

	if _, err := h.deps.Store.UpsertCacheImage(ctx, store.CollectionCacheImage{
		CollectionID: p.CollectionID,
		ImageID:      p.ImageID,
		Path:         artifactPath,
		FolderID:     folder.ID,
		Width:        res.Width,
		Height:       res.Height,
		SizeBytes:    int64(len(res.Data)),
	}); err != nil {
		return h.fail(ctx, p, &Error{Kind: KindTransientIO, Err: err}, log)
	}

	log.WithFields(logrus.Fields{
		"path":   artifactPath,
		"folder": folder.Name,
		"size":   len(res.Data),
	}).Debug("Cache image generated")
	return h.succeed(ctx, p, log)
}

func (h *CacheHandler) succeed(ctx context.Context, p queue.ArtifactPayload, log *logrus.Entry) error {
	return recordOutcome(ctx, h.deps, p, store.StageCache, "cache", true, log)
}

func (h *CacheHandler) fail(ctx context.Context, p queue.ArtifactPayload, cause error, log *logrus.Entry) error {
	return convertFailure(ctx, h.deps, p, store.StageCache, "cache", cause, log)
}

var _ asynq.Handler = (*CacheHandler)(nil)
