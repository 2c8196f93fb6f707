package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/store"
	"github.com/kilnmedia/kiln/internal/testutil"
)

func cacheTask(t *testing.T, p queue.ArtifactPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(queue.TypeCache, data)
}

func addTestFolder(t *testing.T, deps Deps, name string, maxBytes int64) *store.CacheFolder {
	t.Helper()
	f := &store.CacheFolder{
		Name:         name,
		Path:         filepath.Join(t.TempDir(), name),
		Priority:     1,
		MaxSizeBytes: maxBytes,
		IsActive:     true,
	}
	if err := deps.Store.CreateCacheFolder(context.Background(), f); err != nil {
		t.Fatalf("CreateCacheFolder: %v", err)
	}
	return f
}

func TestCacheHandlerPlacesArtifactThroughRegistry(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, job, imageID, srcPath := seedScan(t, deps)
	folder := addTestFolder(t, deps, "disk-a", 1<<30)

	h := NewCacheHandler(deps)
	p := queue.ArtifactPayload{
		ImageID:      imageID,
		CollectionID: coll.ID,
		Source:       queue.SourceRef{Path: srcPath},
		TargetWidth:  1920,
		TargetHeight: 1080,
		Quality:      85,
		Format:       "jpeg",
		ScanJobID:    job.ID,
	}
	if err := h.ProcessTask(ctx, cacheTask(t, p)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	rec, err := deps.Store.GetCacheImage(ctx, coll.ID, imageID)
	if err != nil {
		t.Fatalf("GetCacheImage: %v", err)
	}
	if rec.FolderID != folder.ID {
		t.Errorf("folderID = %s, want %s", rec.FolderID, folder.ID)
	}
	if !strings.HasPrefix(rec.Path, folder.Path) {
		t.Errorf("artifact at %s, want under %s", rec.Path, folder.Path)
	}
	if !fileExistsNonEmpty(rec.Path) {
		t.Errorf("cache file missing at %s", rec.Path)
	}

	gotFolder, _ := deps.Store.GetCacheFolder(ctx, folder.ID)
	if gotFolder.CurrentSizeBytes != rec.SizeBytes {
		t.Errorf("folder accounts %d bytes, want %d", gotFolder.CurrentSizeBytes, rec.SizeBytes)
	}

	gotJob, _ := deps.Store.GetJob(ctx, job.ID)
	stage := gotJob.Stage(store.StageCache)
	if stage.CompletedItems != 1 || stage.Status != store.StatusCompleted {
		t.Errorf("cache stage = %d completed / %s", stage.CompletedItems, stage.Status)
	}
}

func TestCacheHandlerCountsNoCapacityAsFailure(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, job, imageID, srcPath := seedScan(t, deps)
	// No folders registered at all.

	h := NewCacheHandler(deps)
	p := queue.ArtifactPayload{
		ImageID:      imageID,
		CollectionID: coll.ID,
		Source:       queue.SourceRef{Path: srcPath},
		TargetWidth:  1920,
		TargetHeight: 1080,
		Quality:      85,
		Format:       "jpeg",
		ScanJobID:    job.ID,
	}
	if err := h.ProcessTask(ctx, cacheTask(t, p)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	gotJob, _ := deps.Store.GetJob(ctx, job.ID)
	stage := gotJob.Stage(store.StageCache)
	if stage.FailedItems != 1 {
		t.Errorf("failedItems = %d, want 1", stage.FailedItems)
	}
	if _, err := deps.Store.GetCacheImage(ctx, coll.ID, imageID); err != store.ErrNotFound {
		t.Errorf("cache record created without capacity: %v", err)
	}
}

func TestCacheHandlerPreservesAnimatedSources(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, job, imageID, srcPath := seedScan(t, deps)
	addTestFolder(t, deps, "disk-a", 1<<30)

	anim := testutil.AnimatedGIF(t, 64, 64)
	testutil.WriteFile(t, srcPath, anim)

	h := NewCacheHandler(deps)
	p := queue.ArtifactPayload{
		ImageID:      imageID,
		CollectionID: coll.ID,
		Source:       queue.SourceRef{Path: srcPath},
		TargetWidth:  1920,
		TargetHeight: 1080,
		Quality:      85,
		Format:       "jpeg",
		ScanJobID:    job.ID,
	}
	if err := h.ProcessTask(ctx, cacheTask(t, p)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	rec, err := deps.Store.GetCacheImage(ctx, coll.ID, imageID)
	if err != nil {
		t.Fatalf("GetCacheImage: %v", err)
	}
	// Animation survives: the artifact keeps the gif container even
	// though the configured cache format is jpeg.
	if filepath.Ext(rec.Path) != ".gif" {
		t.Errorf("cache artifact ext = %s, want .gif", filepath.Ext(rec.Path))
	}
	if rec.SizeBytes != int64(len(anim)) {
		t.Errorf("cache artifact size = %d, want the untouched source %d", rec.SizeBytes, len(anim))
	}
}

func TestCacheHandlerSticksToOneFolderPerCollection(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, job, imageID, srcPath := seedScan(t, deps)
	addTestFolder(t, deps, "disk-a", 1<<30)
	addTestFolder(t, deps, "disk-b", 1<<30)

	// Second image of the same collection.
	otherSrc := filepath.Join(filepath.Dir(srcPath), "002.jpg")
	testutil.WriteFile(t, otherSrc, testutil.JPEG(t, 640, 480))
	otherID := "img-0000000000000002"
	if _, err := deps.Store.RegisterImage(ctx, coll.ID, otherID, "002.jpg", 1); err != nil {
		t.Fatalf("RegisterImage: %v", err)
	}

	h := NewCacheHandler(deps)
	for _, m := range []struct{ id, src string }{{imageID, srcPath}, {otherID, otherSrc}} {
		p := queue.ArtifactPayload{
			ImageID:      m.id,
			CollectionID: coll.ID,
			Source:       queue.SourceRef{Path: m.src},
			TargetWidth:  1920,
			TargetHeight: 1080,
			Quality:      85,
			Format:       "jpeg",
			ScanJobID:    job.ID,
		}
		if err := h.ProcessTask(ctx, cacheTask(t, p)); err != nil {
			t.Fatalf("ProcessTask(%s): %v", m.id, err)
		}
	}

	first, _ := deps.Store.GetCacheImage(ctx, coll.ID, imageID)
	second, _ := deps.Store.GetCacheImage(ctx, coll.ID, otherID)
	if first.FolderID != second.FolderID {
		t.Errorf("collection scattered across folders: %s vs %s", first.FolderID, second.FolderID)
	}
}
