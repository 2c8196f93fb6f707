package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/cachefolder"
	"github.com/kilnmedia/kiln/internal/config"
	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/store"
	"github.com/kilnmedia/kiln/internal/testutil"
)

// newDeps builds handler dependencies over an isolated store and a
// recording publisher.
func newDeps(t *testing.T) (Deps, *testutil.FakePublisher) {
	t.Helper()
	st := testutil.OpenStore(t)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := config.GetDefault()
	cfg.Storage.ThumbnailRoot = filepath.Join(t.TempDir(), "thumbs")
	cfg.Storage.TempDir = t.TempDir()

	pub := &testutil.FakePublisher{}
	return Deps{
		Store:     st,
		Registry:  cachefolder.New(st, log.WithField("test", t.Name())),
		Publisher: pub,
		Config:    cfg,
		Log:       log,
	}, pub
}

// seedScan creates a collection with one source image on disk and an
// in-progress scan job whose thumbnail and cache stages expect one item.
func seedScan(t *testing.T, deps Deps) (coll *store.Collection, job *store.BackgroundJob, imageID, srcPath string) {
	t.Helper()
	ctx := context.Background()

	lib := &store.Library{Name: "lib", RootPath: t.TempDir()}
	if err := deps.Store.CreateLibrary(ctx, lib); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	collDir := filepath.Join(lib.RootPath, "series")
	srcPath = filepath.Join(collDir, "001.jpg")
	testutil.WriteFile(t, srcPath, testutil.JPEG(t, 640, 480))

	coll, _, err := deps.Store.UpsertCollection(ctx, lib.ID, "series", collDir, store.CollectionDirectory)
	if err != nil {
		t.Fatalf("UpsertCollection: %v", err)
	}

	job, err = deps.Store.CreateJob(ctx, store.JobTypeCollectionScan,
		store.JobParams{CollectionID: coll.ID},
		[]string{store.StageScan, store.StageThumbnail, store.StageCache})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := deps.Store.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	for _, stage := range []string{store.StageThumbnail, store.StageCache} {
		if err := deps.Store.StartStage(ctx, job.ID, stage, 1); err != nil {
			t.Fatalf("StartStage: %v", err)
		}
	}

	imageID = "img-0000000000000001"
	if _, err := deps.Store.RegisterImage(ctx, coll.ID, imageID, "001.jpg", 1); err != nil {
		t.Fatalf("RegisterImage: %v", err)
	}
	return coll, job, imageID, srcPath
}

func thumbTask(t *testing.T, p queue.ArtifactPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(queue.TypeThumbnail, data)
}

func TestThumbnailHandlerGeneratesAndCounts(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, job, imageID, srcPath := seedScan(t, deps)

	h := NewThumbnailHandler(deps)
	p := queue.ArtifactPayload{
		ImageID:      imageID,
		CollectionID: coll.ID,
		Source:       queue.SourceRef{Path: srcPath},
		TargetWidth:  300,
		TargetHeight: 300,
		Quality:      85,
		Format:       "jpeg",
		ScanJobID:    job.ID,
	}
	if err := h.ProcessTask(ctx, thumbTask(t, p)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	rec, err := deps.Store.GetThumbnail(ctx, coll.ID, imageID)
	if err != nil {
		t.Fatalf("GetThumbnail: %v", err)
	}
	if !fileExistsNonEmpty(rec.Path) {
		t.Errorf("thumbnail file missing at %s", rec.Path)
	}
	if rec.Width != 300 || rec.Height != 225 {
		t.Errorf("thumbnail dims = %dx%d, want 300x225", rec.Width, rec.Height)
	}

	got, _ := deps.Store.GetJob(ctx, job.ID)
	stage := got.Stage(store.StageThumbnail)
	if stage.CompletedItems != 1 || stage.FailedItems != 0 {
		t.Errorf("stage counters = %d/%d, want 1/0", stage.CompletedItems, stage.FailedItems)
	}
	// Single-item stage closes itself on the last count.
	if stage.Status != store.StatusCompleted {
		t.Errorf("stage status = %s, want Completed", stage.Status)
	}
}

func TestThumbnailHandlerIsIdempotent(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, job, imageID, srcPath := seedScan(t, deps)

	h := NewThumbnailHandler(deps)
	p := queue.ArtifactPayload{
		ImageID:      imageID,
		CollectionID: coll.ID,
		Source:       queue.SourceRef{Path: srcPath},
		TargetWidth:  300,
		TargetHeight: 300,
		Quality:      85,
		Format:       "jpeg",
		ScanJobID:    job.ID,
	}
	if err := h.ProcessTask(ctx, thumbTask(t, p)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first, _ := deps.Store.GetThumbnail(ctx, coll.ID, imageID)

	// Redelivery: no new artifact, the existing record survives.
	if err := h.ProcessTask(ctx, thumbTask(t, p)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	second, _ := deps.Store.GetThumbnail(ctx, coll.ID, imageID)
	if first.Path != second.Path {
		t.Errorf("redelivery replaced the artifact: %s vs %s", first.Path, second.Path)
	}

	got, _ := deps.Store.GetCollection(ctx, coll.ID)
	if got.Stats.TotalThumbnails != 1 {
		t.Errorf("totalThumbnails = %d, want 1 after redelivery", got.Stats.TotalThumbnails)
	}
}

func TestThumbnailHandlerSkipsTerminalParent(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, job, imageID, srcPath := seedScan(t, deps)

	if err := deps.Store.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	h := NewThumbnailHandler(deps)
	p := queue.ArtifactPayload{
		ImageID:      imageID,
		CollectionID: coll.ID,
		Source:       queue.SourceRef{Path: srcPath},
		TargetWidth:  300,
		TargetHeight: 300,
		Quality:      85,
		Format:       "jpeg",
		ScanJobID:    job.ID,
	}
	if err := h.ProcessTask(ctx, thumbTask(t, p)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if _, err := deps.Store.GetThumbnail(ctx, coll.ID, imageID); err != store.ErrNotFound {
		t.Errorf("work done under a cancelled parent: %v", err)
	}
}

func TestThumbnailHandlerDropsMissingParent(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, _, imageID, srcPath := seedScan(t, deps)

	h := NewThumbnailHandler(deps)
	p := queue.ArtifactPayload{
		ImageID:      imageID,
		CollectionID: coll.ID,
		Source:       queue.SourceRef{Path: srcPath},
		TargetWidth:  300,
		TargetHeight: 300,
		Quality:      85,
		Format:       "jpeg",
		ScanJobID:    "no-such-job",
	}
	// Acknowledged without work: redelivering a message whose parent is
	// gone would loop forever otherwise.
	if err := h.ProcessTask(ctx, thumbTask(t, p)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if _, err := deps.Store.GetThumbnail(ctx, coll.ID, imageID); err != store.ErrNotFound {
		t.Errorf("work done for a missing parent: %v", err)
	}
}

func TestThumbnailHandlerCountsDecodeFailure(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	coll, job, imageID, _ := seedScan(t, deps)

	badSrc := filepath.Join(t.TempDir(), "corrupt.jpg")
	testutil.WriteFile(t, badSrc, []byte("not a jpeg"))

	h := NewThumbnailHandler(deps)
	p := queue.ArtifactPayload{
		ImageID:      imageID,
		CollectionID: coll.ID,
		Source:       queue.SourceRef{Path: badSrc},
		TargetWidth:  300,
		TargetHeight: 300,
		Quality:      85,
		Format:       "jpeg",
		ScanJobID:    job.ID,
	}
	// Undecodable sources are permanent failures: counted and acked.
	if err := h.ProcessTask(ctx, thumbTask(t, p)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got, _ := deps.Store.GetJob(ctx, job.ID)
	stage := got.Stage(store.StageThumbnail)
	if stage.CompletedItems != 0 || stage.FailedItems != 1 {
		t.Errorf("stage counters = %d/%d, want 0/1", stage.CompletedItems, stage.FailedItems)
	}
	if stage.Status != store.StatusCompleted {
		t.Errorf("stage status = %s, want Completed (failures count toward the total)", stage.Status)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"wrapped worker error", &Error{Kind: KindTransientIO, Err: context.DeadlineExceeded}, KindTransientIO},
		{"no capacity sentinel", cachefolder.ErrNoCapacity, KindNoCapacity},
		{"unknown error", context.Canceled, KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestKindRetryable(t *testing.T) {
	retryable := map[Kind]bool{
		KindTransientIO: true,
		KindTimeout:     true,
	}
	for k := KindDecode; k <= KindFatal; k++ {
		if got := k.Retryable(); got != retryable[k] {
			t.Errorf("%s retryable = %v, want %v", k, got, retryable[k])
		}
	}
}
