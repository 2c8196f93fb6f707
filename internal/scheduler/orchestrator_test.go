package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/store"
	"github.com/kilnmedia/kiln/internal/testutil"
)

func newOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *testutil.FakePublisher) {
	t.Helper()
	st := testutil.OpenStore(t)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	pub := &testutil.FakePublisher{}
	return NewOrchestrator(st, pub, log), st, pub
}

// seedLibrary creates a library whose root holds two directory
// collections and one archive.
func seedLibrary(t *testing.T, st *store.Store) *store.Library {
	t.Helper()
	lib := &store.Library{Name: "lib", RootPath: t.TempDir()}
	img := testutil.JPEG(t, 32, 32)
	testutil.WriteFile(t, filepath.Join(lib.RootPath, "series-a", "001.jpg"), img)
	testutil.WriteFile(t, filepath.Join(lib.RootPath, "series-b", "001.jpg"), img)
	testutil.WriteZip(t, filepath.Join(lib.RootPath, "one-shot.cbz"), map[string][]byte{"p.jpg": img})
	if err := st.CreateLibrary(context.Background(), lib); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	return lib
}

func TestRunDispatchesOneScanPerCollection(t *testing.T) {
	orch, st, pub := newOrchestrator(t)
	ctx := context.Background()
	lib := seedLibrary(t, st)

	jobIDs, err := orch.Run(ctx, lib.ID, RunOptions{ResumeIncomplete: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(jobIDs) != 3 {
		t.Fatalf("dispatched %d jobs, want 3", len(jobIDs))
	}
	if len(pub.Scans) != 3 {
		t.Fatalf("published %d scans, want 3", len(pub.Scans))
	}

	colls, _ := st.ListCollections(ctx, lib.ID)
	if len(colls) != 3 {
		t.Errorf("upserted %d collections, want 3", len(colls))
	}

	for i, id := range jobIDs {
		job, err := st.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob(%s): %v", id, err)
		}
		if job.Status != store.StatusPending {
			t.Errorf("job %s status = %s, want Pending", id, job.Status)
		}
		if pub.Scans[i].ScanJobID != id {
			t.Errorf("scan %d references job %s, want %s", i, pub.Scans[i].ScanJobID, id)
		}
		if !pub.Scans[i].ResumeIncomplete {
			t.Errorf("scan %d lost the resume flag", i)
		}
	}
}

func TestRunIsAdditiveAcrossInvocations(t *testing.T) {
	orch, st, _ := newOrchestrator(t)
	ctx := context.Background()
	lib := seedLibrary(t, st)

	if _, err := orch.Run(ctx, lib.ID, RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := orch.Run(ctx, lib.ID, RunOptions{}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	colls, _ := st.ListCollections(ctx, lib.ID)
	if len(colls) != 3 {
		t.Errorf("second run changed the collection count to %d", len(colls))
	}
}

func TestRunFailsJobsItCouldNotPublish(t *testing.T) {
	orch, st, pub := newOrchestrator(t)
	ctx := context.Background()
	lib := seedLibrary(t, st)
	pub.Err = errors.New("broker unavailable")

	jobIDs, err := orch.Run(ctx, lib.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(jobIDs) != 0 {
		t.Errorf("returned %d job ids despite publish failures", len(jobIDs))
	}

	failed, err := st.ListJobs(ctx, store.JobTypeCollectionScan, store.StatusFailed, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(failed) != 3 {
		t.Errorf("%d unpublished jobs marked failed, want 3", len(failed))
	}
}

func TestRunUnknownLibrary(t *testing.T) {
	orch, _, _ := newOrchestrator(t)
	if _, err := orch.Run(context.Background(), "no-such-library", RunOptions{}); err != store.ErrNotFound {
		t.Errorf("Run = %v, want ErrNotFound", err)
	}
}
