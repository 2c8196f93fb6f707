package cachefolder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/store"
	"github.com/kilnmedia/kiln/internal/testutil"
)

func newRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st := testutil.OpenStore(t)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(st, log.WithField("test", t.Name())), st
}

func addFolder(t *testing.T, st *store.Store, name string, priority int, maxBytes, usedBytes int64, active bool) *store.CacheFolder {
	t.Helper()
	f := &store.CacheFolder{
		Name:             name,
		Path:             filepath.Join(t.TempDir(), name),
		Priority:         priority,
		MaxSizeBytes:     maxBytes,
		CurrentSizeBytes: usedBytes,
		IsActive:         active,
	}
	if err := st.CreateCacheFolder(context.Background(), f); err != nil {
		t.Fatalf("CreateCacheFolder: %v", err)
	}
	return f
}

func TestPickPrefersBoundFolder(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	low := addFolder(t, st, "low", 1, 1<<30, 0, true)
	addFolder(t, st, "high", 100, 1<<30, 0, true)

	if err := reg.Bind(ctx, "coll-1", low.ID); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// The bound folder wins regardless of priority, repeatedly.
	for i := 0; i < 10; i++ {
		chosen, err := reg.Pick(ctx, "coll-1", 1000)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if chosen.ID != low.ID {
			t.Fatalf("pick %d chose %s, want the bound folder", i, chosen.Name)
		}
	}
}

func TestPickFallsBackWhenBoundFolderIsFull(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	full := addFolder(t, st, "full", 50, 1000, 1000, true)
	open := addFolder(t, st, "open", 1, 1<<30, 0, true)

	if err := reg.Bind(ctx, "coll-1", full.ID); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	chosen, err := reg.Pick(ctx, "coll-1", 100)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if chosen.ID != open.ID {
		t.Errorf("chose %s, want the folder with capacity", chosen.Name)
	}
}

func TestPickSkipsInactiveAndUndersizedFolders(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	addFolder(t, st, "inactive", 100, 1<<30, 0, false)
	addFolder(t, st, "tight", 100, 2000, 1500, true) // 500 free < required
	want := addFolder(t, st, "roomy", 1, 1<<30, 0, true)

	chosen, err := reg.Pick(ctx, "coll-1", 1000)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if chosen.ID != want.ID {
		t.Errorf("chose %s, want roomy", chosen.Name)
	}
}

func TestPickReturnsNoCapacity(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	addFolder(t, st, "full", 10, 1000, 1000, true)
	addFolder(t, st, "off", 10, 1<<30, 0, false)

	if _, err := reg.Pick(ctx, "coll-1", 100); err != ErrNoCapacity {
		t.Errorf("Pick = %v, want ErrNoCapacity", err)
	}
}

func TestWeightedChoiceFollowsPriorities(t *testing.T) {
	reg, _ := newRegistry(t)

	candidates := []store.CacheFolder{
		{ID: "a", Name: "a", Priority: 90},
		{ID: "b", Name: "b", Priority: 10},
	}
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[reg.weightedChoice(candidates).ID]++
	}
	if counts["a"] <= counts["b"] {
		t.Errorf("priority 90 chosen %d times vs priority 10 %d times", counts["a"], counts["b"])
	}
	if counts["b"] == 0 {
		t.Error("low-priority folder never chosen across 2000 draws")
	}
}

func TestWeightedChoiceUniformWhenAllZero(t *testing.T) {
	reg, _ := newRegistry(t)

	candidates := []store.CacheFolder{
		{ID: "a", Priority: 0},
		{ID: "b", Priority: 0},
	}
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[reg.weightedChoice(candidates).ID]++
	}
	if counts["a"] == 0 || counts["b"] == 0 {
		t.Errorf("zero-priority candidates not treated uniformly: %v", counts)
	}
}

func TestAccountingClampsAtZero(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()
	f := addFolder(t, st, "acc", 1, 1<<30, 0, true)

	if err := reg.AccountWrite(ctx, f.ID, 5000); err != nil {
		t.Fatalf("AccountWrite: %v", err)
	}
	if err := reg.AccountDelete(ctx, f.ID, 9000); err != nil {
		t.Fatalf("AccountDelete: %v", err)
	}

	got, err := st.GetCacheFolder(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetCacheFolder: %v", err)
	}
	if got.CurrentSizeBytes != 0 {
		t.Errorf("currentSizeBytes = %d, want clamp at 0", got.CurrentSizeBytes)
	}
}

func TestRecalculate(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	f := addFolder(t, st, "recalc", 1, 1<<30, 12345, true)
	sub := filepath.Join(f.Path, "coll-1")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a.jpg"), make([]byte, 600), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b.jpg"), make([]byte, 400), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	total, err := reg.Recalculate(ctx, f.ID)
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if total != 1000 {
		t.Errorf("recalculated size = %d, want 1000", total)
	}
	got, _ := st.GetCacheFolder(ctx, f.ID)
	if got.CurrentSizeBytes != 1000 {
		t.Errorf("stored size = %d, want 1000", got.CurrentSizeBytes)
	}
}
