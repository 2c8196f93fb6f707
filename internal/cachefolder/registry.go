// Package cachefolder distributes generated artifacts across the
// registered output disks by weighted priority, with stickiness per
// collection and capacity accounting.
package cachefolder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/store"
)

// ErrNoCapacity is returned when no active folder can take the write
var ErrNoCapacity = errors.New("no cache folder has capacity")

// Registry selects and accounts cache folders. Selection reads may be
// mildly stale; every accounting write goes through a single atomic
// statement in the store.
type Registry struct {
	store *store.Store
	log   *logrus.Entry

	mu   sync.Mutex
	rand *rand.Rand
}

// New creates a registry over the given store
func New(st *store.Store, log *logrus.Entry) *Registry {
	return &Registry{
		store: st,
		log:   log,
		rand:  rand.New(rand.NewSource(rand.Int63())),
	}
}

// Pick chooses the folder that should receive requiredBytes for the
// collection. A folder already holding artifacts of the collection wins
// outright while it has capacity, so a collection never scatters across
// disks without need. Otherwise a weighted random choice over active,
// non-full folders with enough free space is made, weight = priority.
// Zero-priority folders act as last resort: they carry weight only when
// every candidate is zero.
func (r *Registry) Pick(ctx context.Context, collectionID string, requiredBytes int64) (*store.CacheFolder, error) {
	bound, err := r.store.FoldersForCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	for i := range bound {
		f := &bound[i]
		if f.IsActive && !f.IsFull() && f.AvailableSpaceBytes() >= requiredBytes {
			return f, nil
		}
	}

	active, err := r.store.ListActiveCacheFolders(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []store.CacheFolder
	for _, f := range active {
		if !f.IsFull() && f.AvailableSpaceBytes() >= requiredBytes {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCapacity
	}

	chosen := r.weightedChoice(candidates)
	if err := r.store.BindCollectionToFolder(ctx, chosen.ID, collectionID); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"collection": collectionID,
		"folder":     chosen.Name,
		"priority":   chosen.Priority,
	}).Debug("Bound collection to cache folder")
	return chosen, nil
}

func (r *Registry) weightedChoice(candidates []store.CacheFolder) *store.CacheFolder {
	total := 0
	for _, f := range candidates {
		total += f.Priority
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if total == 0 {
		// All candidates are last-resort folders; treat them uniformly.
		return &candidates[r.rand.Intn(len(candidates))]
	}
	n := r.rand.Intn(total)
	for i := range candidates {
		n -= candidates[i].Priority
		if n < 0 {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}

// AccountWrite records bytes written into a folder
func (r *Registry) AccountWrite(ctx context.Context, folderID string, bytes int64) error {
	return r.store.AccountFolderWrite(ctx, folderID, bytes)
}

// AccountDelete records bytes removed from a folder
func (r *Registry) AccountDelete(ctx context.Context, folderID string, bytes int64) error {
	return r.store.AccountFolderDelete(ctx, folderID, bytes)
}

// Bind adds a collection to a folder's bound set without a pick
func (r *Registry) Bind(ctx context.Context, collectionID, folderID string) error {
	return r.store.BindCollectionToFolder(ctx, folderID, collectionID)
}

// Recalculate walks the folder on disk and rewrites its accounted size.
// Operator-triggered; heals accounting drift between the counter and
// the actual files.
func (r *Registry) Recalculate(ctx context.Context, folderID string) (int64, error) {
	folder, err := r.store.GetCacheFolder(ctx, folderID)
	if err != nil {
		return 0, err
	}

	var total int64
	err = filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk cache folder %s: %w", folder.Path, err)
	}

	if err := r.store.SetFolderSize(ctx, folderID, total); err != nil {
		return 0, err
	}
	if total != folder.CurrentSizeBytes {
		r.log.WithFields(logrus.Fields{
			"folder":   folder.Name,
			"recorded": folder.CurrentSizeBytes,
			"actual":   total,
		}).Warn("Corrected cache folder accounting drift")
	}
	return total, nil
}
