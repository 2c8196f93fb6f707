// Package worker hosts the message handlers of the pipeline: thumbnail
// and cache generation, collection scanning, bulk ingestion and library
// runs. Every handler is effect-idempotent: redelivery of a message
// never duplicates artifacts or collection records, and progress flows
// only through the job store's atomic operators.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/cachefolder"
	"github.com/kilnmedia/kiln/internal/config"
	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/store"
)

var errNoCapacity = cachefolder.ErrNoCapacity

// Deps bundles the collaborators every handler needs. Carried as an
// explicit value, never as process-global state.
type Deps struct {
	Store     *store.Store
	Registry  *cachefolder.Registry
	Publisher queue.Publisher
	Config    *config.Config
	Log       *logrus.Logger
}

// parentGate checks the parent job before any work is done. It returns
// (skip=true) when the message should be acknowledged without work:
// the parent is gone (warn and drop) or already terminal.
func parentGate(ctx context.Context, deps Deps, scanJobID string, log *logrus.Entry) (skip bool, err error) {
	if scanJobID == "" {
		return false, nil
	}
	job, err := deps.Store.GetJob(ctx, scanJobID)
	if err == store.ErrNotFound {
		log.WithField("job", scanJobID).Warn("Parent job not found, dropping message")
		return true, nil
	}
	if err != nil {
		return false, &Error{Kind: KindTransientIO, Err: err}
	}
	if job.Status.Terminal() {
		log.WithFields(logrus.Fields{
			"job":    scanJobID,
			"status": job.Status,
		}).Debug("Parent job terminal, skipping work")
		return true, nil
	}
	return false, nil
}

// writeArtifact persists artifact bytes under dir with a write-to-temp
// then atomic-rename, so a crash never leaves a partial file behind the
// final name.
func writeArtifact(dir, filename string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &Error{Kind: KindTransientIO, Err: fmt.Errorf("failed to create %s: %w", dir, err)}
	}
	final := filepath.Join(dir, filename)

	tmp, err := os.CreateTemp(dir, "."+filename+".tmp-*")
	if err != nil {
		return "", &Error{Kind: KindTransientIO, Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", &Error{Kind: KindTransientIO, Err: fmt.Errorf("failed to write artifact: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", &Error{Kind: KindTransientIO, Err: fmt.Errorf("failed to close artifact: %w", err)}
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", &Error{Kind: KindTransientIO, Err: fmt.Errorf("failed to rename artifact: %w", err)}
	}
	return final, nil
}

// fileExistsNonEmpty reports whether path exists with non-zero size
func fileExistsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
