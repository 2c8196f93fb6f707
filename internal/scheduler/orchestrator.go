// Package scheduler owns recurring library runs: the cron bindings of
// scheduled jobs, the orphan sweep that re-binds records left behind by
// restarts, and the orchestration of a full library run into per
// collection scan jobs.
package scheduler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/scanner"
	"github.com/kilnmedia/kiln/internal/store"
)

// Orchestrator expands one library run into collection-scan jobs.
// It discovers collections under the library root, upserts them, and
// creates plus publishes one scan job per collection. The returned ids
// let the caller watch the run to completion.
type Orchestrator struct {
	store *store.Store
	pub   queue.Publisher
	log   *logrus.Logger
}

// NewOrchestrator wires the run expander
func NewOrchestrator(st *store.Store, pub queue.Publisher, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{store: st, pub: pub, log: log}
}

// RunOptions controls one library run
type RunOptions struct {
	OverwriteExisting bool
	ResumeIncomplete  bool
}

// Run discovers the library's collections and emits one collection-scan
// job per collection. Collections that vanished from disk are left
// untouched; discovery is additive.
func (o *Orchestrator) Run(ctx context.Context, libraryID string, opts RunOptions) ([]string, error) {
	lib, err := o.store.GetLibrary(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	log := o.log.WithFields(logrus.Fields{
		"library": lib.Name,
		"root":    lib.RootPath,
	})

	candidates, err := scanner.DiscoverCollections(ctx, lib.RootPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to discover collections of library %s: %w", lib.Name, err)
	}

	var jobIDs []string
	for _, c := range candidates {
		coll, created, err := o.store.UpsertCollection(ctx, lib.ID, c.Name, c.Path, c.Type)
		if err != nil {
			log.WithError(err).WithField("collection", c.Name).Warn("Failed to upsert collection")
			continue
		}
		if created {
			log.WithField("collection", c.Name).Info("New collection discovered")
		}

		job, err := o.store.CreateJob(ctx, store.JobTypeCollectionScan, store.JobParams{
			LibraryID:         lib.ID,
			CollectionID:      coll.ID,
			OverwriteExisting: opts.OverwriteExisting,
			ResumeIncomplete:  opts.ResumeIncomplete,
		}, []string{store.StageScan, store.StageThumbnail, store.StageCache})
		if err != nil {
			log.WithError(err).WithField("collection", c.Name).Warn("Failed to create scan job")
			continue
		}
		if err := o.pub.EnqueueCollectionScan(ctx, queue.CollectionScanPayload{
			CollectionID:      coll.ID,
			ScanJobID:         job.ID,
			ResumeIncomplete:  opts.ResumeIncomplete,
			OverwriteExisting: opts.OverwriteExisting,
		}); err != nil {
			log.WithError(err).WithField("collection", c.Name).Warn("Failed to publish scan")
			if ferr := o.store.FailJob(ctx, job.ID, "failed to publish scan message"); ferr != nil {
				log.WithError(ferr).Warn("Failed to mark unpublished job failed")
			}
			continue
		}
		jobIDs = append(jobIDs, job.ID)
	}

	log.WithFields(logrus.Fields{
		"collections": len(candidates),
		"scans":       len(jobIDs),
	}).Info("Library run dispatched")
	return jobIDs, nil
}
