// Package queue is the broker adapter: task payloads, the publisher
// used by everything that emits work, and the per-kind worker servers.
// Queues are durable, delivery is at-least-once, handlers acknowledge
// by returning nil.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Queue names, one per work kind
const (
	QueueLibraryScan    = "library-scan"
	QueueBulkAdd        = "bulk-add"
	QueueCollectionScan = "collection-scan"
	QueueThumbnail      = "thumbnail"
	QueueCache          = "cache"
)

// Task type names
const (
	TypeLibraryScan    = "scan:library"
	TypeBulkAdd        = "ingest:bulk"
	TypeCollectionScan = "scan:collection"
	TypeThumbnail      = "artifact:thumbnail"
	TypeCache          = "artifact:cache"
)

// SourceRef locates the bytes of one image. ArchiveEntry is empty for
// plain files; otherwise Path is the archive and ArchiveEntry the
// member path inside it.
type SourceRef struct {
	Path         string `json:"path"`
	ArchiveEntry string `json:"archiveEntry,omitempty"`
}

// ArtifactPayload is the message consumed by the thumbnail and cache
// workers. ScanJobID references the parent collection-scan job whose
// stage counters the worker increments.
type ArtifactPayload struct {
	ImageID      string    `json:"imageId"`
	CollectionID string    `json:"collectionId"`
	Source       SourceRef `json:"source"`
	TargetWidth  int       `json:"targetWidth"`
	TargetHeight int       `json:"targetHeight"`
	Quality      int       `json:"quality"`
	Format       string    `json:"format"`
	ScanJobID    string    `json:"scanJobId,omitempty"`
}

// CollectionScanPayload is the message consumed by the collection scanner
type CollectionScanPayload struct {
	CollectionID      string `json:"collectionId"`
	ScanJobID         string `json:"scanJobId"`
	ResumeIncomplete  bool   `json:"resumeIncomplete"`
	OverwriteExisting bool   `json:"overwriteExisting"`
}

// BulkAddPayload is the message consumed by the bulk ingester
type BulkAddPayload struct {
	JobID             string `json:"jobId"`
	LibraryID         string `json:"libraryId"`
	RootPath          string `json:"rootPath"`
	Prefix            string `json:"prefix,omitempty"`
	OverwriteExisting bool   `json:"overwriteExisting"`
	AutoAdd           bool   `json:"autoAdd"`
	TriggerScan       bool   `json:"triggerScan"`
}

// LibraryScanPayload is the message that triggers a full library run
type LibraryScanPayload struct {
	JobID             string `json:"jobId"`
	LibraryID         string `json:"libraryId"`
	ScheduledJobID    string `json:"scheduledJobId,omitempty"`
	OverwriteExisting bool   `json:"overwriteExisting"`
	ResumeIncomplete  bool   `json:"resumeIncomplete"`
}

func newTask(typename string, payload interface{}, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", typename, err)
	}
	return asynq.NewTask(typename, data, opts...), nil
}
