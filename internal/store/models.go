package store

import (
	"time"
)

// JobType identifies the kind of work a background job tracks
type JobType string

const (
	JobTypeLibraryScan    JobType = "library-scan"
	JobTypeBulkAdd        JobType = "bulk-add"
	JobTypeCollectionScan JobType = "collection-scan"
	JobTypeThumbnail      JobType = "thumbnail"
	JobTypeCache          JobType = "cache"
)

// JobStatus is the lifecycle state of a job or a stage
type JobStatus string

const (
	StatusPending    JobStatus = "Pending"
	StatusInProgress JobStatus = "InProgress"
	StatusCompleted  JobStatus = "Completed"
	StatusFailed     JobStatus = "Failed"
	StatusCancelled  JobStatus = "Cancelled"
)

// Terminal reports whether a status admits no further transitions
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage names of a collection-scan job
const (
	StageScan      = "scan"
	StageThumbnail = "thumbnail"
	StageCache     = "cache"
)

// CollectionType distinguishes folder collections from archive collections
type CollectionType string

const (
	CollectionDirectory CollectionType = "directory"
	CollectionArchive   CollectionType = "archive"
)

// Library is a watchable root path on disk
type Library struct {
	ID             string `gorm:"type:varchar(36);primaryKey"`
	Name           string `gorm:"not null"`
	RootPath       string `gorm:"not null"`
	OwnerID        string `gorm:"index"`
	AutoScan       bool
	CronExpression string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduledJob is a recurring schedule bound to a library. A nil
// ExternalBinding means the record is an orphan: it exists but no
// runtime trigger will fire for it.
type ScheduledJob struct {
	ID              string `gorm:"type:varchar(36);primaryKey"`
	LibraryID       string `gorm:"type:varchar(36);uniqueIndex"`
	CronExpression  string `gorm:"not null"`
	Enabled         bool
	RunCount        int64
	SuccessCount    int64
	FailureCount    int64
	LastRunAt       *time.Time
	LastRunStatus   string
	LastRunDuration time.Duration
	NextRunAt       *time.Time
	ExternalBinding *int64
	Parameters      map[string]string `gorm:"serializer:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CollectionStats is the rolled-up statistics block of a collection
type CollectionStats struct {
	TotalImages     int64
	TotalSizeBytes  int64
	TotalThumbnails int64
	TotalCached     int64
}

// Collection is a set of images discovered under a library path.
// The images/thumbnails/cacheImages arrays live in their own tables,
// keyed by (collection_id, image_id), and are mutated only through
// single-statement upserts.
type Collection struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	LibraryID string `gorm:"type:varchar(36);index;uniqueIndex:idx_collections_lib_path,priority:1"`
	Name      string `gorm:"not null"`
	Path      string `gorm:"not null;uniqueIndex:idx_collections_lib_path,priority:2"`
	Type      CollectionType
	Stats     CollectionStats `gorm:"embedded;embeddedPrefix:stats_"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CollectionImage is one registered source image of a collection
type CollectionImage struct {
	ID           uint   `gorm:"primaryKey"`
	CollectionID string `gorm:"type:varchar(36);uniqueIndex:idx_collection_images_key,priority:1"`
	ImageID      string `gorm:"type:varchar(40);uniqueIndex:idx_collection_images_key,priority:2"`
	RelativePath string `gorm:"not null"`
	SizeBytes    int64
	AddedAt      time.Time
}

// CollectionThumbnail references a generated thumbnail of one image
type CollectionThumbnail struct {
	ID           uint   `gorm:"primaryKey"`
	CollectionID string `gorm:"type:varchar(36);uniqueIndex:idx_collection_thumbs_key,priority:1"`
	ImageID      string `gorm:"type:varchar(40);uniqueIndex:idx_collection_thumbs_key,priority:2"`
	Path         string `gorm:"not null"`
	Width        int
	Height       int
	SizeBytes    int64
	CreatedAt    time.Time
}

// CollectionCacheImage references a generated cache image of one image
type CollectionCacheImage struct {
	ID           uint   `gorm:"primaryKey"`
	CollectionID string `gorm:"type:varchar(36);uniqueIndex:idx_collection_cache_key,priority:1"`
	ImageID      string `gorm:"type:varchar(40);uniqueIndex:idx_collection_cache_key,priority:2"`
	Path         string `gorm:"not null"`
	FolderID     string `gorm:"type:varchar(36);index"`
	Width        int
	Height       int
	SizeBytes    int64
	CreatedAt    time.Time
}

// JobParams is the typed parameter bag carried by background jobs.
// Only the fields relevant to the job's type are set.
type JobParams struct {
	LibraryID         string `json:"libraryId,omitempty"`
	CollectionID      string `json:"collectionId,omitempty"`
	RootPath          string `json:"rootPath,omitempty"`
	Prefix            string `json:"prefix,omitempty"`
	OverwriteExisting bool   `json:"overwriteExisting,omitempty"`
	ResumeIncomplete  bool   `json:"resumeIncomplete,omitempty"`
	AutoAdd           bool   `json:"autoAdd,omitempty"`
	TriggerScan       bool   `json:"triggerScan,omitempty"`
}

// BackgroundJob is the progress document for one unit of work. The
// (job_type, status, updated_at) index drives the reconciler sweep.
type BackgroundJob struct {
	ID             string    `gorm:"type:varchar(36);primaryKey"`
	JobType        JobType   `gorm:"index:idx_jobs_reconcile,priority:1"`
	Status         JobStatus `gorm:"index:idx_jobs_reconcile,priority:2"`
	TotalItems     int64
	CompletedItems int64
	FailedItems    int64
	Message        string
	ErrorMessage   string
	Parameters     JobParams `gorm:"serializer:json"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time  `gorm:"index:idx_jobs_reconcile,priority:3"`
	Stages         []JobStage `gorm:"foreignKey:JobID;references:ID"`
}

// JobStage is one progress track within a background job
type JobStage struct {
	ID             uint   `gorm:"primaryKey"`
	JobID          string `gorm:"type:varchar(36);uniqueIndex:idx_job_stages_key,priority:1"`
	Name           string `gorm:"uniqueIndex:idx_job_stages_key,priority:2"`
	Status         JobStatus
	TotalItems     int64
	CompletedItems int64
	FailedItems    int64
	Message        string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Stage returns the named stage, or nil
func (j *BackgroundJob) Stage(name string) *JobStage {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			return &j.Stages[i]
		}
	}
	return nil
}

// ProcessingSettings are the artifact generation settings of a run
type ProcessingSettings struct {
	TargetWidth  int
	TargetHeight int
	Quality      int
	Format       string
}

// FileProcessingJobState is the resumable per-collection record of a
// thumbnail/cache/both run. It survives process restarts and closes
// when RemainingImages reaches zero or the run is abandoned.
type FileProcessingJobState struct {
	ID              string `gorm:"type:varchar(36);primaryKey"`
	CollectionID    string `gorm:"type:varchar(36);index"`
	JobKind         string // "thumbnail", "cache" or "both"
	TotalImages     int64
	CompletedImages int64
	SkippedImages   int64
	FailedImages    int64
	RemainingImages int64
	OutputFolderID  string
	CanResume       bool
	Settings        ProcessingSettings `gorm:"embedded;embeddedPrefix:settings_"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CacheFolder is a writable directory that receives generated artifacts
type CacheFolder struct {
	ID               string `gorm:"type:varchar(36);primaryKey"`
	Name             string `gorm:"not null"`
	Path             string `gorm:"not null"`
	Priority         int    // >= 0; 0 means last resort
	MaxSizeBytes     int64
	CurrentSizeBytes int64
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AvailableSpaceBytes returns the remaining accounted capacity
func (f *CacheFolder) AvailableSpaceBytes() int64 {
	free := f.MaxSizeBytes - f.CurrentSizeBytes
	if free < 0 {
		return 0
	}
	return free
}

// IsFull reports whether the folder has reached its size budget
func (f *CacheFolder) IsFull() bool {
	return f.CurrentSizeBytes >= f.MaxSizeBytes
}

// IsNearFull reports whether usage is at or above 90%
func (f *CacheFolder) IsNearFull() bool {
	if f.MaxSizeBytes <= 0 {
		return true
	}
	return float64(f.CurrentSizeBytes)/float64(f.MaxSizeBytes) >= 0.9
}

// CacheFolderBinding records that a collection has artifacts in a folder
// (the sticky-folder relation; an add-to-set keyed by the pair).
type CacheFolderBinding struct {
	ID           uint   `gorm:"primaryKey"`
	FolderID     string `gorm:"type:varchar(36);uniqueIndex:idx_folder_bindings_key,priority:1"`
	CollectionID string `gorm:"type:varchar(36);uniqueIndex:idx_folder_bindings_key,priority:2;index"`
	CreatedAt    time.Time
}
