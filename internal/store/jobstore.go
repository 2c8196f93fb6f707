package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a referenced document does not exist
var ErrNotFound = errors.New("document not found")

// ErrInvalidTransition is returned when a guarded state transition
// matched no row, meaning the document was not in an eligible state.
var ErrInvalidTransition = errors.New("invalid state transition")

// CreateJob initialises a Pending job with Pending stages. Stage order
// follows stageNames.
func (s *Store) CreateJob(ctx context.Context, jobType JobType, params JobParams, stageNames []string) (*BackgroundJob, error) {
	job := &BackgroundJob{
		ID:         uuid.NewString(),
		JobType:    jobType,
		Status:     StatusPending,
		Parameters: params,
	}
	for _, name := range stageNames {
		job.Stages = append(job.Stages, JobStage{
			Name:   name,
			Status: StatusPending,
		})
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create %s job: %w", jobType, err)
	}
	return job, nil
}

// GetJob loads a job with its stages
func (s *Store) GetJob(ctx context.Context, jobID string) (*BackgroundJob, error) {
	var job BackgroundJob
	err := s.db.WithContext(ctx).Preload("Stages").First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return &job, nil
}

// StartJob transitions Pending -> InProgress and stamps startedAt
func (s *Store) StartJob(ctx context.Context, jobID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Where("id = ? AND status = ?", jobID, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusInProgress,
			"started_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to start job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// StartStage opens a stage with its item total and recomputes the
// job-level total from the sum of all stage totals.
func (s *Store) StartStage(ctx context.Context, jobID, stage string, totalItems int64) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&JobStage{}).
		Where("job_id = ? AND name = ? AND status NOT IN ?", jobID, stage, terminalStatuses()).
		Updates(map[string]interface{}{
			"status":      StatusInProgress,
			"total_items": totalItems,
			"started_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to start stage %s of job %s: %w", stage, jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}

	sub := s.db.Model(&JobStage{}).
		Select("COALESCE(SUM(total_items), 0)").
		Where("job_id = ?", jobID)
	err := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Where("id = ?", jobID).
		Update("total_items", sub).Error
	if err != nil {
		return fmt.Errorf("failed to recompute totals of job %s: %w", jobID, err)
	}
	return nil
}

// IncrementStage atomically adds to a stage's completed/failed counters
// and mirrors the deltas onto the job-level counters. Both writes are
// single guarded UPDATE statements; there is no read-modify-write.
// The job's updatedAt bump doubles as the progress heartbeat watched
// by the reconciler.
func (s *Store) IncrementStage(ctx context.Context, jobID, stage string, deltaCompleted, deltaFailed int64) error {
	if deltaCompleted < 0 || deltaFailed < 0 {
		return fmt.Errorf("negative progress delta (%d, %d)", deltaCompleted, deltaFailed)
	}
	res := s.db.WithContext(ctx).Model(&JobStage{}).
		Where("job_id = ? AND name = ?", jobID, stage).
		Updates(map[string]interface{}{
			"completed_items": gorm.Expr("completed_items + ?", deltaCompleted),
			"failed_items":    gorm.Expr("failed_items + ?", deltaFailed),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to increment stage %s of job %s: %w", stage, jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	err := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"completed_items": gorm.Expr("completed_items + ?", deltaCompleted),
			"failed_items":    gorm.Expr("failed_items + ?", deltaFailed),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to increment totals of job %s: %w", jobID, err)
	}
	return nil
}

// CompleteStage closes a stage. When every declared stage of the job is
// Completed the job itself transitions to Completed.
func (s *Store) CompleteStage(ctx context.Context, jobID, stage, message string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&JobStage{}).
		Where("job_id = ? AND name = ? AND status NOT IN ?", jobID, stage, terminalStatuses()).
		Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"message":      message,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete stage %s of job %s: %w", stage, jobID, res.Error)
	}
	return s.promoteIfAllStagesComplete(ctx, jobID)
}

func (s *Store) promoteIfAllStagesComplete(ctx context.Context, jobID string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Where("id = ? AND status IN ?", jobID, []JobStatus{StatusPending, StatusInProgress}).
		Where("NOT EXISTS (SELECT 1 FROM job_stages WHERE job_stages.job_id = background_jobs.id AND job_stages.status <> ?)", StatusCompleted).
		Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"completed_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to promote job %s: %w", jobID, err)
	}
	return nil
}

// CompleteStageIfDone closes a stage once its counted items have
// reached the declared total. The check and the transition are one
// guarded UPDATE, so any number of workers may call it concurrently;
// whoever lands last closes the stage. Returns true when the stage
// transitioned on this call.
func (s *Store) CompleteStageIfDone(ctx context.Context, jobID, stage string) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&JobStage{}).
		Where("job_id = ? AND name = ? AND status = ? AND total_items > 0 AND completed_items + failed_items >= total_items",
			jobID, stage, StatusInProgress).
		Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to close stage %s of job %s: %w", stage, jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	return true, s.promoteIfAllStagesComplete(ctx, jobID)
}

// FailStage marks a stage Failed. The job transitions to Failed once
// some stage is Failed and no stage remains InProgress. The job's
// errorMessage records the first failure; later failures append a tag.
func (s *Store) FailStage(ctx context.Context, jobID, stage, errMsg string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&JobStage{}).
		Where("job_id = ? AND name = ? AND status NOT IN ?", jobID, stage, terminalStatuses()).
		Updates(map[string]interface{}{
			"status":       StatusFailed,
			"message":      errMsg,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to fail stage %s of job %s: %w", stage, jobID, res.Error)
	}

	err := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Where("id = ? AND status IN ?", jobID, []JobStatus{StatusPending, StatusInProgress}).
		Where("EXISTS (SELECT 1 FROM job_stages WHERE job_stages.job_id = background_jobs.id AND job_stages.status = ?)", StatusFailed).
		Where("NOT EXISTS (SELECT 1 FROM job_stages WHERE job_stages.job_id = background_jobs.id AND job_stages.status = ?)", StatusInProgress).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"completed_at":  now,
			"error_message": gorm.Expr("CASE WHEN error_message = '' THEN ? ELSE error_message || '; ' || ? END", errMsg, stage+" failed"),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	return nil
}

// CancelJob cancels a Pending or InProgress job. Stages keep their last
// values. Terminal jobs are left untouched.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Where("id = ? AND status IN ?", jobID, []JobStatus{StatusPending, StatusInProgress}).
		Updates(map[string]interface{}{
			"status":       StatusCancelled,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FailJob force-fails a non-terminal job with an error message. Used by
// the reconciler when a job is presumed abandoned.
func (s *Store) FailJob(ctx context.Context, jobID, errMsg string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Where("id = ? AND status IN ?", jobID, []JobStatus{StatusPending, StatusInProgress}).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"completed_at":  now,
			"error_message": gorm.Expr("CASE WHEN error_message = '' THEN ? ELSE error_message END", errMsg),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	return nil
}

// RaiseStageCompleted lifts a stage's completedItems to the given value
// if and only if the recorded value is behind it. Monotonic by
// construction; used by the reconciler to correct lost increments.
func (s *Store) RaiseStageCompleted(ctx context.Context, jobID, stage string, completed int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&JobStage{}).
		Where("job_id = ? AND name = ? AND completed_items < ?", jobID, stage, completed).
		Update("completed_items", completed)
	if res.Error != nil {
		return false, fmt.Errorf("failed to raise stage %s of job %s: %w", stage, jobID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// LowerStageCompleted drops a stage's completedItems to the given value
// if and only if the recorded value is ahead of it. Counterpart of
// RaiseStageCompleted; used by the reconciler to correct double-counted
// redeliveries before a stage can close on inflated progress.
func (s *Store) LowerStageCompleted(ctx context.Context, jobID, stage string, completed int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&JobStage{}).
		Where("job_id = ? AND name = ? AND completed_items > ?", jobID, stage, completed).
		Update("completed_items", completed)
	if res.Error != nil {
		return false, fmt.Errorf("failed to lower stage %s of job %s: %w", stage, jobID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetJobMessage updates the job's human-readable progress message
func (s *Store) SetJobMessage(ctx context.Context, jobID, message string) error {
	err := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Where("id = ?", jobID).
		Update("message", message).Error
	if err != nil {
		return fmt.Errorf("failed to set message of job %s: %w", jobID, err)
	}
	return nil
}

// ListStaleJobs returns non-terminal jobs of the given type whose last
// update is older than the cutoff, oldest first.
func (s *Store) ListStaleJobs(ctx context.Context, jobType JobType, cutoff time.Time) ([]BackgroundJob, error) {
	var jobs []BackgroundJob
	err := s.db.WithContext(ctx).Preload("Stages").
		Where("job_type = ? AND status IN ? AND updated_at < ?",
			jobType, []JobStatus{StatusPending, StatusInProgress}, cutoff).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale %s jobs: %w", jobType, err)
	}
	return jobs, nil
}

// ListJobs returns jobs filtered by type and/or status, newest first
func (s *Store) ListJobs(ctx context.Context, jobType JobType, status JobStatus, limit int) ([]BackgroundJob, error) {
	q := s.db.WithContext(ctx).Preload("Stages").Order("created_at DESC")
	if jobType != "" {
		q = q.Where("job_type = ?", jobType)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []BackgroundJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetJobStatuses returns the current status of each listed job. Jobs
// that no longer exist are omitted from the result.
func (s *Store) GetJobStatuses(ctx context.Context, jobIDs []string) (map[string]JobStatus, error) {
	if len(jobIDs) == 0 {
		return map[string]JobStatus{}, nil
	}
	var rows []struct {
		ID     string
		Status JobStatus
	}
	err := s.db.WithContext(ctx).Model(&BackgroundJob{}).
		Select("id", "status").
		Where("id IN ?", jobIDs).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load job statuses: %w", err)
	}
	statuses := make(map[string]JobStatus, len(rows))
	for _, r := range rows {
		statuses[r.ID] = r.Status
	}
	return statuses, nil
}

func terminalStatuses() []JobStatus {
	return []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}
}
