package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateLibrary persists a library. When autoScan is set, a scheduled
// job is created alongside it; the unique index on library_id keeps the
// binding to at most one scheduled job per library.
func (s *Store) CreateLibrary(ctx context.Context, lib *Library) error {
	if lib.ID == "" {
		lib.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(lib).Error; err != nil {
			return fmt.Errorf("failed to create library %s: %w", lib.Name, err)
		}
		if lib.AutoScan {
			sj := &ScheduledJob{
				ID:             uuid.NewString(),
				LibraryID:      lib.ID,
				CronExpression: lib.CronExpression,
				Enabled:        true,
				Parameters:     map[string]string{"LibraryId": lib.ID},
			}
			if err := tx.Create(sj).Error; err != nil {
				return fmt.Errorf("failed to create scheduled job for library %s: %w", lib.Name, err)
			}
		}
		return nil
	})
}

// GetLibrary loads a library by id
func (s *Store) GetLibrary(ctx context.Context, libraryID string) (*Library, error) {
	var lib Library
	err := s.db.WithContext(ctx).First(&lib, "id = ?", libraryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load library %s: %w", libraryID, err)
	}
	return &lib, nil
}

// ListLibraries returns all libraries
func (s *Store) ListLibraries(ctx context.Context) ([]Library, error) {
	var libs []Library
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&libs).Error; err != nil {
		return nil, fmt.Errorf("failed to list libraries: %w", err)
	}
	return libs, nil
}

// DeleteLibrary removes a library and cascades to its scheduled job
func (s *Store) DeleteLibrary(ctx context.Context, libraryID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("library_id = ?", libraryID).Delete(&ScheduledJob{}).Error; err != nil {
			return fmt.Errorf("failed to delete scheduled job of library %s: %w", libraryID, err)
		}
		res := tx.Delete(&Library{}, "id = ?", libraryID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete library %s: %w", libraryID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetScheduledJob loads a scheduled job by id
func (s *Store) GetScheduledJob(ctx context.Context, jobID string) (*ScheduledJob, error) {
	var sj ScheduledJob
	err := s.db.WithContext(ctx).First(&sj, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled job %s: %w", jobID, err)
	}
	return &sj, nil
}

// GetScheduledJobByLibrary loads the scheduled job bound to a library
func (s *Store) GetScheduledJobByLibrary(ctx context.Context, libraryID string) (*ScheduledJob, error) {
	var sj ScheduledJob
	err := s.db.WithContext(ctx).First(&sj, "library_id = ?", libraryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled job of library %s: %w", libraryID, err)
	}
	return &sj, nil
}

// ListScheduledJobs returns all scheduled jobs, optionally enabled only
func (s *Store) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]ScheduledJob, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var sjs []ScheduledJob
	if err := q.Find(&sjs).Error; err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	return sjs, nil
}

// ListOrphanedScheduledJobs returns enabled jobs with no runtime binding
func (s *Store) ListOrphanedScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	var sjs []ScheduledJob
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND external_binding IS NULL", true).
		Find(&sjs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned scheduled jobs: %w", err)
	}
	return sjs, nil
}

// BindScheduledJob records the runtime binding id for a scheduled job
func (s *Store) BindScheduledJob(ctx context.Context, jobID string, binding int64, nextRun time.Time) error {
	err := s.db.WithContext(ctx).Model(&ScheduledJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"external_binding": binding,
			"next_run_at":      nextRun,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to bind scheduled job %s: %w", jobID, err)
	}
	return nil
}

// UnbindScheduledJob clears the runtime binding, leaving an orphan record
func (s *Store) UnbindScheduledJob(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Model(&ScheduledJob{}).
		Where("id = ?", jobID).
		Update("external_binding", nil).Error
	if err != nil {
		return fmt.Errorf("failed to unbind scheduled job %s: %w", jobID, err)
	}
	return nil
}

// MarkScheduledRunStarted stamps lastRunAt and bumps runCount atomically
func (s *Store) MarkScheduledRunStarted(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Model(&ScheduledJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"last_run_at": time.Now(),
			"run_count":   gorm.Expr("run_count + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark run of scheduled job %s: %w", jobID, err)
	}
	return nil
}

// MarkScheduledRunFinished records the outcome of a run and the next
// fire time computed from the cron expression.
func (s *Store) MarkScheduledRunFinished(ctx context.Context, jobID, status string, duration time.Duration, nextRun time.Time, success bool) error {
	updates := map[string]interface{}{
		"last_run_status":   status,
		"last_run_duration": duration,
		"next_run_at":       nextRun,
	}
	if success {
		updates["success_count"] = gorm.Expr("success_count + 1")
	} else {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}
	err := s.db.WithContext(ctx).Model(&ScheduledJob{}).
		Where("id = ?", jobID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to finish run of scheduled job %s: %w", jobID, err)
	}
	return nil
}
