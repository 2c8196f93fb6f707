package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateProcessingState opens a resumable run record for a collection
func (s *Store) CreateProcessingState(ctx context.Context, st *FileProcessingJobState) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.RemainingImages = st.TotalImages - st.CompletedImages - st.SkippedImages - st.FailedImages
	st.CanResume = st.RemainingImages > 0
	if err := s.db.WithContext(ctx).Create(st).Error; err != nil {
		return fmt.Errorf("failed to create processing state for collection %s: %w", st.CollectionID, err)
	}
	return nil
}

// GetResumableState returns the latest resumable run for a collection,
// or ErrNotFound when every run has been closed.
func (s *Store) GetResumableState(ctx context.Context, collectionID, jobKind string) (*FileProcessingJobState, error) {
	var st FileProcessingJobState
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND job_kind = ? AND can_resume = ?", collectionID, jobKind, true).
		Order("created_at DESC").
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load processing state of collection %s: %w", collectionID, err)
	}
	return &st, nil
}

// AdvanceProcessingState atomically folds one finished item into the
// run record. Exactly one of the deltas should be 1. The record closes
// itself (canResume = false) when remainingImages reaches zero.
func (s *Store) AdvanceProcessingState(ctx context.Context, stateID string, completed, skipped, failed int64) error {
	err := s.db.WithContext(ctx).Model(&FileProcessingJobState{}).
		Where("id = ? AND remaining_images > 0", stateID).
		Updates(map[string]interface{}{
			"completed_images": gorm.Expr("completed_images + ?", completed),
			"skipped_images":   gorm.Expr("skipped_images + ?", skipped),
			"failed_images":    gorm.Expr("failed_images + ?", failed),
			"remaining_images": gorm.Expr("remaining_images - ?", completed+skipped+failed),
			"can_resume":       gorm.Expr("remaining_images - ? > 0", completed+skipped+failed),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to advance processing state %s: %w", stateID, err)
	}
	return nil
}

// AbandonProcessingState closes a run so it will not be resumed
func (s *Store) AbandonProcessingState(ctx context.Context, stateID string) error {
	err := s.db.WithContext(ctx).Model(&FileProcessingJobState{}).
		Where("id = ?", stateID).
		Update("can_resume", false).Error
	if err != nil {
		return fmt.Errorf("failed to abandon processing state %s: %w", stateID, err)
	}
	return nil
}
