package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertCollection finds or creates the collection at (libraryID, path).
// The returned bool reports whether the row was created. Concurrent
// callers racing on the same path converge on one row via the unique
// index.
func (s *Store) UpsertCollection(ctx context.Context, libraryID, name, path string, typ CollectionType) (*Collection, bool, error) {
	var existing Collection
	err := s.db.WithContext(ctx).
		First(&existing, "library_id = ? AND path = ?", libraryID, path).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up collection %s: %w", path, err)
	}

	coll := Collection{
		ID:        uuid.NewString(),
		LibraryID: libraryID,
		Name:      name,
		Path:      path,
		Type:      typ,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "library_id"}, {Name: "path"}},
			DoNothing: true,
		}).
		Create(&coll)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to create collection %s: %w", path, res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race; someone else inserted it.
		if err := s.db.WithContext(ctx).First(&existing, "library_id = ? AND path = ?", libraryID, path).Error; err != nil {
			return nil, false, fmt.Errorf("failed to reload collection %s: %w", path, err)
		}
		return &existing, false, nil
	}
	return &coll, true, nil
}

// GetCollection loads a collection by id
func (s *Store) GetCollection(ctx context.Context, collectionID string) (*Collection, error) {
	var coll Collection
	err := s.db.WithContext(ctx).First(&coll, "id = ?", collectionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %s: %w", collectionID, err)
	}
	return &coll, nil
}

// ListCollections returns all collections of a library
func (s *Store) ListCollections(ctx context.Context, libraryID string) ([]Collection, error) {
	var colls []Collection
	err := s.db.WithContext(ctx).
		Where("library_id = ?", libraryID).
		Order("path ASC").
		Find(&colls).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list collections of library %s: %w", libraryID, err)
	}
	return colls, nil
}

// RegisterImage appends an image to the collection's images array if no
// entry with the same imageID exists (conditional push). Statistics are
// rolled up only when the row is new, so re-scans are idempotent.
func (s *Store) RegisterImage(ctx context.Context, collectionID, imageID, relativePath string, sizeBytes int64) (bool, error) {
	img := CollectionImage{
		CollectionID: collectionID,
		ImageID:      imageID,
		RelativePath: relativePath,
		SizeBytes:    sizeBytes,
		AddedAt:      time.Now(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection_id"}, {Name: "image_id"}},
			DoNothing: true,
		}).
		Create(&img)
	if res.Error != nil {
		return false, fmt.Errorf("failed to register image %s: %w", imageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	err := s.db.WithContext(ctx).Model(&Collection{}).
		Where("id = ?", collectionID).
		Updates(map[string]interface{}{
			"stats_total_images":     gorm.Expr("stats_total_images + 1"),
			"stats_total_size_bytes": gorm.Expr("stats_total_size_bytes + ?", sizeBytes),
		}).Error
	if err != nil {
		return true, fmt.Errorf("failed to roll up stats of collection %s: %w", collectionID, err)
	}
	return true, nil
}

// UpsertThumbnail records a generated thumbnail for an image, keyed by
// (collectionID, imageID). A fresh insert bumps totalThumbnails; a
// replay only refreshes the row.
func (s *Store) UpsertThumbnail(ctx context.Context, t CollectionThumbnail) (bool, error) {
	t.CreatedAt = time.Now()
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection_id"}, {Name: "image_id"}},
			DoNothing: true,
		}).
		Create(&t)
	if res.Error != nil {
		return false, fmt.Errorf("failed to upsert thumbnail for image %s: %w", t.ImageID, res.Error)
	}
	if res.RowsAffected == 0 {
		err := s.db.WithContext(ctx).Model(&CollectionThumbnail{}).
			Where("collection_id = ? AND image_id = ?", t.CollectionID, t.ImageID).
			Updates(map[string]interface{}{
				"path":       t.Path,
				"width":      t.Width,
				"height":     t.Height,
				"size_bytes": t.SizeBytes,
			}).Error
		if err != nil {
			return false, fmt.Errorf("failed to refresh thumbnail for image %s: %w", t.ImageID, err)
		}
		return false, nil
	}

	err := s.db.WithContext(ctx).Model(&Collection{}).
		Where("id = ?", t.CollectionID).
		Update("stats_total_thumbnails", gorm.Expr("stats_total_thumbnails + 1")).Error
	if err != nil {
		return true, fmt.Errorf("failed to roll up thumbnail stats: %w", err)
	}
	return true, nil
}

// UpsertCacheImage records a generated cache image, keyed like thumbnails
func (s *Store) UpsertCacheImage(ctx context.Context, c CollectionCacheImage) (bool, error) {
	c.CreatedAt = time.Now()
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection_id"}, {Name: "image_id"}},
			DoNothing: true,
		}).
		Create(&c)
	if res.Error != nil {
		return false, fmt.Errorf("failed to upsert cache image for image %s: %w", c.ImageID, res.Error)
	}
	if res.RowsAffected == 0 {
		err := s.db.WithContext(ctx).Model(&CollectionCacheImage{}).
			Where("collection_id = ? AND image_id = ?", c.CollectionID, c.ImageID).
			Updates(map[string]interface{}{
				"path":       c.Path,
				"folder_id":  c.FolderID,
				"width":      c.Width,
				"height":     c.Height,
				"size_bytes": c.SizeBytes,
			}).Error
		if err != nil {
			return false, fmt.Errorf("failed to refresh cache image for image %s: %w", c.ImageID, err)
		}
		return false, nil
	}

	err := s.db.WithContext(ctx).Model(&Collection{}).
		Where("id = ?", c.CollectionID).
		Update("stats_total_cached", gorm.Expr("stats_total_cached + 1")).Error
	if err != nil {
		return true, fmt.Errorf("failed to roll up cache stats: %w", err)
	}
	return true, nil
}

// GetThumbnail returns the thumbnail record for an image, or ErrNotFound
func (s *Store) GetThumbnail(ctx context.Context, collectionID, imageID string) (*CollectionThumbnail, error) {
	var t CollectionThumbnail
	err := s.db.WithContext(ctx).
		First(&t, "collection_id = ? AND image_id = ?", collectionID, imageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thumbnail of image %s: %w", imageID, err)
	}
	return &t, nil
}

// GetCacheImage returns the cache record for an image, or ErrNotFound
func (s *Store) GetCacheImage(ctx context.Context, collectionID, imageID string) (*CollectionCacheImage, error) {
	var c CollectionCacheImage
	err := s.db.WithContext(ctx).
		First(&c, "collection_id = ? AND image_id = ?", collectionID, imageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cache image of image %s: %w", imageID, err)
	}
	return &c, nil
}

// ListImages returns the registered images of a collection
func (s *Store) ListImages(ctx context.Context, collectionID string) ([]CollectionImage, error) {
	var imgs []CollectionImage
	err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("relative_path ASC").
		Find(&imgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list images of collection %s: %w", collectionID, err)
	}
	return imgs, nil
}

// ListThumbnails returns the thumbnail records of a collection
func (s *Store) ListThumbnails(ctx context.Context, collectionID string) ([]CollectionThumbnail, error) {
	var ts []CollectionThumbnail
	err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list thumbnails of collection %s: %w", collectionID, err)
	}
	return ts, nil
}

// ListCacheImages returns the cache image records of a collection
func (s *Store) ListCacheImages(ctx context.Context, collectionID string) ([]CollectionCacheImage, error) {
	var cs []CollectionCacheImage
	err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Find(&cs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cache images of collection %s: %w", collectionID, err)
	}
	return cs, nil
}

// ArtifactCounts returns the ground-truth sizes of the three arrays
func (s *Store) ArtifactCounts(ctx context.Context, collectionID string) (images, thumbnails, cacheImages int64, err error) {
	db := s.db.WithContext(ctx)
	if err = db.Model(&CollectionImage{}).Where("collection_id = ?", collectionID).Count(&images).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count images: %w", err)
	}
	if err = db.Model(&CollectionThumbnail{}).Where("collection_id = ?", collectionID).Count(&thumbnails).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count thumbnails: %w", err)
	}
	if err = db.Model(&CollectionCacheImage{}).Where("collection_id = ?", collectionID).Count(&cacheImages).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count cache images: %w", err)
	}
	return images, thumbnails, cacheImages, nil
}

// ClearCollection removes all registered images and artifacts and
// resets the statistics block. Used by overwriteExisting scans.
func (s *Store) ClearCollection(ctx context.Context, collectionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&CollectionImage{}, &CollectionThumbnail{}, &CollectionCacheImage{},
		} {
			if err := tx.Where("collection_id = ?", collectionID).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to clear collection %s: %w", collectionID, err)
			}
		}
		err := tx.Model(&Collection{}).
			Where("id = ?", collectionID).
			Updates(map[string]interface{}{
				"stats_total_images":     0,
				"stats_total_size_bytes": 0,
				"stats_total_thumbnails": 0,
				"stats_total_cached":     0,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to reset stats of collection %s: %w", collectionID, err)
		}
		return nil
	})
}

// RemoveThumbnail drops a thumbnail record, decrementing the rollup.
// Used by the reconciler when the artifact is missing on disk.
func (s *Store) RemoveThumbnail(ctx context.Context, collectionID, imageID string) error {
	res := s.db.WithContext(ctx).
		Where("collection_id = ? AND image_id = ?", collectionID, imageID).
		Delete(&CollectionThumbnail{})
	if res.Error != nil {
		return fmt.Errorf("failed to remove thumbnail of image %s: %w", imageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&Collection{}).
		Where("id = ? AND stats_total_thumbnails > 0", collectionID).
		Update("stats_total_thumbnails", gorm.Expr("stats_total_thumbnails - 1")).Error
	if err != nil {
		return fmt.Errorf("failed to roll back thumbnail stats: %w", err)
	}
	return nil
}

// RemoveCacheImage drops a cache record, decrementing the rollup
func (s *Store) RemoveCacheImage(ctx context.Context, collectionID, imageID string) error {
	res := s.db.WithContext(ctx).
		Where("collection_id = ? AND image_id = ?", collectionID, imageID).
		Delete(&CollectionCacheImage{})
	if res.Error != nil {
		return fmt.Errorf("failed to remove cache image of image %s: %w", imageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&Collection{}).
		Where("id = ? AND stats_total_cached > 0", collectionID).
		Update("stats_total_cached", gorm.Expr("stats_total_cached - 1")).Error
	if err != nil {
		return fmt.Errorf("failed to roll back cache stats: %w", err)
	}
	return nil
}
