package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateCacheFolder registers a writable output directory
func (s *Store) CreateCacheFolder(ctx context.Context, f *CacheFolder) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("failed to create cache folder %s: %w", f.Name, err)
	}
	return nil
}

// GetCacheFolder loads a cache folder by id
func (s *Store) GetCacheFolder(ctx context.Context, folderID string) (*CacheFolder, error) {
	var f CacheFolder
	err := s.db.WithContext(ctx).First(&f, "id = ?", folderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cache folder %s: %w", folderID, err)
	}
	return &f, nil
}

// ListCacheFolders returns every registered cache folder
func (s *Store) ListCacheFolders(ctx context.Context) ([]CacheFolder, error) {
	var folders []CacheFolder
	if err := s.db.WithContext(ctx).Order("priority DESC, name ASC").Find(&folders).Error; err != nil {
		return nil, fmt.Errorf("failed to list cache folders: %w", err)
	}
	return folders, nil
}

// ListActiveCacheFolders returns active folders, highest priority first
func (s *Store) ListActiveCacheFolders(ctx context.Context) ([]CacheFolder, error) {
	var folders []CacheFolder
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority DESC, name ASC").
		Find(&folders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active cache folders: %w", err)
	}
	return folders, nil
}

// AccountFolderWrite adds written bytes to the folder's accounted size
func (s *Store) AccountFolderWrite(ctx context.Context, folderID string, bytes int64) error {
	err := s.db.WithContext(ctx).Model(&CacheFolder{}).
		Where("id = ?", folderID).
		Update("current_size_bytes", gorm.Expr("current_size_bytes + ?", bytes)).Error
	if err != nil {
		return fmt.Errorf("failed to account write on folder %s: %w", folderID, err)
	}
	return nil
}

// AccountFolderDelete subtracts bytes, clamping the size at zero. The
// clamp is in the statement itself so concurrent deletes cannot drive
// the counter negative.
func (s *Store) AccountFolderDelete(ctx context.Context, folderID string, bytes int64) error {
	err := s.db.WithContext(ctx).Model(&CacheFolder{}).
		Where("id = ?", folderID).
		Update("current_size_bytes",
			gorm.Expr("CASE WHEN current_size_bytes < ? THEN 0 ELSE current_size_bytes - ? END", bytes, bytes)).Error
	if err != nil {
		return fmt.Errorf("failed to account delete on folder %s: %w", folderID, err)
	}
	return nil
}

// SetFolderSize overwrites the accounted size. Used by the admin-driven
// recalculation after walking the folder on disk.
func (s *Store) SetFolderSize(ctx context.Context, folderID string, bytes int64) error {
	err := s.db.WithContext(ctx).Model(&CacheFolder{}).
		Where("id = ?", folderID).
		Update("current_size_bytes", bytes).Error
	if err != nil {
		return fmt.Errorf("failed to set size of folder %s: %w", folderID, err)
	}
	return nil
}

// SetFolderActive toggles a folder in or out of the selectable pool
func (s *Store) SetFolderActive(ctx context.Context, folderID string, active bool) error {
	err := s.db.WithContext(ctx).Model(&CacheFolder{}).
		Where("id = ?", folderID).
		Update("is_active", active).Error
	if err != nil {
		return fmt.Errorf("failed to toggle folder %s: %w", folderID, err)
	}
	return nil
}

// BindCollectionToFolder adds the collection to the folder's bound set.
// Re-binding the same pair is a no-op (add-to-set semantics).
func (s *Store) BindCollectionToFolder(ctx context.Context, folderID, collectionID string) error {
	b := CacheFolderBinding{FolderID: folderID, CollectionID: collectionID}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "folder_id"}, {Name: "collection_id"}},
			DoNothing: true,
		}).
		Create(&b).Error
	if err != nil {
		return fmt.Errorf("failed to bind collection %s to folder %s: %w", collectionID, folderID, err)
	}
	return nil
}

// FoldersForCollection returns the folders already holding artifacts of
// the collection, highest priority first.
func (s *Store) FoldersForCollection(ctx context.Context, collectionID string) ([]CacheFolder, error) {
	var folders []CacheFolder
	err := s.db.WithContext(ctx).
		Joins("JOIN cache_folder_bindings ON cache_folder_bindings.folder_id = cache_folders.id").
		Where("cache_folder_bindings.collection_id = ?", collectionID).
		Order("cache_folders.priority DESC").
		Find(&folders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load folders of collection %s: %w", collectionID, err)
	}
	return folders, nil
}
