// Package scanner enumerates image files under directory trees and
// inside ZIP/CBZ/RAR/CBR archives, and discovers candidate collections
// under a library root. Enumeration never extracts archives.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one image-like file found during enumeration
type Entry struct {
	RelativePath string
	SizeBytes    int64
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// IsImageFile reports whether the filename looks like a supported image
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// EnumerateDirectory walks root recursively and returns its image
// entries sorted by relative path. Unreadable children are collected as
// per-file errors and do not abort the walk.
func EnumerateDirectory(ctx context.Context, root string) ([]Entry, []error, error) {
	var entries []Entry
	var fileErrs []error

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			fileErrs = append(fileErrs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsImageFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			fileErrs = append(fileErrs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			fileErrs = append(fileErrs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		entries = append(entries, Entry{
			RelativePath: filepath.ToSlash(rel),
			SizeBytes:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fileErrs, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})
	return entries, fileErrs, nil
}

// ReadFileSource reads the bytes of a plain-file image
func ReadFileSource(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
