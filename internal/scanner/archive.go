package scanner

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nwaples/rardecode/v2"
)

var archiveExtensions = map[string]bool{
	".zip": true,
	".cbz": true,
	".rar": true,
	".cbr": true,
}

// IsArchiveFile reports whether the filename is a supported archive
func IsArchiveFile(name string) bool {
	return archiveExtensions[strings.ToLower(filepath.Ext(name))]
}

// StripArchiveExt removes a known archive extension from a filename
func StripArchiveExt(name string) string {
	if IsArchiveFile(name) {
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// EnumerateArchive lists the image entries of an archive without
// extracting it. Entry paths are the member paths inside the archive,
// slash-separated. A corrupt or unreadable archive fails outright;
// that failure is what fails the scan stage.
func EnumerateArchive(ctx context.Context, path string) ([]Entry, []error, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return enumerateZip(ctx, path)
	case ".rar", ".cbr":
		return enumerateRar(ctx, path)
	default:
		return nil, nil, fmt.Errorf("unsupported archive type: %s", path)
	}
}

func enumerateZip(ctx context.Context, path string) ([]Entry, []error, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer r.Close()

	var entries []Entry
	for _, f := range r.File {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if f.FileInfo().IsDir() || !IsImageFile(f.Name) {
			continue
		}
		entries = append(entries, Entry{
			RelativePath: filepath.ToSlash(f.Name),
			SizeBytes:    int64(f.UncompressedSize64),
		})
	}
	sortEntries(entries)
	return entries, nil, nil
}

func enumerateRar(ctx context.Context, path string) ([]Entry, []error, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer r.Close()

	var entries []Entry
	var fileErrs []error
	for {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fileErrs, fmt.Errorf("failed to read archive %s: %w", path, err)
		}
		if hdr.IsDir || !IsImageFile(hdr.Name) {
			continue
		}
		entries = append(entries, Entry{
			RelativePath: filepath.ToSlash(hdr.Name),
			SizeBytes:    hdr.UnPackedSize,
		})
	}
	sortEntries(entries)
	return entries, fileErrs, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})
}

// ReadArchiveEntry returns the bytes of one archive member
func ReadArchiveEntry(path, entry string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return readZipEntry(path, entry)
	case ".rar", ".cbr":
		return readRarEntry(path, entry)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", path)
	}
}

func readZipEntry(path, entry string) ([]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if filepath.ToSlash(f.Name) != entry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open entry %s: %w", entry, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", entry, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("entry %s not found in %s", entry, path)
}

func readRarEntry(path, entry string) ([]byte, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer r.Close()

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive %s: %w", path, err)
		}
		if hdr.IsDir || filepath.ToSlash(hdr.Name) != entry {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", entry, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("entry %s not found in %s", entry, path)
}
