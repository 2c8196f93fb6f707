package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kilnmedia/kiln/internal/store"
)

// Candidate is a collection discovered one level under a root: a
// subfolder becomes a directory collection, a well-known archive file
// becomes an archive collection.
type Candidate struct {
	Name string
	Path string
	Type store.CollectionType
}

// DiscoverCollections walks root one level deep and returns the
// candidate collections in name order. Loose image files directly under
// the root are ignored; only folders and archives become collections.
func DiscoverCollections(ctx context.Context, root, prefix string) ([]Candidate, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read root %s: %w", root, err)
	}

	var candidates []Candidate
	for _, d := range dirents {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := d.Name()
		if name == "" || name[0] == '.' {
			continue
		}
		full := filepath.Join(root, name)
		switch {
		case d.IsDir():
			candidates = append(candidates, Candidate{
				Name: prefix + name,
				Path: full,
				Type: store.CollectionDirectory,
			})
		case IsArchiveFile(name):
			candidates = append(candidates, Candidate{
				Name: prefix + StripArchiveExt(name),
				Path: full,
				Type: store.CollectionArchive,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})
	return candidates, nil
}

// Enumerate dispatches on the collection type
func Enumerate(ctx context.Context, coll *store.Collection) ([]Entry, []error, error) {
	switch coll.Type {
	case store.CollectionDirectory:
		return EnumerateDirectory(ctx, coll.Path)
	case store.CollectionArchive:
		return EnumerateArchive(ctx, coll.Path)
	default:
		return nil, nil, fmt.Errorf("unknown collection type: %q", coll.Type)
	}
}

// ReadSource returns the bytes of one image of a collection
func ReadSource(collType store.CollectionType, path, archiveEntry string) ([]byte, error) {
	if archiveEntry == "" {
		return ReadFileSource(path)
	}
	if collType != "" && collType != store.CollectionArchive {
		return nil, fmt.Errorf("archive entry on %s collection", collType)
	}
	return ReadArchiveEntry(path, archiveEntry)
}
