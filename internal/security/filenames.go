// Package security sanitises artifact output paths. Source images come
// from untrusted archive entries; nothing from an entry name may escape
// the output root or blow the filename length limits of the platform.
package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kilnmedia/kiln/pkg/utils"
)

// MaxFilenameBytes is the portable per-component limit (255 on both
// POSIX and NTFS); artifact names stay far below it.
const MaxFilenameBytes = 255

// maxStemLen bounds the natural-name part kept for readability
const maxStemLen = 48

var unsafeChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "_",
)

// ArtifactFilename derives a short, collision-free output filename for
// an image artifact. Container paths are never embedded: the name is
// the image id (already a per-collection hash of the relative path)
// plus a truncated, sanitised natural stem for human readability.
func ArtifactFilename(imageID, sourceName, ext string) string {
	stem := sanitizeStem(sourceName)
	if stem == "" {
		return imageID + ext
	}
	return fmt.Sprintf("%s_%s%s", imageID, stem, ext)
}

func sanitizeStem(sourceName string) string {
	base := filepath.Base(filepath.ToSlash(sourceName))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = unsafeChars.Replace(base)
	base = strings.Trim(base, ". ")
	if len(base) > maxStemLen {
		base = base[:maxStemLen]
	}
	return base
}

// ImageID derives the stable per-collection id of an image from its
// collection and relative path. Re-enumerating the same source yields
// the same id set, which is what makes re-scans idempotent.
func ImageID(collectionID, relativePath string) string {
	return utils.ShortHash(20, collectionID, filepath.ToSlash(relativePath))
}

// WithinRoot reports whether path stays inside root after cleaning.
// Defends against entry names like ../../etc/passwd ending up in an
// output path.
func WithinRoot(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
