package security

import (
	"strings"
	"testing"
)

func TestArtifactFilename(t *testing.T) {
	tests := []struct {
		name       string
		imageID    string
		sourceName string
		ext        string
		want       string
	}{
		{"plain name", "abc123", "cover.jpg", ".jpg", "abc123_cover.jpg"},
		{"nested entry keeps base only", "abc123", "vol1/ch2/page.png", ".jpg", "abc123_page.jpg"},
		{"traversal stripped", "abc123", "../../etc/passwd", ".jpg", "abc123_passwd.jpg"},
		{"unsafe chars replaced", "abc123", `a:b*c.png`, ".png", "abc123_a_b_c.png"},
		{"empty stem falls back to id", "abc123", "...", ".jpg", "abc123.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ArtifactFilename(tt.imageID, tt.sourceName, tt.ext); got != tt.want {
				t.Errorf("ArtifactFilename(%q, %q, %q) = %q, want %q",
					tt.imageID, tt.sourceName, tt.ext, got, tt.want)
			}
		})
	}
}

func TestArtifactFilenameBoundsLength(t *testing.T) {
	long := strings.Repeat("x", 400) + ".jpg"
	got := ArtifactFilename("abc123", long, ".jpg")
	if len(got) > MaxFilenameBytes {
		t.Errorf("filename length %d exceeds the per-component limit", len(got))
	}
	if len(got) > len("abc123_")+maxStemLen+len(".jpg") {
		t.Errorf("stem not truncated: %d bytes", len(got))
	}
}

func TestImageIDIsStable(t *testing.T) {
	a := ImageID("coll-1", "vol1/page001.jpg")
	b := ImageID("coll-1", "vol1/page001.jpg")
	if a != b {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
	if len(a) != 20 {
		t.Errorf("image id length = %d, want 20", len(a))
	}

	// Windows-style separators normalise to the same id.
	if c := ImageID("coll-1", `vol1\page001.jpg`); c != a {
		t.Errorf("separator variant produced a different id: %s vs %s", c, a)
	}

	if other := ImageID("coll-2", "vol1/page001.jpg"); other == a {
		t.Error("different collections produced the same image id")
	}
	if other := ImageID("coll-1", "vol1/page002.jpg"); other == a {
		t.Error("different paths produced the same image id")
	}
}

func TestWithinRoot(t *testing.T) {
	tests := []struct {
		name string
		root string
		path string
		want bool
	}{
		{"direct child", "/cache", "/cache/coll/a.jpg", true},
		{"root itself", "/cache", "/cache", true},
		{"escape via dotdot", "/cache", "/cache/../etc/passwd", false},
		{"sibling", "/cache", "/caches/a.jpg", false},
		{"unrelated", "/cache", "/etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithinRoot(tt.root, tt.path); got != tt.want {
				t.Errorf("WithinRoot(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
			}
		})
	}
}
