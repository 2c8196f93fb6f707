package scanner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kilnmedia/kiln/internal/store"
	"github.com/kilnmedia/kiln/internal/testutil"
)

func TestIsImageFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"photo.jpg", true},
		{"PHOTO.JPG", true},
		{"scan.jpeg", true},
		{"art.png", true},
		{"anim.gif", true},
		{"modern.webp", true},
		{"flat.bmp", true},
		{"scan.tiff", true},
		{"notes.txt", false},
		{"archive.zip", false},
		{"noext", false},
		{".hidden", false},
	}
	for _, tt := range tests {
		if got := IsImageFile(tt.name); got != tt.want {
			t.Errorf("IsImageFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEnumerateDirectory(t *testing.T) {
	root := t.TempDir()
	img := testutil.JPEG(t, 10, 10)
	testutil.WriteFile(t, filepath.Join(root, "b.jpg"), img)
	testutil.WriteFile(t, filepath.Join(root, "a.png"), img)
	testutil.WriteFile(t, filepath.Join(root, "sub", "deep", "c.gif"), img)
	testutil.WriteFile(t, filepath.Join(root, "notes.txt"), []byte("ignore"))
	testutil.WriteFile(t, filepath.Join(root, ".git", "blob.jpg"), img)

	entries, fileErrs, err := EnumerateDirectory(context.Background(), root)
	if err != nil {
		t.Fatalf("EnumerateDirectory: %v", err)
	}
	if len(fileErrs) != 0 {
		t.Errorf("unexpected per-file errors: %v", fileErrs)
	}

	want := []string{"a.png", "b.jpg", "sub/deep/c.gif"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, w := range want {
		if entries[i].RelativePath != w {
			t.Errorf("entry %d = %q, want %q (sorted, slash-separated)", i, entries[i].RelativePath, w)
		}
	}
	if entries[0].SizeBytes != int64(len(img)) {
		t.Errorf("entry size = %d, want %d", entries[0].SizeBytes, len(img))
	}
}

func TestEnumerateDirectoryMissingRoot(t *testing.T) {
	_, _, err := EnumerateDirectory(context.Background(), filepath.Join(t.TempDir(), "gone"))
	if err == nil {
		t.Fatal("missing root did not fail enumeration")
	}
}

func TestEnumerateZipArchive(t *testing.T) {
	img := testutil.JPEG(t, 10, 10)
	path := filepath.Join(t.TempDir(), "book.cbz")
	testutil.WriteZip(t, path, map[string][]byte{
		"pages/002.jpg": img,
		"pages/001.jpg": img,
		"cover.png":     img,
		"info.xml":      []byte("<meta/>"),
	})

	entries, fileErrs, err := EnumerateArchive(context.Background(), path)
	if err != nil {
		t.Fatalf("EnumerateArchive: %v", err)
	}
	if len(fileErrs) != 0 {
		t.Errorf("unexpected per-file errors: %v", fileErrs)
	}
	want := []string{"cover.png", "pages/001.jpg", "pages/002.jpg"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].RelativePath != w {
			t.Errorf("entry %d = %q, want %q", i, entries[i].RelativePath, w)
		}
	}
}

func TestEnumerateCorruptArchiveFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.zip")
	testutil.WriteFile(t, path, []byte("this is not a zip file"))

	if _, _, err := EnumerateArchive(context.Background(), path); err == nil {
		t.Fatal("corrupt archive did not fail enumeration")
	}
}

func TestReadArchiveEntry(t *testing.T) {
	img := testutil.JPEG(t, 10, 10)
	path := filepath.Join(t.TempDir(), "book.zip")
	testutil.WriteZip(t, path, map[string][]byte{"pages/001.jpg": img})

	data, err := ReadArchiveEntry(path, "pages/001.jpg")
	if err != nil {
		t.Fatalf("ReadArchiveEntry: %v", err)
	}
	if len(data) != len(img) {
		t.Errorf("read %d bytes, want %d", len(data), len(img))
	}

	if _, err := ReadArchiveEntry(path, "pages/404.jpg"); err == nil {
		t.Error("missing entry did not error")
	}
}

func TestDiscoverCollections(t *testing.T) {
	root := t.TempDir()
	img := testutil.JPEG(t, 10, 10)
	testutil.WriteFile(t, filepath.Join(root, "series-b", "001.jpg"), img)
	testutil.WriteFile(t, filepath.Join(root, "series-a", "001.jpg"), img)
	testutil.WriteZip(t, filepath.Join(root, "one-shot.cbz"), map[string][]byte{"p.jpg": img})
	testutil.WriteFile(t, filepath.Join(root, "loose.jpg"), img)
	testutil.WriteFile(t, filepath.Join(root, ".stash", "x.jpg"), img)

	candidates, err := DiscoverCollections(context.Background(), root, "lib/")
	if err != nil {
		t.Fatalf("DiscoverCollections: %v", err)
	}

	want := []struct {
		name string
		typ  store.CollectionType
	}{
		{"lib/one-shot", store.CollectionArchive},
		{"lib/series-a", store.CollectionDirectory},
		{"lib/series-b", store.CollectionDirectory},
	}
	if len(candidates) != len(want) {
		t.Fatalf("got %d candidates, want %d: %+v", len(candidates), len(want), candidates)
	}
	for i, w := range want {
		if candidates[i].Name != w.name || candidates[i].Type != w.typ {
			t.Errorf("candidate %d = %s/%s, want %s/%s",
				i, candidates[i].Name, candidates[i].Type, w.name, w.typ)
		}
	}
}

func TestReadSourceDispatch(t *testing.T) {
	img := testutil.JPEG(t, 10, 10)
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.jpg")
	testutil.WriteFile(t, plain, img)
	archive := filepath.Join(dir, "book.zip")
	testutil.WriteZip(t, archive, map[string][]byte{"001.jpg": img})

	if data, err := ReadSource(store.CollectionDirectory, plain, ""); err != nil || len(data) != len(img) {
		t.Errorf("plain ReadSource = (%d bytes, %v)", len(data), err)
	}
	if data, err := ReadSource(store.CollectionArchive, archive, "001.jpg"); err != nil || len(data) != len(img) {
		t.Errorf("archive ReadSource = (%d bytes, %v)", len(data), err)
	}
	if _, err := ReadSource(store.CollectionDirectory, plain, "member.jpg"); err == nil {
		t.Error("archive entry on a directory collection did not error")
	}
}
