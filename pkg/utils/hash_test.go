package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestShortHash(t *testing.T) {
	a := ShortHash(20, "coll-1", "vol1/page001.jpg")
	if len(a) != 20 {
		t.Errorf("hash length = %d, want 20", len(a))
	}
	if b := ShortHash(20, "coll-1", "vol1/page001.jpg"); b != a {
		t.Errorf("same inputs hashed differently: %s vs %s", a, b)
	}
	if c := ShortHash(20, "coll-1", "vol1/page002.jpg"); c == a {
		t.Error("different inputs produced the same hash")
	}
	// Part boundaries matter: ("ab","c") and ("a","bc") must differ.
	if ShortHash(20, "ab", "c") == ShortHash(20, "a", "bc") {
		t.Error("part boundaries ignored by the hash")
	}
	// n beyond the digest length is clamped, not an error.
	if full := ShortHash(100, "x"); len(full) != 40 {
		t.Errorf("oversized n yielded %d chars, want the full 40", len(full))
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing file did not error")
	}
}
