// Package testutil provides test helpers and fixtures for kiln tests.
// All file operations use t.TempDir() for safe, isolated testing.
package testutil

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kilnmedia/kiln/internal/config"
	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/store"
)

// OpenStore opens an isolated on-disk sqlite store under t.TempDir()
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "kiln-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// JPEG returns an encoded JPEG of the given dimensions
func JPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), uint8((x + y) % 256), 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

// PNG returns an encoded PNG of the given dimensions
func PNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test png: %v", err)
	}
	return buf.Bytes()
}

// AnimatedGIF returns a two-frame GIF
func AnimatedGIF(t *testing.T, width, height int) []byte {
	t.Helper()
	palette := color.Palette{color.White, color.Black}
	anim := &gif.GIF{}
	for i := 0; i < 2; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, width, height), palette)
		frame.SetColorIndex(i, i, 1)
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 10)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		t.Fatalf("failed to encode test gif: %v", err)
	}
	return buf.Bytes()
}

// WriteFile writes a file, creating parent directories as needed
func WriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// WriteZip writes a zip archive with the given member files
func WriteZip(t *testing.T, path string, members map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to add %s to zip: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("failed to write %s to zip: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	WriteFile(t, path, buf.Bytes())
}

// FakePublisher records emitted payloads instead of talking to a broker
type FakePublisher struct {
	mu          sync.Mutex
	Thumbnails  []queue.ArtifactPayload
	CacheImages []queue.ArtifactPayload
	Scans       []queue.CollectionScanPayload
	BulkAdds    []queue.BulkAddPayload
	LibraryRuns []queue.LibraryScanPayload
	Err         error // returned by every Enqueue when set
}

func (f *FakePublisher) EnqueueThumbnail(_ context.Context, p queue.ArtifactPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Thumbnails = append(f.Thumbnails, p)
	return nil
}

func (f *FakePublisher) EnqueueCache(_ context.Context, p queue.ArtifactPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.CacheImages = append(f.CacheImages, p)
	return nil
}

func (f *FakePublisher) EnqueueCollectionScan(_ context.Context, p queue.CollectionScanPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Scans = append(f.Scans, p)
	return nil
}

func (f *FakePublisher) EnqueueBulkAdd(_ context.Context, p queue.BulkAddPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.BulkAdds = append(f.BulkAdds, p)
	return nil
}

func (f *FakePublisher) EnqueueLibraryScan(_ context.Context, p queue.LibraryScanPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.LibraryRuns = append(f.LibraryRuns, p)
	return nil
}

var _ queue.Publisher = (*FakePublisher)(nil)
